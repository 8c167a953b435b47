package healthprobe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCheck_FileCacheAvoidsReprobe(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)

	// Prime the file cache directly, bypassing probe() — simulates a fresh
	// cache left by a prior pulse's process.
	path := p.cachePath("definitely-not-a-real-binary", "coding")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("123\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := p.Check(context.Background(), "definitely-not-a-real-binary", "coding"); err != nil {
		t.Fatalf("Check should have used the file cache and skipped probing: %v", err)
	}
}

func TestCheck_ProbesOnMissingBinary(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)

	err := p.Check(context.Background(), "definitely-not-a-real-binary-xyz", "coding")
	if err == nil {
		t.Fatal("expected ProviderUnavailable for a nonexistent binary")
	}
}

func TestCheck_InMemoryCacheShortCircuits(t *testing.T) {
	dir := t.TempDir()
	p := New(dir)
	p.markVerified(cacheKey("anything", "coding"))

	if err := p.Check(context.Background(), "anything", "coding"); err != nil {
		t.Fatalf("Check should short-circuit on the in-memory flag: %v", err)
	}
}
