package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "VERIFY.md")
	body := `# Verifications

- [ ] v001 t001 Widget endpoint responds
  check: file-exists handler.go
  check: rg "func Handler" handler.go
- [x] v002 t002 Deploy script is syntactically valid
  check: bash -n deploy.sh
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].VerificationID != "v001" || entries[0].TaskID != "t001" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if len(entries[0].Directives) != 2 {
		t.Fatalf("entry 0 directives = %v, want 2", entries[0].Directives)
	}
	if entries[1].Directives[0] != "bash -n deploy.sh" {
		t.Fatalf("entry 1 directive = %q", entries[1].Directives[0])
	}
}

func TestRunDirective_FileExists(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "present.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := RunDirective(context.Background(), dir, "file-exists present.txt")
	if !r.Passed {
		t.Fatalf("expected pass, got %+v", r)
	}

	r = RunDirective(context.Background(), dir, "file-exists absent.txt")
	if r.Passed {
		t.Fatalf("expected fail, got %+v", r)
	}
}

func TestRunDirective_BashSyntaxCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ok.sh")
	if err := os.WriteFile(path, []byte("#!/bin/bash\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := RunDirective(context.Background(), dir, "bash -n ok.sh")
	if !r.Passed {
		t.Fatalf("expected valid script to pass syntax check: %+v", r)
	}
}

func TestAppendProof(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := AppendProof(dir, "v001", "t001", true, "supervisor", at); err != nil {
		t.Fatalf("AppendProof: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "todo", "verify-proof-log.md"))
	if err != nil {
		t.Fatal(err)
	}
	want := "## v001 t001 | PASSED | 2026-01-02T03:04:05Z | by:supervisor\n"
	if string(data) != want {
		t.Fatalf("proof log = %q, want %q", string(data), want)
	}
}
