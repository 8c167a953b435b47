package formatter

import (
	"bytes"
	"strings"
	"testing"
)

func TestTable_BasicOutput(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "REPO", "STATUS")
	tbl.AddRow("t001", "/repos/alpha", "dispatched")
	tbl.AddRow("t002", "/repos/beta", "queued")
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	out := buf.String()

	// Verify headers present
	if !strings.Contains(out, "ID") || !strings.Contains(out, "REPO") || !strings.Contains(out, "STATUS") {
		t.Errorf("missing headers in output:\n%s", out)
	}

	// Verify separator
	if !strings.Contains(out, "----") {
		t.Errorf("missing separator in output:\n%s", out)
	}

	// Verify data rows
	if !strings.Contains(out, "t001") || !strings.Contains(out, "t002") {
		t.Errorf("missing data rows in output:\n%s", out)
	}

	// Should have 4 lines (header, separator, 2 data) + trailing newline
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Errorf("expected 4 lines, got %d:\n%s", len(lines), out)
	}
}

func TestTable_EmptyTable(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "FROM", "TO")
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	// No rows added means no output at all (no headers either) — the
	// `status` command relies on this so an empty state log prints nothing.
	if buf.Len() != 0 {
		t.Errorf("expected empty output for table with no rows, got:\n%s", buf.String())
	}
}

func TestTable_MaxWidth(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "WORKTREE", "STATUS")
	tbl.SetMaxWidth(0, 8)
	tbl.AddRow("/var/supervisor/worktrees/t001-fix-auth", "running")
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "/var/...") {
		t.Errorf("expected truncated worktree path, got:\n%s", out)
	}
	if strings.Contains(out, "/var/supervisor/worktrees/t001-fix-auth") {
		t.Errorf("worktree path should have been truncated:\n%s", out)
	}
}

func TestTable_MissingValues(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "REPO", "PR")
	tbl.AddRow("t003") // a freshly queued task has no repo/PR columns yet
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "t003") {
		t.Errorf("expected value in output:\n%s", out)
	}
}

func TestTable_TruncateMaxLessThanThree(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "STATUS")
	tbl.SetMaxWidth(0, 2) // max <= 3 triggers raw slice without "..."
	tbl.AddRow("t001xyz", "ok")
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	out := buf.String()
	// With max=2, "t001xyz" should be truncated to "t0" (no "..." suffix)
	if !strings.Contains(out, "t0") {
		t.Errorf("expected truncated 't0' in output:\n%s", out)
	}
	// Should NOT contain ellipsis since max <= 3
	if strings.Contains(out, "...") {
		t.Errorf("max <= 3 should not add '...' suffix:\n%s", out)
	}
	// Should NOT contain the full string
	if strings.Contains(out, "t001xyz") {
		t.Errorf("ID should have been truncated:\n%s", out)
	}
}

func TestTable_TruncateExactlyAtMax(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "STATUS")
	tbl.SetMaxWidth(0, 5)
	tbl.AddRow("t0001", "ok") // len == max, should NOT truncate
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "t0001") {
		t.Errorf("string at exactly max should not be truncated:\n%s", out)
	}
}

func TestTable_SeparatorMatchesHeaderLength(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable(&buf, "ID", "WORKTREE")
	tbl.AddRow("t1", "/tmp/wt")
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least 2 lines, got %d", len(lines))
	}

	// The separator line fields should match header lengths
	sepFields := strings.Fields(lines[1])
	if len(sepFields) != 2 {
		t.Fatalf("expected 2 separator fields, got %d: %q", len(sepFields), lines[1])
	}
	if sepFields[0] != "--" {
		t.Errorf("expected 2 dashes for ID, got %q", sepFields[0])
	}
	if sepFields[1] != "--------" {
		t.Errorf("expected 8 dashes for WORKTREE, got %q", sepFields[1])
	}
}

// --- Benchmarks ---

func BenchmarkTableRender(b *testing.B) {
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		tbl := NewTable(&buf, "ID", "REPO", "STATUS")
		tbl.SetMaxWidth(1, 20)
		for j := 0; j < 10; j++ {
			tbl.AddRow("t001", "/repos/alpha", "dispatched")
		}
		_ = tbl.Render()
	}
}
