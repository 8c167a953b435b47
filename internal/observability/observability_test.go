package observability

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
	l.Debug("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Fatalf("expected JSON log line, got %q", out)
	}
	if !strings.Contains(out, `"key":"value"`) {
		t.Fatalf("expected attribute in log line, got %q", out)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})
	l.Info("should not appear")
	l.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatal("info message leaked through warn-level filter")
	}
	if !strings.Contains(out, "should appear") {
		t.Fatal("warn message missing from output")
	}
}

func TestWithTask_AddsField(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	task := WithTask(l, "t001")
	task.Info("dispatched")

	if !strings.Contains(buf.String(), `"task_id":"t001"`) {
		t.Fatalf("expected task_id field, got %q", buf.String())
	}
}

func TestMetrics_HandlerServesExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveDispatch("acme/widget", 0.5)
	m.ObserveOutcome("task_complete")
	m.SetActiveTasks(3)
	m.IncSelfHeal("max_retries")
	m.IncConcurrencyLimited()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"supervisor_tasks_dispatched_total",
		"supervisor_task_outcomes_total",
		"supervisor_active_tasks 3",
		"supervisor_self_heal_triggered_total",
		"supervisor_concurrency_limited_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
