package ingest

import (
	"testing"
	"time"
)

func TestParseOTELLine_BareRecord(t *testing.T) {
	t.Parallel()
	line := `{"timeUnixNano":"1705312245000000000","severityText":"error","body":{"stringValue":"db timeout"}}`
	out, ok := ParseOTELLine(line)
	if !ok {
		t.Fatal("ParseOTELLine returned false for a bare OTEL record")
	}
	if out.Level != "ERROR" {
		t.Errorf("level = %q, want ERROR", out.Level)
	}
	if out.Message != "db timeout" {
		t.Errorf("message = %q, want %q", out.Message, "db timeout")
	}
	if want := time.Unix(0, 1705312245000000000); !out.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, want)
	}
}

func TestParseOTELLine_EnvelopeFoldsRecords(t *testing.T) {
	t.Parallel()
	line := `{"resourceLogs":[{"resource":{"attributes":[{"key":"service.name","value":{"stringValue":"api"}}]},` +
		`"scopeLogs":[{"scope":{"name":"http"},"logRecords":[` +
		`{"severityNumber":9,"body":{"stringValue":"request ok"}},` +
		`{"severityNumber":17,"body":{"stringValue":"request failed"}}]}]}]}`
	out, ok := ParseOTELLine(line)
	if !ok {
		t.Fatal("ParseOTELLine returned false for an envelope")
	}
	if out.Level != "ERROR" {
		t.Errorf("level = %q, want the most severe record level ERROR", out.Level)
	}
	if out.Message != "api: request ok | api: request failed" {
		t.Errorf("message = %q", out.Message)
	}
}

func TestParseOTELLine_RejectsPlainJSON(t *testing.T) {
	t.Parallel()
	if _, ok := ParseOTELLine(`{"msg":"hello","level":"info"}`); ok {
		t.Error("plain JSON without OTEL fields should not be treated as OTEL")
	}
	if _, ok := ParseOTELLine("not json"); ok {
		t.Error("invalid JSON should not parse")
	}
}

func TestExtractStringField(t *testing.T) {
	t.Parallel()
	raw := map[string]interface{}{"a": "", "b": 42.0, "c": "x"}
	if got := ExtractStringField(raw, "a", "b", "c"); got != "42" {
		t.Errorf("ExtractStringField = %q, want %q", got, "42")
	}
	if got := ExtractStringField(raw, "missing"); got != "" {
		t.Errorf("ExtractStringField missing = %q, want empty", got)
	}
}

func TestSeverityFromOTELNumber(t *testing.T) {
	t.Parallel()
	tests := map[int]string{1: "TRACE", 5: "DEBUG", 9: "INFO", 13: "WARN", 17: "ERROR", 21: "FATAL", 0: "", 30: ""}
	for n, want := range tests {
		if got := severityFromOTELNumber(n); got != want {
			t.Errorf("severityFromOTELNumber(%d) = %q, want %q", n, got, want)
		}
	}
}
