package logging

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		name string
		attr slog.Attr
		key  string
		want string
	}{
		{"service", Service("processor"), FieldService, "processor"},
		{"case id", CaseID(7), FieldCaseID, "7"},
		{"file id", FileID(42), FieldFileID, "42"},
		{"task id", TaskID("t-1"), FieldTaskID, "t-1"},
		{"mode", Mode("reindex"), FieldMode, "reindex"},
		{"step", Step("indexing"), FieldStep, "indexing"},
		{"status", Status("Completed"), FieldStatus, "Completed"},
		{"duration", Duration(1500 * time.Millisecond), FieldDuration, "1500"},
		{"path", Path("/tmp/a.evtx"), FieldPath, "/tmp/a.evtx"},
		{"count", Count(3), FieldCount, "3"},
		{"index", Index("triage-case-7"), FieldIndex, "triage-case-7"},
		{"error", Error(errors.New("boom")), FieldError, "boom"},
		{"nil error", Error(nil), FieldError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.key {
				t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
			}
			if tt.attr.Value.String() != tt.want {
				t.Errorf("expected value %q, got %q", tt.want, tt.attr.Value.String())
			}
		})
	}
}
