package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the pipeline.
const (
	FieldService  = "service"
	FieldCaseID   = "case_id"
	FieldFileID   = "file_id"
	FieldTaskID   = "task_id"
	FieldMode     = "mode"
	FieldStep     = "step"
	FieldStatus   = "status"
	FieldDuration = "duration_ms"
	FieldError    = "error"
	FieldPath     = "path"
	FieldCount    = "count"
	FieldIndex    = "index"
	FieldRequest  = "request_id"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// CaseID returns a slog attribute for the case ID.
func CaseID(id int64) slog.Attr {
	return slog.Int64(FieldCaseID, id)
}

// FileID returns a slog attribute for the file ID.
func FileID(id int64) slog.Attr {
	return slog.Int64(FieldFileID, id)
}

// RequestID returns a slog attribute for an HTTP request ID.
func RequestID(id string) slog.Attr {
	return slog.String(FieldRequest, id)
}

// TaskID returns a slog attribute for the task ID.
func TaskID(id string) slog.Attr {
	return slog.String(FieldTaskID, id)
}

// Mode returns a slog attribute for the operation mode.
func Mode(mode string) slog.Attr {
	return slog.String(FieldMode, mode)
}

// Step returns a slog attribute for a pipeline step name.
func Step(name string) slog.Attr {
	return slog.String(FieldStep, name)
}

// Status returns a slog attribute for a processing status.
func Status(status string) slog.Attr {
	return slog.String(FieldStatus, status)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// Path returns a slog attribute for a file system path.
func Path(p string) slog.Attr {
	return slog.String(FieldPath, p)
}

// Count returns a slog attribute for a counter.
func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Index returns a slog attribute for a search index name.
func Index(name string) slog.Attr {
	return slog.String(FieldIndex, name)
}
