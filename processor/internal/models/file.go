// Package models provides data models for the file processing pipeline.
package models

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Processing status
// =============================================================================

// FileStatus is the persisted processing status of a file.
type FileStatus string

const (
	StatusQueued      FileStatus = "Queued"
	StatusIndexing    FileStatus = "Indexing"
	StatusRuleTesting FileStatus = "RuleTesting"
	StatusIOCHunting  FileStatus = "IOCHunting"
	StatusCompleted   FileStatus = "Completed"
	StatusFailed      FileStatus = "Failed"
	StatusSkipped     FileStatus = "Skipped"
)

// ErrInvalidTransition is returned when a status change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the complete table of allowed status changes. Anything not
// listed is rejected. Terminal states only leave through an explicit reset to
// Queued, or through re-entry into a single detection pass.
var transitions = map[FileStatus][]FileStatus{
	StatusQueued:      {StatusIndexing, StatusFailed, StatusSkipped},
	StatusIndexing:    {StatusRuleTesting, StatusSkipped, StatusFailed},
	StatusRuleTesting: {StatusIOCHunting, StatusCompleted, StatusFailed},
	StatusIOCHunting:  {StatusCompleted, StatusFailed},
	StatusCompleted:   {StatusQueued, StatusRuleTesting, StatusIOCHunting},
	StatusFailed:      {StatusQueued, StatusRuleTesting, StatusIOCHunting},
	StatusSkipped:     {StatusQueued},
}

// AllStatuses lists every status in pipeline order.
func AllStatuses() []FileStatus {
	return []FileStatus{
		StatusQueued, StatusIndexing, StatusRuleTesting, StatusIOCHunting,
		StatusCompleted, StatusFailed, StatusSkipped,
	}
}

// ParseStatus converts a stored string into a FileStatus.
func ParseStatus(s string) (FileStatus, error) {
	st := FileStatus(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown file status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s FileStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no pipeline step is running for the file.
func (s FileStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// IsPreIndexing reports whether counters carry no meaning in this status.
func (s FileStatus) IsPreIndexing() bool {
	return s == StatusQueued || s == StatusIndexing
}

// CanTransition reports whether from → to is in the transition table.
// Writing the same status again is always allowed.
func CanTransition(from, to FileStatus) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from → to is not allowed.
func ValidateTransition(from, to FileStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// =============================================================================
// Source types
// =============================================================================

// SourceType is the closed set of log source variants. It is chosen once at
// ingestion and stored on the FileRecord so re-indexing never re-sniffs. The
// zero value marks an upload that failed detection.
type SourceType string

const (
	SourceEventLog       SourceType = "evtx" // Windows binary event log
	SourceGenericJSON    SourceType = "json" // JSON array or NDJSON
	SourceDelimitedText  SourceType = "csv"  // Header-delimited CSV
	SourceExtendedWebLog SourceType = "w3c"  // W3C extended log format (IIS and friends)
)

// ParseSourceType converts a stored string into a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch st := SourceType(s); st {
	case SourceEventLog, SourceGenericJSON, SourceDelimitedText, SourceExtendedWebLog:
		return st, nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// Channel is how a file reached the system.
type Channel string

const (
	ChannelInteractive Channel = "interactive"
	ChannelBulk        Channel = "bulk"
)

// ParseChannel converts a string into a Channel, defaulting to interactive.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case "", ChannelInteractive:
		return ChannelInteractive, nil
	case ChannelBulk:
		return ChannelBulk, nil
	}
	return "", fmt.Errorf("unknown upload channel %q", s)
}

// =============================================================================
// Files
// =============================================================================

// FileRecord is one ingested file and its processing state.
type FileRecord struct {
	ID             int64      `json:"id"`
	CaseID         int64      `json:"case_id"`
	OriginalName   string     `json:"original_name"`
	StoredPath     string     `json:"stored_path"`  // Staged copy read by the parsers
	ContentHash    string     `json:"content_hash"` // Hex SHA-256
	Size           int64      `json:"size"`
	Channel        Channel    `json:"channel"`
	SourceType     SourceType `json:"source_type"`
	Status         FileStatus `json:"status"`
	StatusNote     string     `json:"status_note,omitempty"` // Partial-success or skip reason
	EventCount     int64      `json:"event_count"`
	ViolationCount int64      `json:"violation_count"`
	IOCMatchCount  int64      `json:"ioc_match_count"`
	IsIndexed      bool       `json:"is_indexed"`
	LastError      string     `json:"last_error,omitempty"`
	TaskID         string     `json:"task_id,omitempty"` // Live task, empty when idle
	TaskClaimedAt  *time.Time `json:"task_claimed_at,omitempty"`
	IsDeleted      bool       `json:"is_deleted"`
	IsHidden       bool       `json:"is_hidden"`
	Version        int64      `json:"version"` // Optimistic concurrency token
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasLiveTask reports whether a task holds the file. Claims older than lease
// are treated as abandoned. Terminal status writes release the task ID, so a
// terminal file only holds a task between a re-entry claim and its first step.
func (f *FileRecord) HasLiveTask(now time.Time, lease time.Duration) bool {
	if f.TaskID == "" {
		return false
	}
	if lease > 0 && f.TaskClaimedAt != nil && now.Sub(*f.TaskClaimedAt) > lease {
		return false
	}
	return true
}

// NewFile is the input for creating a FileRecord.
type NewFile struct {
	CaseID       int64
	OriginalName string
	StoredPath   string
	ContentHash  string
	Size         int64
	Channel      Channel
	SourceType   SourceType
	TaskID       string
}

// StatusUpdate describes one status write. Counter pointers are only applied
// when non-nil; a pre-indexing target status always zeroes them.
type StatusUpdate struct {
	Status         FileStatus
	Note           *string
	LastError      *string
	EventCount     *int64
	ViolationCount *int64
	IOCMatchCount  *int64
	IsIndexed      *bool
	IsHidden       *bool
	ClearTask      bool // Release the live task ID
}

// SkippedRecord records a submission that was not accepted.
type SkippedRecord struct {
	ID           int64     `json:"id"`
	CaseID       int64     `json:"case_id"`
	OriginalName string    `json:"original_name"`
	ContentHash  string    `json:"content_hash"`
	Size         int64     `json:"size"`
	Reason       string    `json:"reason"`
	DuplicateOf  int64     `json:"duplicate_of,omitempty"` // Accepted file holding the same (hash, name)
	CreatedAt    time.Time `json:"created_at"`
}

// CaseStats is the case-level aggregate, always recomputed from FileRecord rows.
type CaseStats struct {
	CaseID         int64     `json:"case_id"`
	FileCount      int64     `json:"file_count"`
	EventCount     int64     `json:"event_count"`
	ViolationCount int64     `json:"violation_count"`
	IOCMatchCount  int64     `json:"ioc_match_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}
