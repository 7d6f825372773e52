// Package repository persists file records, findings and case aggregates.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrIOCNotFound  = errors.New("ioc not found")
	ErrDuplicate    = errors.New("file already accepted in case")
	ErrConflict     = errors.New("file modified concurrently")
	ErrTaskActive   = errors.New("file has an active task")
	ErrIndexedState = errors.New("file indexed flag does not match")
)

// ClaimRequest assigns a task to a file.
type ClaimRequest struct {
	FileID int64
	TaskID string
	// Lease is the age after which an existing claim counts as abandoned.
	Lease time.Duration
	// Reset returns the file to Queued with zeroed counters and the indexed
	// flag cleared. It is the only way back to Queued from a non-terminal status.
	Reset bool
	// Indexed, when set, requires the file's indexed flag to match.
	Indexed *bool
}

// Repository is the metadata store. Clear operations only accept file IDs.
type Repository interface {
	// Files
	CreateFile(ctx context.Context, nf *models.NewFile) (*models.FileRecord, error)
	GetFile(ctx context.Context, id int64) (*models.FileRecord, error)
	FindAcceptedFile(ctx context.Context, caseID int64, contentHash, name string) (*models.FileRecord, error)
	ListFiles(ctx context.Context, caseID int64) ([]*models.FileRecord, error)
	ClaimFile(ctx context.Context, req ClaimRequest) (*models.FileRecord, error)
	ReleaseTask(ctx context.Context, fileID int64, taskID string) error
	TouchTask(ctx context.Context, fileID int64, taskID string) error
	UpdateStatus(ctx context.Context, fileID, version int64, upd models.StatusUpdate) (*models.FileRecord, error)
	SoftDeleteFile(ctx context.Context, fileID int64) error

	// Dedup ledger
	CreateSkipped(ctx context.Context, rec *models.SkippedRecord) error
	ListSkipped(ctx context.Context, caseID int64) ([]*models.SkippedRecord, error)

	// Rules and violations
	UpsertRule(ctx context.Context, rule *models.Rule) error
	ListEnabledRules(ctx context.Context) ([]*models.Rule, error)
	InsertViolations(ctx context.Context, violations []*models.RuleViolation) (int64, error)
	ClearViolations(ctx context.Context, fileIDs []int64) (int64, error)
	CountViolations(ctx context.Context, fileID int64) (int64, error)

	// IOCs and matches
	CreateIOC(ctx context.Context, ioc *models.IOC) error
	ListActiveIOCs(ctx context.Context, caseID int64) ([]*models.IOC, error)
	InsertIOCMatches(ctx context.Context, matches []*models.IOCMatch) (int64, error)
	ClearIOCMatches(ctx context.Context, fileIDs []int64) (int64, error)
	CountIOCMatches(ctx context.Context, fileID int64) (int64, error)

	// Tags
	CreateTag(ctx context.Context, tag *models.EventTag) error
	ClearTags(ctx context.Context, fileIDs []int64) (int64, error)

	// Aggregates
	RecomputeCaseStats(ctx context.Context, caseID int64) (*models.CaseStats, error)

	Ping(ctx context.Context) error
	Close() error
}
