// Package storage is the per-case event index: bulk writes, file-scoped
// deletes, detection flag patches and the query boundary.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

var (
	ErrBulkFailed   = errors.New("bulk request had failed items")
	ErrInvalidQuery = errors.New("invalid event query")
	ErrForeignEvent = errors.New("event belongs to another file")
)

// BulkItemError reports the items a bulk request could not write while the
// request itself completed. Rejected documents were refused for their content
// and will fail again; transient items hit 429 or 5xx and may succeed on a
// retry of the batch.
type BulkItemError struct {
	Rejected  []string // Document IDs
	Transient int
	First     string // Reason of the first failure, for logs
}

func (e *BulkItemError) Error() string {
	return fmt.Sprintf("%s: %d rejected, %d transient, first %s", ErrBulkFailed, len(e.Rejected), e.Transient, e.First)
}

func (e *BulkItemError) Unwrap() error { return ErrBulkFailed }

// Retryable reports whether an index write may succeed if repeated: transport
// failures and items refused with 429 or 5xx. Documents the index refused
// for their content are not retryable.
func Retryable(err error) bool {
	var items *BulkItemError
	switch {
	case err == nil:
		return false
	case errors.As(err, &items):
		return items.Transient > 0
	case errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrForeignEvent):
		return false
	}
	return true
}

// Index stores the normalized events of every case. All documents of a case
// live in one index and carry file_id, so file-scoped and cross-file queries
// hit the same index.
type Index interface {
	EnsureIndex(ctx context.Context, caseID int64) error
	// BulkIndex writes events keyed by their ID, overwriting existing documents.
	BulkIndex(ctx context.Context, caseID, fileID int64, events []*models.NormalizedEvent) (int, error)
	DeleteByFile(ctx context.Context, caseID, fileID int64) (int64, error)
	DeleteByFiles(ctx context.Context, caseID int64, fileIDs []int64) (int64, error)
	// UpdateFlags merges values into one overlay list per document and sets
	// its flag. Rule and IOC overlays never overwrite each other.
	UpdateFlags(ctx context.Context, caseID int64, patches []models.FlagPatch) error
	// ResetFlags empties one overlay on every document of a file.
	ResetFlags(ctx context.Context, caseID, fileID int64, kind models.FlagKind) error
	Search(ctx context.Context, q models.EventQuery) (*models.EventPage, error)
	// Scroll visits every matching event regardless of result size.
	Scroll(ctx context.Context, q models.EventQuery, fn func(*models.NormalizedEvent) error) error
	Count(ctx context.Context, caseID, fileID int64) (int64, error)
	Ping(ctx context.Context) error
}

// IndexName is the per-case index name.
func IndexName(prefix string, caseID int64) string {
	return fmt.Sprintf("%s-case-%d", prefix, caseID)
}

func validate(q models.EventQuery) error {
	if q.CaseID <= 0 {
		return fmt.Errorf("%w: case id required", ErrInvalidQuery)
	}
	if len(q.Terms) > 0 && len(q.TermFields) == 0 {
		return fmt.Errorf("%w: terms without term fields", ErrInvalidQuery)
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return fmt.Errorf("%w: time range ends before it starts", ErrInvalidQuery)
	}
	return nil
}
