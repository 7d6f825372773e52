// Package dedup decides whether a submitted file is new to its case.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
)

// ReasonDuplicate is recorded on SkippedRecords created by the ledger.
const ReasonDuplicate = "duplicate: identical content and filename already accepted in case"

// Store is the subset of the repository the ledger needs.
type Store interface {
	FindAcceptedFile(ctx context.Context, caseID int64, contentHash, name string) (*models.FileRecord, error)
	CreateSkipped(ctx context.Context, rec *models.SkippedRecord) error
}

// Verdict is the outcome of a duplicate check.
type Verdict string

const (
	Accept    Verdict = "accept"
	Duplicate Verdict = "duplicate"
)

// Decision carries the verdict and, for duplicates, the file already holding
// the (hash, name) pair.
type Decision struct {
	Verdict  Verdict
	Existing *models.FileRecord
}

// Ledger is the deduplication registry over accepted and skipped files.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// CheckDuplicate reports whether an accepted file in the case already has this
// content hash and filename. It never creates a FileRecord.
func (l *Ledger) CheckDuplicate(ctx context.Context, caseID int64, filename, contentHash string) (Decision, error) {
	existing, err := l.store.FindAcceptedFile(ctx, caseID, contentHash, filename)
	switch {
	case errors.Is(err, repository.ErrFileNotFound):
		return Decision{Verdict: Accept}, nil
	case err != nil:
		return Decision{}, fmt.Errorf("dedup lookup: %w", err)
	}
	return Decision{Verdict: Duplicate, Existing: existing}, nil
}

// RecordSkipped writes the SkippedRecord for a rejected submission.
func (l *Ledger) RecordSkipped(ctx context.Context, caseID int64, filename, contentHash string, size int64, existing *models.FileRecord) (*models.SkippedRecord, error) {
	rec := &models.SkippedRecord{
		CaseID:       caseID,
		OriginalName: filename,
		ContentHash:  contentHash,
		Size:         size,
		Reason:       ReasonDuplicate,
	}
	if existing != nil {
		rec.DuplicateOf = existing.ID
	}
	if err := l.store.CreateSkipped(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// HashFile returns the hex SHA-256 and byte size of a file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
