// Package normalizer maps raw parser records into the canonical NormalizedEvent shape.
package normalizer

import (
	"time"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
)

// FileContext is the file-level metadata every record of a file shares.
type FileContext struct {
	CaseID     int64
	FileID     int64
	SourceType models.SourceType
	// FallbackTime is used when a record carries no usable timestamp.
	FallbackTime time.Time
}

// Normalizer converts raw records of one source type into normalized events.
// Normalize must be deterministic: the same record always yields the same event.
type Normalizer interface {
	Normalize(fc FileContext, rec parser.Record) (*models.NormalizedEvent, error)
	Supports(sourceType models.SourceType) bool
}

// Registry holds ordered normalizers and finds a match for a source type.
type Registry struct {
	items []Normalizer
}

// NewRegistry constructs a registry with provided normalizers.
func NewRegistry(items ...Normalizer) *Registry {
	return &Registry{items: items}
}

// DefaultRegistry returns a registry with one normalizer per source type.
func DefaultRegistry() *Registry {
	return NewRegistry(EVTXNormalizer{}, JSONNormalizer{}, CSVNormalizer{}, W3CNormalizer{})
}

// Find returns the first normalizer that supports the source type.
func (r *Registry) Find(sourceType models.SourceType) Normalizer {
	if r == nil {
		return nil
	}
	for _, n := range r.items {
		if n.Supports(sourceType) {
			return n
		}
	}
	return nil
}

// build assembles the event once the type-specific fields are known.
func build(fc FileContext, rec parser.Record, data map[string]any, ts time.Time, host, user string) (*models.NormalizedEvent, error) {
	id, err := EventID(fc.CaseID, fc.FileID, rec.Index, rec.Fields)
	if err != nil {
		return nil, err
	}
	if ts.IsZero() {
		ts = fc.FallbackTime
	}

	return &models.NormalizedEvent{
		ID:          id,
		CaseID:      fc.CaseID,
		FileID:      fc.FileID,
		SourceType:  fc.SourceType,
		Timestamp:   ts.UTC(),
		Host:        host,
		User:        user,
		SearchBlob:  SearchBlob(data),
		EventData:   data,
		RecordIndex: rec.Index,
		IOCMatches:  []string{},
		RuleHits:    []string{},
	}, nil
}
