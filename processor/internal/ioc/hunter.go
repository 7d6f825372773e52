// Package ioc hunts a case's active indicators within the events of one file.
package ioc

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

const defaultBatchSize = 500

// Store is the slice of the metadata store the hunter writes to.
type Store interface {
	ListActiveIOCs(ctx context.Context, caseID int64) ([]*models.IOC, error)
	InsertIOCMatches(ctx context.Context, matches []*models.IOCMatch) (int64, error)
	ClearIOCMatches(ctx context.Context, fileIDs []int64) (int64, error)
}

// Events is the slice of the index the hunter searches and patches.
type Events interface {
	Scroll(ctx context.Context, q models.EventQuery, fn func(*models.NormalizedEvent) error) error
	UpdateFlags(ctx context.Context, caseID int64, patches []models.FlagPatch) error
	ResetFlags(ctx context.Context, caseID, fileID int64, kind models.FlagKind) error
}

// Summary reports what one hunt did.
type Summary struct {
	IOCs          int
	MatchedEvents int
	Matches       int64
}

type Hunter struct {
	store     Store
	events    Events
	batchSize int
	logger    *logging.Logger
}

func NewHunter(cfg config.IOCConfig, store Store, events Events, logger *logging.Logger) *Hunter {
	if logger == nil {
		logger = logging.Default()
	}
	size := cfg.PageSize
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Hunter{store: store, events: events, batchSize: size, logger: logger}
}

// Query builds the file-scoped search for one IOC: a phrase match on the
// search blob or an exact match on a type-specific field.
func Query(caseID, fileID int64, ioc *models.IOC, pageSize int) models.EventQuery {
	q := models.EventQuery{
		CaseID:        caseID,
		FileIDs:       []int64{fileID},
		Text:          ioc.Value,
		IncludeHidden: true,
		Size:          pageSize,
	}
	if fields := Fields(ioc.Type); len(fields) > 0 {
		q.Terms = []string{ioc.Value}
		q.TermFields = fields
	}
	return q
}

// Hunt replaces the file's IOC matches. Prior matches and IOC flags of this
// file only are cleared first.
func (h *Hunter) Hunt(ctx context.Context, file *models.FileRecord) (*Summary, error) {
	sum := &Summary{}
	start := time.Now()

	if _, err := h.store.ClearIOCMatches(ctx, []int64{file.ID}); err != nil {
		return sum, fmt.Errorf("clear ioc matches: %w", err)
	}
	if err := h.events.ResetFlags(ctx, file.CaseID, file.ID, models.FlagIOC); err != nil {
		return sum, fmt.Errorf("reset ioc flags: %w", err)
	}

	iocs, err := h.store.ListActiveIOCs(ctx, file.CaseID)
	if err != nil {
		return sum, fmt.Errorf("list iocs: %w", err)
	}
	sum.IOCs = len(iocs)

	b := &batch{hunter: h, caseID: file.CaseID}
	matched := make(map[string]bool)
	for _, ioc := range iocs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		err := h.events.Scroll(ctx, Query(file.CaseID, file.ID, ioc, h.batchSize), func(ev *models.NormalizedEvent) error {
			matched[ev.ID] = true
			b.add(&models.IOCMatch{
				CaseID:       file.CaseID,
				IOCID:        ioc.ID,
				FileID:       file.ID,
				EventID:      ev.ID,
				MatchedValue: ioc.Value,
			})
			if len(b.matches) >= h.batchSize {
				return b.flush(ctx)
			}
			return nil
		})
		if err != nil {
			return sum, fmt.Errorf("hunt %s %q: %w", ioc.Type, ioc.Value, err)
		}
	}
	if err := b.flush(ctx); err != nil {
		return sum, err
	}

	sum.MatchedEvents = len(matched)
	sum.Matches = b.inserted
	h.logger.Info("IOC hunt finished",
		logging.CaseID(file.CaseID),
		logging.FileID(file.ID),
		logging.Duration(time.Since(start)),
		"iocs", sum.IOCs,
		"matches", sum.Matches,
	)
	return sum, nil
}

// batch buffers match rows and their flag patches.
type batch struct {
	hunter   *Hunter
	caseID   int64
	matches  []*models.IOCMatch
	inserted int64
}

func (b *batch) add(m *models.IOCMatch) {
	b.matches = append(b.matches, m)
}

func (b *batch) flush(ctx context.Context) error {
	if len(b.matches) == 0 {
		return nil
	}
	n, err := b.hunter.store.InsertIOCMatches(ctx, b.matches)
	if err != nil {
		return fmt.Errorf("insert ioc matches: %w", err)
	}
	b.inserted += n

	patches := make([]models.FlagPatch, 0, len(b.matches))
	for _, m := range b.matches {
		patches = append(patches, models.FlagPatch{
			DocumentID: m.EventID,
			Kind:       models.FlagIOC,
			Values:     []string{m.MatchedValue},
		})
	}
	if err := b.hunter.events.UpdateFlags(ctx, b.caseID, patches); err != nil {
		return fmt.Errorf("patch ioc flags: %w", err)
	}
	b.matches = b.matches[:0]
	return nil
}
