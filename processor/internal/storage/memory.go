package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// MemoryIndex implements Index in process for development and tests. Text
// queries are case-insensitive substring matches on the search blob.
type MemoryIndex struct {
	mu       sync.RWMutex
	cases    map[int64]map[string]*models.NormalizedEvent
	bulkErr  error
	queryErr error
	refused  map[string]bool
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{cases: make(map[int64]map[string]*models.NormalizedEvent)}
}

// FailBulk makes the next BulkIndex call fail with err.
func (m *MemoryIndex) FailBulk(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkErr = err
}

// RejectDocuments makes BulkIndex refuse the given document IDs the way a
// mapping conflict does, writing the rest of the batch.
func (m *MemoryIndex) RejectDocuments(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refused == nil {
		m.refused = make(map[string]bool)
	}
	for _, id := range ids {
		m.refused[id] = true
	}
}

// FailQueries makes Search and Scroll fail with err until cleared with nil.
func (m *MemoryIndex) FailQueries(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
}

func (m *MemoryIndex) EnsureIndex(ctx context.Context, caseID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cases[caseID]; !ok {
		m.cases[caseID] = make(map[string]*models.NormalizedEvent)
	}
	return nil
}

func copyEvent(ev *models.NormalizedEvent) *models.NormalizedEvent {
	c := *ev
	c.IOCMatches = append([]string{}, ev.IOCMatches...)
	c.RuleHits = append([]string{}, ev.RuleHits...)
	return &c
}

func (m *MemoryIndex) BulkIndex(ctx context.Context, caseID, fileID int64, events []*models.NormalizedEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.bulkErr; err != nil {
		m.bulkErr = nil
		return 0, err
	}
	docs, ok := m.cases[caseID]
	if !ok {
		docs = make(map[string]*models.NormalizedEvent)
		m.cases[caseID] = docs
	}
	for _, ev := range events {
		if ev.CaseID != caseID || ev.FileID != fileID {
			return 0, fmt.Errorf("%w: event %s is case %d file %d", ErrForeignEvent, ev.ID, ev.CaseID, ev.FileID)
		}
	}
	var rejected []string
	for _, ev := range events {
		if m.refused[ev.ID] {
			rejected = append(rejected, ev.ID)
			continue
		}
		docs[ev.ID] = copyEvent(ev)
	}
	if len(rejected) > 0 {
		return len(events) - len(rejected), &BulkItemError{
			Rejected: rejected,
			First:    rejected[0] + ": mapper_parsing_exception",
		}
	}
	return len(events), nil
}

func (m *MemoryIndex) DeleteByFile(ctx context.Context, caseID, fileID int64) (int64, error) {
	return m.DeleteByFiles(ctx, caseID, []int64{fileID})
}

func (m *MemoryIndex) DeleteByFiles(ctx context.Context, caseID int64, fileIDs []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[int64]bool, len(fileIDs))
	for _, id := range fileIDs {
		ids[id] = true
	}
	var n int64
	for id, ev := range m.cases[caseID] {
		if ids[ev.FileID] {
			delete(m.cases[caseID], id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) UpdateFlags(ctx context.Context, caseID int64, patches []models.FlagPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var missing int
	for _, p := range patches {
		ev, ok := m.cases[caseID][p.DocumentID]
		if !ok {
			missing++
			continue
		}
		switch p.Kind {
		case models.FlagRule:
			ev.RuleHits = union(ev.RuleHits, p.Values)
			ev.HasRuleHit = true
		case models.FlagIOC:
			ev.IOCMatches = union(ev.IOCMatches, p.Values)
			ev.HasIOC = true
		}
	}
	if missing > 0 {
		return fmt.Errorf("%w: %d failed, documents not found", ErrBulkFailed, missing)
	}
	return nil
}

func union(list, values []string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

func (m *MemoryIndex) ResetFlags(ctx context.Context, caseID, fileID int64, kind models.FlagKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range m.cases[caseID] {
		if ev.FileID != fileID {
			continue
		}
		switch kind {
		case models.FlagRule:
			ev.RuleHits = []string{}
			ev.HasRuleHit = false
		case models.FlagIOC:
			ev.IOCMatches = []string{}
			ev.HasIOC = false
		}
	}
	return nil
}

// matching returns copies of the matching events in search order.
func (m *MemoryIndex) matching(q models.EventQuery) ([]*models.NormalizedEvent, error) {
	if err := validate(q); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []*models.NormalizedEvent
	for _, ev := range m.cases[q.CaseID] {
		if matches(ev, q) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.FileID != b.FileID {
			return a.FileID < b.FileID
		}
		return a.RecordIndex < b.RecordIndex
	})
	return out, nil
}

func matches(ev *models.NormalizedEvent, q models.EventQuery) bool {
	if len(q.FileIDs) > 0 {
		found := false
		for _, id := range q.FileIDs {
			if ev.FileID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.HasRuleHit != nil && ev.HasRuleHit != *q.HasRuleHit {
		return false
	}
	if q.HasIOC != nil && ev.HasIOC != *q.HasIOC {
		return false
	}
	if !q.IncludeHidden && ev.IsHidden {
		return false
	}
	if q.From != nil && ev.Timestamp.Before(*q.From) {
		return false
	}
	if q.To != nil && ev.Timestamp.After(*q.To) {
		return false
	}
	if q.Text == "" && len(q.Terms) == 0 {
		return true
	}
	if q.Text != "" && strings.Contains(strings.ToLower(ev.SearchBlob), strings.ToLower(q.Text)) {
		return true
	}
	for _, field := range q.TermFields {
		value, ok := fieldValue(ev, field)
		if !ok {
			continue
		}
		for _, t := range q.Terms {
			if strings.EqualFold(value, t) {
				return true
			}
		}
	}
	return false
}

// fieldValue resolves a document field path such as host or event_data.IpAddress.
func fieldValue(ev *models.NormalizedEvent, path string) (string, bool) {
	switch path {
	case models.FieldHost:
		return ev.Host, ev.Host != ""
	case models.FieldUser:
		return ev.User, ev.User != ""
	}
	rest, ok := strings.CutPrefix(path, models.FieldEventData+".")
	if !ok {
		return "", false
	}
	v, ok := ev.EventData[rest]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}

func (m *MemoryIndex) Search(ctx context.Context, q models.EventQuery) (*models.EventPage, error) {
	all, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	size := q.Size
	if size <= 0 {
		size = defaultPageSize
	}
	page := &models.EventPage{Total: int64(len(all)), Events: []*models.NormalizedEvent{}}
	if q.Offset < len(all) {
		end := min(q.Offset+size, len(all))
		page.Events = all[q.Offset:end]
	}
	return page, nil
}

func (m *MemoryIndex) Scroll(ctx context.Context, q models.EventQuery, fn func(*models.NormalizedEvent) error) error {
	all, err := m.matching(q)
	if err != nil {
		return err
	}
	for _, ev := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryIndex) Count(ctx context.Context, caseID, fileID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, ev := range m.cases[caseID] {
		if ev.FileID == fileID {
			n++
		}
	}
	return n, nil
}

// DocumentIDs returns the sorted document IDs of one file, for tests.
func (m *MemoryIndex) DocumentIDs(caseID, fileID int64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, ev := range m.cases[caseID] {
		if ev.FileID == fileID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of one document, for tests.
func (m *MemoryIndex) Get(caseID int64, id string) (*models.NormalizedEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.cases[caseID][id]
	if !ok {
		return nil, false
	}
	return copyEvent(ev), true
}

func (m *MemoryIndex) Ping(ctx context.Context) error { return nil }

var _ Index = (*MemoryIndex)(nil)
