package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

type matchKey struct {
	iocID   int64
	fileID  int64
	eventID string
}

type violationKey struct {
	ruleID  string
	fileID  int64
	eventID string
}

// InMemoryRepository implements Repository for development and tests. It
// enforces the same uniqueness and concurrency rules as the SQL schema.
type InMemoryRepository struct {
	mu         sync.RWMutex
	now        func() time.Time
	nextID     int64
	files      map[int64]*models.FileRecord
	skipped    []*models.SkippedRecord
	rules      map[string]*models.Rule
	violations map[violationKey]*models.RuleViolation
	iocs       map[int64]*models.IOC
	matches    map[matchKey]*models.IOCMatch
	tags       map[int64]*models.EventTag
	stats      map[int64]*models.CaseStats
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		now:        time.Now,
		files:      make(map[int64]*models.FileRecord),
		rules:      make(map[string]*models.Rule),
		violations: make(map[violationKey]*models.RuleViolation),
		iocs:       make(map[int64]*models.IOC),
		matches:    make(map[matchKey]*models.IOCMatch),
		tags:       make(map[int64]*models.EventTag),
		stats:      make(map[int64]*models.CaseStats),
	}
}

// SetClock overrides the time source used for claims and timestamps.
func (r *InMemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *InMemoryRepository) id() int64 {
	r.nextID++
	return r.nextID
}

func copyFile(f *models.FileRecord) *models.FileRecord {
	c := *f
	if f.TaskClaimedAt != nil {
		t := *f.TaskClaimedAt
		c.TaskClaimedAt = &t
	}
	return &c
}

func (r *InMemoryRepository) acceptedLocked(caseID int64, hash, name string) *models.FileRecord {
	for _, f := range r.files {
		if f.CaseID == caseID && f.ContentHash == hash && f.OriginalName == name && !f.IsDeleted {
			return f
		}
	}
	return nil
}

func (r *InMemoryRepository) CreateFile(ctx context.Context, nf *models.NewFile) (*models.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acceptedLocked(nf.CaseID, nf.ContentHash, nf.OriginalName) != nil {
		return nil, ErrDuplicate
	}

	now := r.now()
	f := &models.FileRecord{
		ID:           r.id(),
		CaseID:       nf.CaseID,
		OriginalName: nf.OriginalName,
		StoredPath:   nf.StoredPath,
		ContentHash:  nf.ContentHash,
		Size:         nf.Size,
		Channel:      nf.Channel,
		SourceType:   nf.SourceType,
		Status:       models.StatusQueued,
		TaskID:       nf.TaskID,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if nf.TaskID != "" {
		f.TaskClaimedAt = &now
	}
	r.files[f.ID] = f
	return copyFile(f), nil
}

func (r *InMemoryRepository) GetFile(ctx context.Context, id int64) (*models.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	return copyFile(f), nil
}

func (r *InMemoryRepository) FindAcceptedFile(ctx context.Context, caseID int64, contentHash, name string) (*models.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f := r.acceptedLocked(caseID, contentHash, name); f != nil {
		return copyFile(f), nil
	}
	return nil, ErrFileNotFound
}

func (r *InMemoryRepository) ListFiles(ctx context.Context, caseID int64) ([]*models.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.FileRecord
	for _, f := range r.files {
		if f.CaseID == caseID && !f.IsDeleted {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryRepository) ClaimFile(ctx context.Context, req ClaimRequest) (*models.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[req.FileID]
	if !ok {
		return nil, ErrFileNotFound
	}
	now := r.now()
	if f.IsDeleted || f.HasLiveTask(now, req.Lease) || (req.Indexed != nil && f.IsIndexed != *req.Indexed) {
		return nil, claimRefusal(f, req, now)
	}

	f.TaskID = req.TaskID
	f.TaskClaimedAt = &now
	if req.Reset {
		f.Status = models.StatusQueued
		f.StatusNote = ""
		f.LastError = ""
		f.EventCount, f.ViolationCount, f.IOCMatchCount = 0, 0, 0
		f.IsIndexed = false
		f.IsHidden = false
	}
	f.Version++
	f.UpdatedAt = now
	return copyFile(f), nil
}

func (r *InMemoryRepository) ReleaseTask(ctx context.Context, fileID int64, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.files[fileID]; ok && f.TaskID == taskID {
		f.TaskID = ""
		f.TaskClaimedAt = nil
		f.Version++
		f.UpdatedAt = r.now()
	}
	return nil
}

func (r *InMemoryRepository) TouchTask(ctx context.Context, fileID int64, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[fileID]
	if !ok || f.TaskID != taskID {
		return ErrConflict
	}
	now := r.now()
	f.TaskClaimedAt = &now
	return nil
}

func (r *InMemoryRepository) UpdateStatus(ctx context.Context, fileID, version int64, upd models.StatusUpdate) (*models.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[fileID]
	if !ok || f.IsDeleted {
		return nil, ErrFileNotFound
	}
	if f.Version != version {
		return nil, fmt.Errorf("%w: version %d, have %d", ErrConflict, f.Version, version)
	}

	f.Status = upd.Status
	if upd.Note != nil {
		f.StatusNote = *upd.Note
	}
	if upd.LastError != nil {
		f.LastError = *upd.LastError
	}
	if upd.EventCount != nil {
		f.EventCount = *upd.EventCount
	}
	if upd.ViolationCount != nil {
		f.ViolationCount = *upd.ViolationCount
	}
	if upd.IOCMatchCount != nil {
		f.IOCMatchCount = *upd.IOCMatchCount
	}
	if upd.Status.IsPreIndexing() {
		f.EventCount, f.ViolationCount, f.IOCMatchCount = 0, 0, 0
	}
	if upd.IsIndexed != nil {
		f.IsIndexed = *upd.IsIndexed
	}
	if upd.IsHidden != nil {
		f.IsHidden = *upd.IsHidden
	}
	if upd.ClearTask {
		f.TaskID = ""
		f.TaskClaimedAt = nil
	}
	f.Version++
	f.UpdatedAt = r.now()
	return copyFile(f), nil
}

func (r *InMemoryRepository) SoftDeleteFile(ctx context.Context, fileID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[fileID]
	if !ok || f.IsDeleted {
		return ErrFileNotFound
	}
	f.IsDeleted = true
	f.TaskID = ""
	f.TaskClaimedAt = nil
	f.Version++
	f.UpdatedAt = r.now()
	return nil
}

func (r *InMemoryRepository) CreateSkipped(ctx context.Context, rec *models.SkippedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.ID = r.id()
	rec.CreatedAt = r.now()
	c := *rec
	r.skipped = append(r.skipped, &c)
	return nil
}

func (r *InMemoryRepository) ListSkipped(ctx context.Context, caseID int64) ([]*models.SkippedRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.SkippedRecord
	for _, rec := range r.skipped {
		if rec.CaseID == caseID {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) UpsertRule(ctx context.Context, rule *models.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.rules[rule.ID]; ok {
		rule.CreatedAt = existing.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	c := *rule
	r.rules[rule.ID] = &c
	return nil
}

func (r *InMemoryRepository) ListEnabledRules(ctx context.Context) ([]*models.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Rule
	for _, rule := range r.rules {
		if rule.Enabled {
			c := *rule
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryRepository) InsertViolations(ctx context.Context, violations []*models.RuleViolation) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var inserted int64
	for _, v := range violations {
		if _, ok := r.files[v.FileID]; !ok {
			return inserted, ErrFileNotFound
		}
		key := violationKey{v.RuleID, v.FileID, v.EventID}
		if _, exists := r.violations[key]; exists {
			continue
		}
		c := *v
		c.ID = r.id()
		c.CreatedAt = r.now()
		r.violations[key] = &c
		inserted++
	}
	return inserted, nil
}

func (r *InMemoryRepository) ClearViolations(ctx context.Context, fileIDs []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := idSet(fileIDs)
	var n int64
	for k := range r.violations {
		if ids[k.fileID] {
			delete(r.violations, k)
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) CountViolations(ctx context.Context, fileID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for k := range r.violations {
		if k.fileID == fileID {
			n++
		}
	}
	return n, nil
}

// Violations returns the violations of a case, for inspection in tests.
func (r *InMemoryRepository) Violations(caseID int64) []*models.RuleViolation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.RuleViolation
	for _, v := range r.violations {
		if v.CaseID == caseID {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *InMemoryRepository) CreateIOC(ctx context.Context, ioc *models.IOC) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.iocs {
		if existing.CaseID == ioc.CaseID && existing.Type == ioc.Type && existing.Value == ioc.Value {
			existing.Description = ioc.Description
			existing.Active = ioc.Active
			ioc.ID = existing.ID
			ioc.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	ioc.ID = r.id()
	ioc.CreatedAt = r.now()
	c := *ioc
	r.iocs[ioc.ID] = &c
	return nil
}

func (r *InMemoryRepository) ListActiveIOCs(ctx context.Context, caseID int64) ([]*models.IOC, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.IOC
	for _, ioc := range r.iocs {
		if ioc.CaseID == caseID && ioc.Active {
			c := *ioc
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *InMemoryRepository) InsertIOCMatches(ctx context.Context, matches []*models.IOCMatch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var inserted int64
	for _, m := range matches {
		if _, ok := r.iocs[m.IOCID]; !ok {
			return inserted, ErrIOCNotFound
		}
		if _, ok := r.files[m.FileID]; !ok {
			return inserted, ErrFileNotFound
		}
		key := matchKey{m.IOCID, m.FileID, m.EventID}
		if _, exists := r.matches[key]; exists {
			continue
		}
		c := *m
		c.ID = r.id()
		c.CreatedAt = r.now()
		r.matches[key] = &c
		inserted++
	}
	return inserted, nil
}

func (r *InMemoryRepository) ClearIOCMatches(ctx context.Context, fileIDs []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := idSet(fileIDs)
	var n int64
	for k := range r.matches {
		if ids[k.fileID] {
			delete(r.matches, k)
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) CountIOCMatches(ctx context.Context, fileID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for k := range r.matches {
		if k.fileID == fileID {
			n++
		}
	}
	return n, nil
}

// IOCMatches returns the matches of a case, for inspection in tests.
func (r *InMemoryRepository) IOCMatches(caseID int64) []*models.IOCMatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.IOCMatch
	for _, m := range r.matches {
		if m.CaseID == caseID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *InMemoryRepository) CreateTag(ctx context.Context, tag *models.EventTag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[tag.FileID]; !ok {
		return ErrFileNotFound
	}
	for _, existing := range r.tags {
		if existing.FileID == tag.FileID && existing.EventID == tag.EventID && existing.Tag == tag.Tag {
			tag.ID = existing.ID
			tag.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	tag.ID = r.id()
	tag.CreatedAt = r.now()
	c := *tag
	r.tags[tag.ID] = &c
	return nil
}

func (r *InMemoryRepository) ClearTags(ctx context.Context, fileIDs []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := idSet(fileIDs)
	var n int64
	for id, tag := range r.tags {
		if ids[tag.FileID] {
			delete(r.tags, id)
			n++
		}
	}
	return n, nil
}

// TagCount returns the number of tags on a file, for inspection in tests.
func (r *InMemoryRepository) TagCount(fileID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, tag := range r.tags {
		if tag.FileID == fileID {
			n++
		}
	}
	return n
}

func (r *InMemoryRepository) RecomputeCaseStats(ctx context.Context, caseID int64) (*models.CaseStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &models.CaseStats{CaseID: caseID, UpdatedAt: r.now()}
	for _, f := range r.files {
		if f.CaseID != caseID || f.IsDeleted {
			continue
		}
		stats.FileCount++
		stats.EventCount += f.EventCount
		stats.ViolationCount += f.ViolationCount
		stats.IOCMatchCount += f.IOCMatchCount
	}
	c := *stats
	r.stats[caseID] = &c
	return stats, nil
}

func (r *InMemoryRepository) Ping(ctx context.Context) error { return nil }

func (r *InMemoryRepository) Close() error { return nil }

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

var _ Repository = (*InMemoryRepository)(nil)
