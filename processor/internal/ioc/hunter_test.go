package ioc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/ioc"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/storage"
)

type fixture struct {
	repo  *repository.InMemoryRepository
	index *storage.MemoryIndex
	fileA *models.FileRecord
	fileB *models.FileRecord
}

func doc(file *models.FileRecord, id, blob string, data map[string]any) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		ID: id, CaseID: file.CaseID, FileID: file.ID, SourceType: file.SourceType,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), SearchBlob: blob, EventData: data,
		IOCMatches: []string{}, RuleHits: []string{},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	fx := &fixture{repo: repository.NewInMemoryRepository(), index: storage.NewMemoryIndex()}

	var err error
	fx.fileA, err = fx.repo.CreateFile(ctx, &models.NewFile{CaseID: 7, OriginalName: "a.evtx", ContentHash: "ha", SourceType: models.SourceEventLog})
	require.NoError(t, err)
	fx.fileB, err = fx.repo.CreateFile(ctx, &models.NewFile{CaseID: 7, OriginalName: "b.log", ContentHash: "hb", SourceType: models.SourceExtendedWebLog})
	require.NoError(t, err)

	_, err = fx.index.BulkIndex(ctx, 7, fx.fileA.ID, []*models.NormalizedEvent{
		doc(fx.fileA, "a1", "4624 10.0.0.1 alice", map[string]any{"IpAddress": "10.0.0.1", "TargetUserName": "alice"}),
		doc(fx.fileA, "a2", "4625 10.0.0.1 bob", map[string]any{"IpAddress": "10.0.0.1", "TargetUserName": "bob"}),
		doc(fx.fileA, "a3", "4688 cmd.exe", map[string]any{"IpAddress": "10.0.0.1"}),
		doc(fx.fileA, "a4", "4634 logoff", map[string]any{"IpAddress": "192.168.1.5"}),
	})
	require.NoError(t, err)
	_, err = fx.index.BulkIndex(ctx, 7, fx.fileB.ID, []*models.NormalizedEvent{
		doc(fx.fileB, "b1", "GET /index.html 172.16.0.9", map[string]any{"c-ip": "172.16.0.9"}),
	})
	require.NoError(t, err)
	return fx
}

func (fx *fixture) addIOC(t *testing.T, typ models.IOCType, value string) *models.IOC {
	t.Helper()
	i := &models.IOC{CaseID: 7, Type: typ, Value: value, Active: true}
	require.NoError(t, fx.repo.CreateIOC(context.Background(), i))
	return i
}

func (fx *fixture) hunter(pageSize int) *ioc.Hunter {
	return ioc.NewHunter(config.IOCConfig{PageSize: pageSize}, fx.repo, fx.index, logging.Discard())
}

func TestQuery(t *testing.T) {
	q := ioc.Query(7, 3, &models.IOC{Type: models.IOCTypeIP, Value: "10.0.0.1"}, 100)
	assert.Equal(t, int64(7), q.CaseID)
	assert.Equal(t, []int64{3}, q.FileIDs)
	assert.Equal(t, "10.0.0.1", q.Text)
	assert.Equal(t, []string{"10.0.0.1"}, q.Terms)
	assert.Contains(t, q.TermFields, "event_data.IpAddress")
	assert.True(t, q.IncludeHidden)

	q = ioc.Query(7, 3, &models.IOC{Type: models.IOCTypeHostname, Value: "WS01"}, 100)
	assert.Contains(t, q.TermFields, models.FieldHost)

	q = ioc.Query(7, 3, &models.IOC{Type: models.IOCTypeOther, Value: "x"}, 100)
	assert.Empty(t, q.Terms)
	assert.Empty(t, q.TermFields)
}

func TestHunter_MatchesAndFlags(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addIOC(t, models.IOCTypeIP, "10.0.0.1")
	fx.addIOC(t, models.IOCTypeUsername, "ALICE")

	sum, err := fx.hunter(100).Hunt(ctx, fx.fileA)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.IOCs)
	assert.Equal(t, int64(4), sum.Matches)
	assert.Equal(t, 3, sum.MatchedEvents)

	ev, _ := fx.index.Get(7, "a1")
	assert.True(t, ev.HasIOC)
	assert.ElementsMatch(t, []string{"10.0.0.1", "ALICE"}, ev.IOCMatches)

	ev, _ = fx.index.Get(7, "a4")
	assert.False(t, ev.HasIOC)

	count, err := fx.repo.CountIOCMatches(ctx, fx.fileA.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestHunter_StructuredFieldWithoutBlobHit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.index.BulkIndex(ctx, 7, fx.fileA.ID, []*models.NormalizedEvent{
		doc(fx.fileA, "a5", "blob without the address", map[string]any{"DestinationIp": "203.0.113.7"}),
	})
	require.NoError(t, err)
	fx.addIOC(t, models.IOCTypeIP, "203.0.113.7")

	sum, err := fx.hunter(100).Hunt(ctx, fx.fileA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Matches)
}

func TestHunter_MergesWithRuleHits(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.index.UpdateFlags(ctx, 7, []models.FlagPatch{
		{DocumentID: "a1", Kind: models.FlagRule, Values: []string{"Brute Force"}},
	}))
	fx.addIOC(t, models.IOCTypeIP, "10.0.0.1")

	_, err := fx.hunter(100).Hunt(ctx, fx.fileA)
	require.NoError(t, err)

	ev, _ := fx.index.Get(7, "a1")
	assert.True(t, ev.HasRuleHit)
	assert.Equal(t, []string{"Brute Force"}, ev.RuleHits)
	assert.Equal(t, []string{"10.0.0.1"}, ev.IOCMatches)
}

// Case 7 has files A (3 matches) and B (0 matches). Hunting B alone leaves A's
// matches untouched.
func TestHunter_HuntOnOtherFileKeepsMatches(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addIOC(t, models.IOCTypeIP, "10.0.0.1")
	h := fx.hunter(100)

	sum, err := h.Hunt(ctx, fx.fileA)
	require.NoError(t, err)
	require.Equal(t, int64(3), sum.Matches)

	sum, err = h.Hunt(ctx, fx.fileB)
	require.NoError(t, err)
	assert.Zero(t, sum.Matches)

	countA, _ := fx.repo.CountIOCMatches(ctx, fx.fileA.ID)
	assert.Equal(t, int64(3), countA)
	assert.Len(t, fx.repo.IOCMatches(7), 3)
	ev, _ := fx.index.Get(7, "a2")
	assert.True(t, ev.HasIOC)
}

func TestHunter_RerunIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addIOC(t, models.IOCTypeIP, "10.0.0.1")
	h := fx.hunter(1)

	first, err := h.Hunt(ctx, fx.fileA)
	require.NoError(t, err)
	second, err := h.Hunt(ctx, fx.fileA)
	require.NoError(t, err)

	assert.Equal(t, first.Matches, second.Matches)
	count, _ := fx.repo.CountIOCMatches(ctx, fx.fileA.ID)
	assert.Equal(t, int64(3), count)
}

func TestHunter_DeactivatedIOCIsCleared(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	i := fx.addIOC(t, models.IOCTypeIP, "10.0.0.1")
	h := fx.hunter(100)

	_, err := h.Hunt(ctx, fx.fileA)
	require.NoError(t, err)

	i.Active = false
	require.NoError(t, fx.repo.CreateIOC(ctx, i))
	sum, err := h.Hunt(ctx, fx.fileA)
	require.NoError(t, err)
	assert.Zero(t, sum.Matches)

	ev, _ := fx.index.Get(7, "a1")
	assert.False(t, ev.HasIOC)
}

func TestHunter_QueryFailure(t *testing.T) {
	fx := newFixture(t)
	fx.addIOC(t, models.IOCTypeIP, "10.0.0.1")
	boom := errors.New("search unavailable")
	fx.index.FailQueries(boom)

	_, err := fx.hunter(100).Hunt(context.Background(), fx.fileA)
	assert.ErrorIs(t, err, boom)
}
