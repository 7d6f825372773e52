package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

func ptr[T any](v T) *T { return &v }

func newFile(caseID int64, name, hash, taskID string) *models.NewFile {
	return &models.NewFile{
		CaseID:       caseID,
		OriginalName: name,
		StoredPath:   "/staging/" + name,
		ContentHash:  hash,
		Size:         1024,
		Channel:      models.ChannelInteractive,
		SourceType:   models.SourceEventLog,
		TaskID:       taskID,
	}
}

// runContract exercises behavior every Repository implementation must share.
func runContract(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		f, err := repo.CreateFile(ctx, newFile(100, "security.evtx", "h1", "task-1"))
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, f.Status)
		assert.Equal(t, "task-1", f.TaskID)
		assert.NotNil(t, f.TaskClaimedAt)

		got, err := repo.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, f.ID, got.ID)
		assert.Equal(t, models.SourceEventLog, got.SourceType)
		assert.Equal(t, models.ChannelInteractive, got.Channel)

		_, err = repo.GetFile(ctx, 999999)
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("dedup on case hash and name", func(t *testing.T) {
		first, err := repo.CreateFile(ctx, newFile(101, "a.json", "same", ""))
		require.NoError(t, err)

		_, err = repo.CreateFile(ctx, newFile(101, "a.json", "same", ""))
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = repo.CreateFile(ctx, newFile(101, "b.json", "same", ""))
		assert.NoError(t, err, "same content under a new name is accepted")

		_, err = repo.CreateFile(ctx, newFile(102, "a.json", "same", ""))
		assert.NoError(t, err, "other cases are independent")

		found, err := repo.FindAcceptedFile(ctx, 101, "same", "a.json")
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)

		require.NoError(t, repo.SoftDeleteFile(ctx, first.ID))
		_, err = repo.FindAcceptedFile(ctx, 101, "same", "a.json")
		assert.ErrorIs(t, err, ErrFileNotFound)
		_, err = repo.CreateFile(ctx, newFile(101, "a.json", "same", ""))
		assert.NoError(t, err, "soft delete frees the pair")
	})

	t.Run("claim refuses live task", func(t *testing.T) {
		f, err := repo.CreateFile(ctx, newFile(103, "c.evtx", "h3", "task-a"))
		require.NoError(t, err)

		_, err = repo.ClaimFile(ctx, ClaimRequest{FileID: f.ID, TaskID: "task-b", Lease: 0})
		assert.ErrorIs(t, err, ErrTaskActive)

		done, err := repo.UpdateStatus(ctx, f.ID, f.Version, models.StatusUpdate{
			Status: models.StatusFailed, LastError: ptr("boom"), ClearTask: true,
		})
		require.NoError(t, err)
		assert.Empty(t, done.TaskID)

		_, err = repo.ClaimFile(ctx, ClaimRequest{FileID: f.ID, TaskID: "task-c", Indexed: ptr(true)})
		assert.ErrorIs(t, err, ErrIndexedState)

		claimed, err := repo.ClaimFile(ctx, ClaimRequest{FileID: f.ID, TaskID: "task-c", Reset: true, Indexed: ptr(false)})
		require.NoError(t, err)
		assert.Equal(t, "task-c", claimed.TaskID)
		assert.Equal(t, models.StatusQueued, claimed.Status)
		assert.Empty(t, claimed.LastError)
		assert.Greater(t, claimed.Version, done.Version)

		_, err = repo.ClaimFile(ctx, ClaimRequest{FileID: f.ID, TaskID: "task-d"})
		assert.ErrorIs(t, err, ErrTaskActive)

		require.NoError(t, repo.ReleaseTask(ctx, f.ID, "task-other"))
		still, err := repo.GetFile(ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, "task-c", still.TaskID)

		require.NoError(t, repo.TouchTask(ctx, f.ID, "task-c"))
		assert.ErrorIs(t, repo.TouchTask(ctx, f.ID, "task-other"), ErrConflict)

		require.NoError(t, repo.ReleaseTask(ctx, f.ID, "task-c"))
		_, err = repo.ClaimFile(ctx, ClaimRequest{FileID: f.ID, TaskID: "task-d"})
		assert.NoError(t, err)
	})

	t.Run("status write is optimistic", func(t *testing.T) {
		f, err := repo.CreateFile(ctx, newFile(104, "d.csv", "h4", "task-x"))
		require.NoError(t, err)

		idx, err := repo.UpdateStatus(ctx, f.ID, f.Version, models.StatusUpdate{Status: models.StatusIndexing})
		require.NoError(t, err)

		_, err = repo.UpdateStatus(ctx, f.ID, f.Version, models.StatusUpdate{Status: models.StatusFailed})
		assert.True(t, errors.Is(err, ErrConflict), "stale version must conflict, got %v", err)

		rt, err := repo.UpdateStatus(ctx, f.ID, idx.Version, models.StatusUpdate{
			Status: models.StatusRuleTesting, EventCount: ptr(int64(42)), IsIndexed: ptr(true),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), rt.EventCount)
		assert.True(t, rt.IsIndexed)

		back, err := repo.UpdateStatus(ctx, f.ID, rt.Version, models.StatusUpdate{
			Status: models.StatusQueued, EventCount: ptr(int64(99)),
		})
		require.NoError(t, err)
		assert.Zero(t, back.EventCount, "pre-indexing status zeroes counters")
	})

	t.Run("clears are file scoped", func(t *testing.T) {
		a, err := repo.CreateFile(ctx, newFile(105, "a.evtx", "ha", ""))
		require.NoError(t, err)
		b, err := repo.CreateFile(ctx, newFile(105, "b.evtx", "hb", ""))
		require.NoError(t, err)

		ioc := &models.IOC{CaseID: 105, Type: models.IOCTypeIP, Value: "10.0.0.1", Active: true}
		require.NoError(t, repo.CreateIOC(ctx, ioc))
		require.NotZero(t, ioc.ID)

		n, err := repo.InsertIOCMatches(ctx, []*models.IOCMatch{
			{CaseID: 105, IOCID: ioc.ID, FileID: a.ID, EventID: "e1", MatchedValue: ioc.Value},
			{CaseID: 105, IOCID: ioc.ID, FileID: a.ID, EventID: "e2", MatchedValue: ioc.Value},
			{CaseID: 105, IOCID: ioc.ID, FileID: a.ID, EventID: "e2", MatchedValue: ioc.Value},
			{CaseID: 105, IOCID: ioc.ID, FileID: b.ID, EventID: "e9", MatchedValue: ioc.Value},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), n, "repeated triple is ignored")

		_, err = repo.InsertViolations(ctx, []*models.RuleViolation{
			{CaseID: 105, FileID: a.ID, RuleID: "r1", EventID: "e1"},
			{CaseID: 105, FileID: b.ID, RuleID: "r1", EventID: "e9"},
		})
		require.NoError(t, err)

		require.NoError(t, repo.CreateTag(ctx, &models.EventTag{CaseID: 105, FileID: a.ID, EventID: "e1", Tag: "timeline"}))
		require.NoError(t, repo.CreateTag(ctx, &models.EventTag{CaseID: 105, FileID: b.ID, EventID: "e9", Tag: "timeline"}))

		cleared, err := repo.ClearIOCMatches(ctx, []int64{b.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), cleared)

		cleared, err = repo.ClearViolations(ctx, []int64{b.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), cleared)

		cleared, err = repo.ClearTags(ctx, []int64{b.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(1), cleared)

		matchesA, err := repo.CountIOCMatches(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), matchesA)

		violationsA, err := repo.CountViolations(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), violationsA)

		matchesB, err := repo.CountIOCMatches(ctx, b.ID)
		require.NoError(t, err)
		assert.Zero(t, matchesB)

		none, err := repo.ClearIOCMatches(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, none)
	})

	t.Run("rules and iocs", func(t *testing.T) {
		require.NoError(t, repo.UpsertRule(ctx, &models.Rule{ID: "r-enabled", Title: "one", Enabled: true, Source: "title: one"}))
		require.NoError(t, repo.UpsertRule(ctx, &models.Rule{ID: "r-disabled", Title: "two", Enabled: false, Source: "title: two"}))
		require.NoError(t, repo.UpsertRule(ctx, &models.Rule{ID: "r-enabled", Title: "one v2", Enabled: true, Source: "title: one v2"}))

		rules, err := repo.ListEnabledRules(ctx)
		require.NoError(t, err)
		var ids []string
		for _, r := range rules {
			ids = append(ids, r.ID)
			if r.ID == "r-enabled" {
				assert.Equal(t, "one v2", r.Title)
			}
		}
		assert.Contains(t, ids, "r-enabled")
		assert.NotContains(t, ids, "r-disabled")

		require.NoError(t, repo.CreateIOC(ctx, &models.IOC{CaseID: 106, Type: models.IOCTypeDomain, Value: "evil.example", Active: true}))
		require.NoError(t, repo.CreateIOC(ctx, &models.IOC{CaseID: 106, Type: models.IOCTypeHash, Value: "abc", Active: false}))
		iocs, err := repo.ListActiveIOCs(ctx, 106)
		require.NoError(t, err)
		require.Len(t, iocs, 1)
		assert.Equal(t, models.IOCTypeDomain, iocs[0].Type)
	})

	t.Run("case stats recomputed from files", func(t *testing.T) {
		a, err := repo.CreateFile(ctx, newFile(107, "a.evtx", "s1", ""))
		require.NoError(t, err)
		b, err := repo.CreateFile(ctx, newFile(107, "b.evtx", "s2", ""))
		require.NoError(t, err)

		_, err = repo.UpdateStatus(ctx, a.ID, a.Version, models.StatusUpdate{
			Status: models.StatusCompleted, EventCount: ptr(int64(10)), IOCMatchCount: ptr(int64(3)),
		})
		require.NoError(t, err)
		_, err = repo.UpdateStatus(ctx, b.ID, b.Version, models.StatusUpdate{
			Status: models.StatusCompleted, EventCount: ptr(int64(5)), ViolationCount: ptr(int64(2)),
		})
		require.NoError(t, err)

		stats, err := repo.RecomputeCaseStats(ctx, 107)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.FileCount)
		assert.Equal(t, int64(15), stats.EventCount)
		assert.Equal(t, int64(2), stats.ViolationCount)
		assert.Equal(t, int64(3), stats.IOCMatchCount)

		require.NoError(t, repo.SoftDeleteFile(ctx, b.ID))
		stats, err = repo.RecomputeCaseStats(ctx, 107)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.FileCount)
		assert.Equal(t, int64(10), stats.EventCount)
	})

	t.Run("skipped records", func(t *testing.T) {
		f, err := repo.CreateFile(ctx, newFile(108, "x.evtx", "hx", ""))
		require.NoError(t, err)
		require.NoError(t, repo.CreateSkipped(ctx, &models.SkippedRecord{
			CaseID: 108, OriginalName: "x.evtx", ContentHash: "hx", Size: 1024,
			Reason: "duplicate", DuplicateOf: f.ID,
		}))
		skipped, err := repo.ListSkipped(ctx, 108)
		require.NoError(t, err)
		require.Len(t, skipped, 1)
		assert.Equal(t, f.ID, skipped[0].DuplicateOf)
	})
}
