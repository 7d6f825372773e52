package models_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to models.FileStatus
		want     bool
	}{
		// forward path
		{models.StatusQueued, models.StatusIndexing, true},
		{models.StatusIndexing, models.StatusRuleTesting, true},
		{models.StatusRuleTesting, models.StatusIOCHunting, true},
		{models.StatusIOCHunting, models.StatusCompleted, true},

		// failure from every non-terminal state
		{models.StatusQueued, models.StatusFailed, true},
		{models.StatusIndexing, models.StatusFailed, true},
		{models.StatusRuleTesting, models.StatusFailed, true},
		{models.StatusIOCHunting, models.StatusFailed, true},

		// skips
		{models.StatusQueued, models.StatusSkipped, true},
		{models.StatusIndexing, models.StatusSkipped, true},

		// resets and single-pass re-entry
		{models.StatusCompleted, models.StatusQueued, true},
		{models.StatusFailed, models.StatusQueued, true},
		{models.StatusSkipped, models.StatusQueued, true},
		{models.StatusCompleted, models.StatusRuleTesting, true},
		{models.StatusCompleted, models.StatusIOCHunting, true},
		{models.StatusRuleTesting, models.StatusCompleted, true},

		// backwards or skipping steps
		{models.StatusIOCHunting, models.StatusIndexing, false},
		{models.StatusRuleTesting, models.StatusIndexing, false},
		{models.StatusQueued, models.StatusCompleted, false},
		{models.StatusIndexing, models.StatusCompleted, false},
		{models.StatusCompleted, models.StatusIndexing, false},
		{models.StatusSkipped, models.StatusIndexing, false},
		{models.StatusSkipped, models.StatusRuleTesting, false},
		{models.StatusFailed, models.StatusCompleted, false},
		{models.StatusIOCHunting, models.StatusQueued, false},

		// unknown states
		{models.FileStatus("Pending"), models.StatusQueued, false},
		{models.StatusQueued, models.FileStatus("Done"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, models.CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_SameStatus(t *testing.T) {
	for _, s := range models.AllStatuses() {
		assert.True(t, models.CanTransition(s, s), s)
	}
	assert.False(t, models.CanTransition("bogus", "bogus"))
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, models.ValidateTransition(models.StatusQueued, models.StatusIndexing))

	err := models.ValidateTransition(models.StatusCompleted, models.StatusIndexing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	assert.Contains(t, err.Error(), "Completed -> Indexing")
}

func TestStatusPredicates(t *testing.T) {
	terminal := map[models.FileStatus]bool{
		models.StatusCompleted: true,
		models.StatusFailed:    true,
		models.StatusSkipped:   true,
	}
	for _, s := range models.AllStatuses() {
		assert.Equal(t, terminal[s], s.IsTerminal(), s)
	}

	assert.True(t, models.StatusQueued.IsPreIndexing())
	assert.True(t, models.StatusIndexing.IsPreIndexing())
	assert.False(t, models.StatusRuleTesting.IsPreIndexing())
	assert.False(t, models.StatusCompleted.IsPreIndexing())
}

func TestParseStatus(t *testing.T) {
	for _, s := range models.AllStatuses() {
		got, err := models.ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := models.ParseStatus("completed")
	assert.Error(t, err, "status values are case-sensitive")
}

func TestParseMode(t *testing.T) {
	for _, m := range []string{"full", "reindex", "rule-test-only", "ioc-hunt-only"} {
		got, err := models.ParseMode(m)
		require.NoError(t, err)
		assert.Equal(t, models.Mode(m), got)
	}
	_, err := models.ParseMode("partial")
	assert.Error(t, err)
}

func TestParseSourceTypeAndChannel(t *testing.T) {
	st, err := models.ParseSourceType("w3c")
	require.NoError(t, err)
	assert.Equal(t, models.SourceExtendedWebLog, st)
	_, err = models.ParseSourceType("pcap")
	assert.Error(t, err)

	ch, err := models.ParseChannel("")
	require.NoError(t, err)
	assert.Equal(t, models.ChannelInteractive, ch)
	ch, err = models.ParseChannel("bulk")
	require.NoError(t, err)
	assert.Equal(t, models.ChannelBulk, ch)
	_, err = models.ParseChannel("ftp")
	assert.Error(t, err)
}

func TestParseIOCType(t *testing.T) {
	got, err := models.ParseIOCType("IP")
	require.NoError(t, err)
	assert.Equal(t, models.IOCTypeIP, got)
	_, err = models.ParseIOCType("mutex")
	assert.Error(t, err)
}

func TestFileRecord_HasLiveTask(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	old := now.Add(-3 * time.Hour)

	tests := []struct {
		name string
		file models.FileRecord
		want bool
	}{
		{"no task", models.FileRecord{Status: models.StatusIndexing}, false},
		{"re-entry claim on completed file", models.FileRecord{Status: models.StatusCompleted, TaskID: "t", TaskClaimedAt: &recent}, true},
		{"running", models.FileRecord{Status: models.StatusIndexing, TaskID: "t", TaskClaimedAt: &recent}, true},
		{"queued", models.FileRecord{Status: models.StatusQueued, TaskID: "t", TaskClaimedAt: &recent}, true},
		{"lease expired", models.FileRecord{Status: models.StatusIndexing, TaskID: "t", TaskClaimedAt: &old}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.file.HasLiveTask(now, 2*time.Hour))
		})
	}
}

func TestFlagKind_Fields(t *testing.T) {
	flag, list := models.FlagRule.Fields()
	assert.Equal(t, "has_rule_hit", flag)
	assert.Equal(t, "rule_hits", list)

	flag, list = models.FlagIOC.Fields()
	assert.Equal(t, "has_ioc", flag)
	assert.Equal(t, "ioc_matches", list)
}

func TestResult_Step(t *testing.T) {
	var r models.Result
	r.AddStep(models.StepResult{Name: models.StepIndexing, Status: models.StepOK})
	r.AddStep(models.StepResult{Name: models.StepRuleTest, Status: models.StepSkipped})

	s, ok := r.Step(models.StepRuleTest)
	require.True(t, ok)
	assert.Equal(t, models.StepSkipped, s.Status)

	_, ok = r.Step(models.StepIOCHunt)
	assert.False(t, ok)
}
