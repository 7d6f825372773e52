package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/detection"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/normalizer"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/pipeline"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/storage"
)

func TestProcess_FullPipeline(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.repo.CreateIOC(e.ctx, &models.IOC{CaseID: 7, Type: models.IOCTypeIP, Value: "10.0.0.5", Active: true}))
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)

	res := e.process(task)

	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, models.StatusCompleted, res.FinalStatus)
	assert.Equal(t, []string{
		models.StepDedup, models.StepIndexing, models.StepRuleTest, models.StepIOCHunt, models.StepFinalize,
	}, stepNames(res))

	got := e.file(f.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(5), got.EventCount)
	assert.Equal(t, int64(2), got.ViolationCount)
	assert.Equal(t, int64(3), got.IOCMatchCount)
	assert.True(t, got.IsIndexed)
	assert.Empty(t, got.TaskID, "terminal status releases the task")
	assert.Empty(t, got.LastError)

	assert.Len(t, e.index.DocumentIDs(7, f.ID), 5)

	stats, err := e.repo.RecomputeCaseStats(e.ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.EventCount)
}

func TestProcess_ReindexIsIdempotent(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)
	e.process(task)
	before := e.index.DocumentIDs(7, f.ID)
	require.Len(t, before, 5)

	// Coordinator pre-clears before dispatching reindex
	reindex := e.claim(f, models.ModeReindex, true, nil)
	_, err := e.index.DeleteByFile(e.ctx, 7, f.ID)
	require.NoError(t, err)
	_, err = e.repo.ClearViolations(e.ctx, []int64{f.ID})
	require.NoError(t, err)

	res := e.process(reindex)
	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	_, dedupRan := res.Step(models.StepDedup)
	assert.False(t, dedupRan, "reindex bypasses the dedup check")

	assert.Equal(t, before, e.index.DocumentIDs(7, f.ID))
	got := e.file(f.ID)
	assert.Equal(t, int64(5), got.EventCount)
	assert.Equal(t, int64(2), got.ViolationCount)
}

func TestProcess_FullRefusesIndexedFile(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)
	e.process(task)
	done := e.file(f.ID)

	stray := e.claim(f, models.ModeFull, false, nil)
	res := e.process(stray)

	assert.Equal(t, models.OutcomeRefused, res.Outcome)
	assert.Contains(t, res.Message, "already indexed")
	got := e.file(f.ID)
	assert.Equal(t, done.EventCount, got.EventCount)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Empty(t, got.TaskID, "refusal releases the claim")
	assert.Len(t, e.index.DocumentIDs(7, f.ID), 5)
}

func TestProcess_DetectionFailureIsPartial(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.repo.CreateIOC(e.ctx, &models.IOC{CaseID: 7, Type: models.IOCTypeIP, Value: "10.0.0.5", Active: true}))
	e.engine.err = detection.ErrEngineFailed
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)

	res := e.process(task)

	assert.Equal(t, models.OutcomePartial, res.Outcome)
	step, ok := res.Step(models.StepRuleTest)
	require.True(t, ok)
	assert.Equal(t, models.StepFailed, step.Status)

	got := e.file(f.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(0), got.ViolationCount)
	assert.Equal(t, int64(5), got.EventCount)
	assert.Equal(t, int64(3), got.IOCMatchCount, "ioc hunting still runs")
	assert.Contains(t, got.StatusNote, "rule testing failed")
}

func TestProcess_RuleTestingSkippedForOtherSources(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "app.json", `[{"timestamp":"2024-01-01T00:00:00Z","msg":"4625 login failed"}]`, models.SourceGenericJSON)

	res := e.process(task)

	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	step, _ := res.Step(models.StepRuleTest)
	assert.Equal(t, models.StepSkipped, step.Status)
	got := e.file(f.ID)
	assert.Zero(t, got.ViolationCount)
	assert.Contains(t, got.StatusNote, "rule testing skipped for json files")
}

func TestProcess_ZeroEventsIsSkippedAndHidden(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "empty.json", `[]`, models.SourceGenericJSON)

	res := e.process(task)

	assert.Equal(t, models.OutcomeSkipped, res.Outcome)
	got := e.file(f.ID)
	assert.Equal(t, models.StatusSkipped, got.Status)
	assert.True(t, got.IsIndexed)
	assert.True(t, got.IsHidden)
	assert.NotEmpty(t, got.StatusNote)
	assert.Empty(t, got.TaskID)
}

func TestProcess_AllMalformedFails(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "broken.json", "{not json\n{also not json\n", models.SourceGenericJSON)

	res := e.process(task)

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	got := e.file(f.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "no parsable records")
	assert.False(t, got.IsIndexed)
	assert.Empty(t, got.TaskID)
}

type failingIndex struct {
	*storage.MemoryIndex
}

func (f failingIndex) BulkIndex(ctx context.Context, caseID, fileID int64, events []*models.NormalizedEvent) (int, error) {
	return 0, errors.New("cluster unavailable")
}

func TestProcess_IndexFailureIsFatal(t *testing.T) {
	e := newEnv(t)
	deps := e.deps
	deps.Index = failingIndex{e.index}
	p := pipeline.New(deps)
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)

	res, err := p.Process(e.ctx, task)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	_, ruleRan := res.Step(models.StepRuleTest)
	assert.False(t, ruleRan, "later steps are skipped")
	got := e.file(f.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "cluster unavailable")
}

func TestProcess_TransientBulkErrorIsRetried(t *testing.T) {
	e := newEnv(t)
	e.index.FailBulk(errors.New("timeout"))
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)

	res := e.process(task)

	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(5), e.file(f.ID).EventCount)
}

func TestProcess_RefusedDocumentIsCountedMalformed(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "app.ndjson", `{"timestamp":"2024-01-01T00:00:00Z","msg":"login"}
{"timestamp":"2024-01-01T00:00:01Z","msg":"logout"}
{"timestamp":"2024-01-01T00:00:02Z","msg":"login"}
`, models.SourceGenericJSON)
	refused, err := normalizer.EventID(7, f.ID, 1, map[string]any{"timestamp": "2024-01-01T00:00:01Z", "msg": "logout"})
	require.NoError(t, err)
	e.index.RejectDocuments(refused)

	res := e.process(task)

	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	step, ok := res.Step(models.StepIndexing)
	require.True(t, ok)
	assert.Equal(t, int64(1), step.Counters["malformed"])

	got := e.file(f.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(2), got.EventCount)
	assert.Contains(t, got.StatusNote, "1 malformed records skipped")
	ids := e.index.DocumentIDs(7, f.ID)
	assert.Len(t, ids, 2)
	assert.NotContains(t, ids, refused)
}

func TestProcess_ParserWarningsReachStatusNote(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "cut.json", `[{"timestamp":"2024-01-01T00:00:00Z","msg":"a"},{"timestamp":"2024-01-01T00:00:01Z","msg":"b"},{"timestamp":`, models.SourceGenericJSON)

	res := e.process(task)

	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	got := e.file(f.ID)
	assert.Equal(t, int64(2), got.EventCount)
	assert.Contains(t, got.StatusNote, "array truncated after 2 records")
}

func TestProcess_StaleDeliveryIsNoop(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)
	e.process(task)

	res := e.process(task)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)
	assert.Equal(t, int64(5), e.file(f.ID).EventCount)
}

func TestProcess_LockedFileIsNoop(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)
	require.NoError(t, e.locker.Acquire(e.ctx, f.ID, "other-worker"))

	res := e.process(task)
	assert.Equal(t, models.OutcomeNoop, res.Outcome)
	assert.Equal(t, models.StatusQueued, e.file(f.ID).Status)
	assert.Equal(t, task.TaskID, e.file(f.ID).TaskID, "claim stays for the redelivery")
}

func TestProcess_ConcurrentDeliveryRunsOnce(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)

	var wg sync.WaitGroup
	results := make([]*models.Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.pipe.Process(e.ctx, task)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	outcomes := []models.Outcome{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []models.Outcome{models.OutcomeCompleted, models.OutcomeNoop}, outcomes)
	got := e.file(f.ID)
	assert.Equal(t, int64(5), got.EventCount)
	assert.Equal(t, int64(2), got.ViolationCount)
}

// cancellingDetector simulates a worker shutdown in the middle of rule testing.
type cancellingDetector struct {
	pipeline.Detector
	cancel context.CancelFunc
	fired  bool
}

func (c *cancellingDetector) Run(ctx context.Context, f *models.FileRecord) (*detection.Summary, error) {
	if !c.fired {
		c.fired = true
		c.cancel()
		return nil, ctx.Err()
	}
	return c.Detector.Run(ctx, f)
}

func TestProcess_ResumesAtInterruptedStep(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(e.ctx)
	deps := e.deps
	deps.Detector = &cancellingDetector{Detector: e.deps.Detector, cancel: cancel}
	p := pipeline.New(deps)
	f, task := e.ingest(7, "security.evtx", securityLog(), models.SourceEventLog)

	_, err := p.Process(ctx, task)
	require.ErrorIs(t, err, context.Canceled)
	mid := e.file(f.ID)
	assert.Equal(t, models.StatusRuleTesting, mid.Status)
	assert.Equal(t, task.TaskID, mid.TaskID)
	assert.Equal(t, int64(5), mid.EventCount)

	res, err := p.Process(e.ctx, task)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{models.StepRuleTest, models.StepIOCHunt, models.StepFinalize}, stepNames(res))
	assert.Len(t, e.index.DocumentIDs(7, f.ID), 5)
	assert.Equal(t, int64(2), e.file(f.ID).ViolationCount)
}

func TestProcess_RuleTestOnly(t *testing.T) {
	e := newEnv(t)
	a, taskA := e.ingest(7, "a.evtx", securityLog(), models.SourceEventLog)
	b, taskB := e.ingest(7, "b.evtx", securityLog()+"\n", models.SourceEventLog)
	e.process(taskA)
	e.process(taskB)
	require.Equal(t, int64(2), e.file(a.ID).ViolationCount)

	e.engine.needle = "4688"
	res := e.process(e.claim(b, models.ModeRuleTestOnly, false, ptr(true)))

	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{models.StepRuleTest, models.StepFinalize}, stepNames(res))
	assert.Equal(t, int64(1), e.file(b.ID).ViolationCount)
	assert.Equal(t, int64(2), e.file(a.ID).ViolationCount, "other file untouched")

	count, err := e.repo.CountViolations(e.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

// Case 7 has files A (3 IOC matches) and B (0 matches); an ioc-hunt-only run
// on B leaves A's matches in place.
func TestProcess_IOCHuntOnlyIsFileScoped(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.repo.CreateIOC(e.ctx, &models.IOC{CaseID: 7, Type: models.IOCTypeIP, Value: "10.0.0.5", Active: true}))
	a, taskA := e.ingest(7, "a.evtx", securityLog(), models.SourceEventLog)
	b, taskB := e.ingest(7, "b.json", `[{"timestamp":"2024-01-01T00:00:00Z","ip":"172.16.0.1"}]`, models.SourceGenericJSON)
	e.process(taskA)
	e.process(taskB)
	require.Equal(t, int64(3), e.file(a.ID).IOCMatchCount)

	res := e.process(e.claim(b, models.ModeIOCHuntOnly, false, ptr(true)))

	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{models.StepIOCHunt, models.StepFinalize}, stepNames(res))
	assert.Zero(t, e.file(b.ID).IOCMatchCount)
	assert.Equal(t, int64(3), e.file(a.ID).IOCMatchCount)
	count, err := e.repo.CountIOCMatches(e.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestProcess_ReentryRequiresIndexedFile(t *testing.T) {
	e := newEnv(t)
	f, task := e.ingest(7, "broken.json", "{bad\n", models.SourceGenericJSON)
	e.process(task)
	require.Equal(t, models.StatusFailed, e.file(f.ID).Status)

	res := e.process(e.claim(f, models.ModeRuleTestOnly, false, nil))
	assert.Equal(t, models.OutcomeRefused, res.Outcome)
	assert.Empty(t, e.file(f.ID).TaskID)
}

func TestIsInputError(t *testing.T) {
	assert.True(t, pipeline.IsInputError(&pipeline.InputError{Err: errors.New("bad")}))
	assert.False(t, pipeline.IsInputError(errors.New("timeout")))
}
