// Package pipeline drives one file through the processing state machine:
// Queued, Indexing, RuleTesting, IOCHunting and a terminal status. Each run
// resumes at the file's persisted status, so a redelivered task repeats at
// most the step that was interrupted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/dedup"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/detection"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/ioc"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/lock"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/normalizer"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/retry"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/storage"
)

const defaultBatchSize = 1000

// Detector runs the rule detection pass for one file.
type Detector interface {
	Applies(st models.SourceType) bool
	Run(ctx context.Context, file *models.FileRecord) (*detection.Summary, error)
}

// Hunter runs the IOC pass for one file.
type Hunter interface {
	Hunt(ctx context.Context, file *models.FileRecord) (*ioc.Summary, error)
}

// Deps are the shared clients a worker process creates once and hands to
// every task it runs.
type Deps struct {
	Repo        repository.Repository
	Index       storage.Index
	Parsers     *parser.Registry
	Normalizers *normalizer.Registry
	Ledger      *dedup.Ledger
	Detector    Detector
	Hunter      Hunter
	Locker      lock.Locker
	Retry       retry.Policy
	BatchSize   int
	Logger      *logging.Logger
}

type Pipeline struct {
	Deps
}

func New(d Deps) *Pipeline {
	if d.BatchSize <= 0 {
		d.BatchSize = defaultBatchSize
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Locker == nil {
		d.Locker = lock.NewLocalLocker()
	}
	if d.Normalizers == nil {
		d.Normalizers = normalizer.DefaultRegistry()
	}
	if d.Ledger == nil {
		d.Ledger = dedup.NewLedger(d.Repo)
	}
	if d.Retry.MaxElapsed <= 0 {
		d.Retry.MaxElapsed = time.Minute
	}
	return &Pipeline{Deps: d}
}

// Process runs one task. Step failures end up in the file's status and in the
// returned Result. The error is non-nil only when the outcome could not be
// recorded or ctx was cancelled; the task should then be redelivered.
func (p *Pipeline) Process(ctx context.Context, task models.Task) (*models.Result, error) {
	start := time.Now()
	ctx = logging.WithTask(ctx, task.TaskID)
	ctx = logging.WithFile(ctx, task.CaseID, task.FileID)

	r := &run{
		p:      p,
		task:   task,
		logger: p.Logger.WithContext(ctx),
		result: &models.Result{TaskID: task.TaskID, FileID: task.FileID, Mode: task.Mode},
	}

	metrics.ActiveTasks.Inc()
	defer metrics.ActiveTasks.Dec()

	err := r.execute(ctx)
	r.result.Duration = time.Since(start)
	if r.file != nil {
		r.result.FinalStatus = r.file.Status
	}
	metrics.ObserveTask(string(task.Mode), string(r.result.Outcome), r.result.Duration)

	if err != nil {
		r.logger.Error("Task interrupted", logging.Error(err), logging.Duration(r.result.Duration))
		return r.result, err
	}
	r.logger.Info("Task finished",
		"outcome", r.result.Outcome,
		logging.Status(string(r.result.FinalStatus)),
		logging.Duration(r.result.Duration))
	return r.result, nil
}

// run is the state of one task execution.
type run struct {
	p      *Pipeline
	task   models.Task
	file   *models.FileRecord
	logger *slog.Logger
	result *models.Result
	notes  []string
}

func (r *run) execute(ctx context.Context) error {
	file, err := r.p.Repo.GetFile(ctx, r.task.FileID)
	if errors.Is(err, repository.ErrFileNotFound) {
		return r.finish(models.OutcomeNoop, "file no longer exists")
	}
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}
	r.file = file

	if file.TaskID != r.task.TaskID {
		return r.finish(models.OutcomeNoop, "stale delivery: file is not held by this task")
	}

	if err := r.p.Locker.Acquire(ctx, file.ID, r.task.TaskID); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return r.finish(models.OutcomeNoop, "file is locked by another worker")
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := r.p.Locker.Release(context.WithoutCancel(ctx), file.ID, r.task.TaskID); err != nil {
			r.logger.Warn("Failed to release file lock", logging.Error(err))
		}
	}()

	// Re-read under the lock; a concurrent delivery may have finished the file.
	if file, err = r.p.Repo.GetFile(ctx, file.ID); err != nil {
		return fmt.Errorf("reload file: %w", err)
	}
	r.file = file
	if file.TaskID != r.task.TaskID {
		return r.finish(models.OutcomeNoop, "stale delivery: file is not held by this task")
	}

	switch r.task.Mode {
	case models.ModeFull, models.ModeReindex:
		err = r.runIngest(ctx)
	case models.ModeRuleTestOnly:
		err = r.runRuleTestOnly(ctx)
	case models.ModeIOCHuntOnly:
		err = r.runIOCHuntOnly(ctx)
	default:
		err = r.refuse(ctx, fmt.Sprintf("unknown mode %q", r.task.Mode))
	}
	if errors.Is(err, ErrLostClaim) {
		return r.finish(models.OutcomeNoop, err.Error())
	}
	if err != nil {
		return err
	}

	if r.result.Outcome != models.OutcomeNoop && r.result.Outcome != models.OutcomeRefused {
		r.recomputeStats(ctx)
	}
	return nil
}

func (r *run) finish(outcome models.Outcome, message string) error {
	r.result.Outcome = outcome
	r.result.Message = message
	return nil
}

// refuse releases the claim without touching the status.
func (r *run) refuse(ctx context.Context, message string) error {
	if err := r.p.Repo.ReleaseTask(ctx, r.file.ID, r.task.TaskID); err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	r.result.AddStep(models.StepResult{Name: models.StepClaim, Status: models.StepRefused, Message: message})
	r.logger.Warn("Task refused", "reason", message)
	return r.finish(models.OutcomeRefused, message)
}

// runIngest covers full and reindex modes, resuming at the persisted status.
func (r *run) runIngest(ctx context.Context) error {
	resuming := r.file.Status == models.StatusRuleTesting || r.file.Status == models.StatusIOCHunting
	if r.task.Mode == models.ModeFull && r.file.IsIndexed && !resuming {
		return r.refuse(ctx, "already indexed, use reindex to force")
	}

	switch r.file.Status {
	case models.StatusQueued:
		if r.task.Mode == models.ModeFull {
			dup, err := r.verifyDedup(ctx)
			if err != nil || dup {
				return err
			}
		}
		if err := r.setStatus(ctx, models.StatusIndexing, models.StatusUpdate{}); err != nil {
			return err
		}
		fallthrough
	case models.StatusIndexing:
		done, err := r.indexStep(ctx)
		if err != nil || done {
			return err
		}
		fallthrough
	case models.StatusRuleTesting:
		if err := r.ruleTestStep(ctx); err != nil {
			return err
		}
		if err := r.setStatus(ctx, models.StatusIOCHunting, models.StatusUpdate{
			ViolationCount: &r.file.ViolationCount,
		}); err != nil {
			return err
		}
		fallthrough
	case models.StatusIOCHunting:
		if err := r.iocStep(ctx); err != nil {
			return err
		}
		return r.complete(ctx)
	default:
		return r.refuse(ctx, fmt.Sprintf("file is %s", r.file.Status))
	}
}

func (r *run) runRuleTestOnly(ctx context.Context) error {
	if !r.file.IsIndexed {
		return r.refuse(ctx, "file is not indexed")
	}
	switch r.file.Status {
	case models.StatusCompleted, models.StatusFailed:
		if err := r.setStatus(ctx, models.StatusRuleTesting, models.StatusUpdate{}); err != nil {
			return err
		}
	case models.StatusRuleTesting:
	default:
		return r.refuse(ctx, fmt.Sprintf("file is %s", r.file.Status))
	}
	if err := r.ruleTestStep(ctx); err != nil {
		return err
	}
	return r.complete(ctx)
}

func (r *run) runIOCHuntOnly(ctx context.Context) error {
	if !r.file.IsIndexed {
		return r.refuse(ctx, "file is not indexed")
	}
	switch r.file.Status {
	case models.StatusCompleted, models.StatusFailed:
		if err := r.setStatus(ctx, models.StatusIOCHunting, models.StatusUpdate{}); err != nil {
			return err
		}
	case models.StatusIOCHunting:
	default:
		return r.refuse(ctx, fmt.Sprintf("file is %s", r.file.Status))
	}
	if err := r.iocStep(ctx); err != nil {
		return err
	}
	return r.complete(ctx)
}

// verifyDedup re-checks the ledger before a fresh ingest. Another accepted
// file holding the same content and name turns this one into Skipped.
func (r *run) verifyDedup(ctx context.Context) (bool, error) {
	start := time.Now()
	decision, err := r.p.Ledger.CheckDuplicate(ctx, r.file.CaseID, r.file.OriginalName, r.file.ContentHash)
	if err != nil {
		return false, err
	}
	if decision.Verdict == dedup.Accept || decision.Existing == nil || decision.Existing.ID == r.file.ID {
		r.step(models.StepDedup, start, models.StepOK, nil, "")
		return false, nil
	}

	msg := fmt.Sprintf("duplicate of file %d", decision.Existing.ID)
	if _, err := r.p.Ledger.RecordSkipped(ctx, r.file.CaseID, r.file.OriginalName, r.file.ContentHash, r.file.Size, decision.Existing); err != nil {
		return false, err
	}
	r.step(models.StepDedup, start, models.StepSkipped, nil, msg)
	if err := r.setStatus(ctx, models.StatusSkipped, models.StatusUpdate{Note: &msg, ClearTask: true}); err != nil {
		return false, err
	}
	return true, r.finish(models.OutcomeSkipped, msg)
}

// indexStep parses, normalizes and writes the file's events. It reports done
// when the file reached a terminal status.
func (r *run) indexStep(ctx context.Context) (bool, error) {
	start := time.Now()
	count, malformed, err := r.index(ctx)
	counters := map[string]int64{"events": count, "malformed": int64(malformed)}

	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		r.step(models.StepIndexing, start, models.StepFailed, counters, err.Error())
		return true, r.fail(ctx, err)
	}

	if count == 0 {
		msg := "no events in file"
		r.step(models.StepIndexing, start, models.StepSkipped, counters, msg)
		indexed, hidden := true, true
		if err := r.setStatus(ctx, models.StatusSkipped, models.StatusUpdate{
			Note:       &msg,
			EventCount: &count,
			IsIndexed:  &indexed,
			IsHidden:   &hidden,
			ClearTask:  true,
		}); err != nil {
			return true, err
		}
		return true, r.finish(models.OutcomeSkipped, msg)
	}

	r.step(models.StepIndexing, start, models.StepOK, counters, "")
	if malformed > 0 {
		r.notes = append(r.notes, fmt.Sprintf("%d malformed records skipped", malformed))
	}
	indexed := true
	return false, r.setStatus(ctx, models.StatusRuleTesting, models.StatusUpdate{
		EventCount: &count,
		IsIndexed:  &indexed,
	})
}

// index writes the file's events in batches after removing any left over from
// an interrupted attempt. Documents the index refuses count as malformed;
// only transient index failures are retried.
func (r *run) index(ctx context.Context) (int64, int, error) {
	p := r.p
	file := r.file

	norm := p.Normalizers.Find(file.SourceType)
	if norm == nil {
		return 0, 0, inputErrorf("no normalizer for source type %q", file.SourceType)
	}

	err := retry.NotifyIf(ctx, p.Retry, storage.Retryable, func() error {
		if err := p.Index.EnsureIndex(ctx, file.CaseID); err != nil {
			return err
		}
		_, err := p.Index.DeleteByFile(ctx, file.CaseID, file.ID)
		return err
	}, r.retrying("prepare index"))
	if err != nil {
		return 0, 0, fmt.Errorf("prepare index: %w", err)
	}

	stream, err := p.Parsers.Open(ctx, file.StoredPath, file.SourceType)
	if err != nil {
		return 0, 0, &InputError{Err: err}
	}
	defer stream.Close()

	fc := normalizer.FileContext{
		CaseID:       file.CaseID,
		FileID:       file.ID,
		SourceType:   file.SourceType,
		FallbackTime: fallbackTime(file),
	}

	var indexed int64
	var rejected, refused int
	batch := make([]*models.NormalizedEvent, 0, p.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var written int
		err := retry.NotifyIf(ctx, p.Retry, storage.Retryable, func() error {
			var err error
			written, err = p.Index.BulkIndex(ctx, file.CaseID, file.ID, batch)
			return err
		}, r.retrying("bulk index"))
		var items *storage.BulkItemError
		if errors.As(err, &items) && items.Transient == 0 {
			refused += len(items.Rejected)
			r.logger.Warn("Index refused documents", logging.Count(len(items.Rejected)), "first", items.First)
			err = nil
		}
		if err != nil {
			return fmt.Errorf("bulk index: %w", err)
		}
		indexed += int64(written)
		metrics.EventsIndexed.WithLabelValues(string(file.SourceType)).Add(float64(written))
		batch = batch[:0]
		return nil
	}

	for stream.Next() {
		ev, err := norm.Normalize(fc, stream.Record())
		if err != nil {
			rejected++
			r.logger.Debug("Record rejected by normalizer", "record", stream.Record().Index, logging.Error(err))
			continue
		}
		batch = append(batch, ev)
		if len(batch) >= p.BatchSize {
			if err := flush(); err != nil {
				return indexed, stream.Malformed() + rejected + refused, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		malformed := stream.Malformed() + rejected + refused
		if ctx.Err() != nil {
			return indexed, malformed, ctx.Err()
		}
		return indexed, malformed, &InputError{Err: err}
	}
	if err := flush(); err != nil {
		return indexed, stream.Malformed() + rejected + refused, err
	}
	r.notes = append(r.notes, stream.Metadata().Warnings...)
	malformed := stream.Malformed() + rejected + refused
	if malformed > 0 {
		metrics.MalformedRecords.WithLabelValues(string(file.SourceType)).Add(float64(malformed))
		r.logger.Info("Skipped malformed records", logging.Count(malformed))
	}
	return indexed, malformed, nil
}

// retrying logs each wait before an index operation is attempted again.
func (r *run) retrying(op string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		r.logger.Warn("Retrying index operation", "op", op, logging.Duration(wait), logging.Error(err))
	}
}

// ruleTestStep runs rule detection. A failure is recorded on the file and the
// pipeline continues.
func (r *run) ruleTestStep(ctx context.Context) error {
	start := time.Now()
	if r.p.Detector == nil || !r.p.Detector.Applies(r.file.SourceType) {
		msg := fmt.Sprintf("rule testing skipped for %s files", r.file.SourceType)
		r.notes = append(r.notes, msg)
		r.step(models.StepRuleTest, start, models.StepSkipped, nil, msg)
		return nil
	}

	sum, err := r.p.Detector.Run(ctx, r.file)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	count, cerr := r.p.Repo.CountViolations(ctx, r.file.ID)
	if cerr != nil {
		return fmt.Errorf("count violations: %w", cerr)
	}
	r.file.ViolationCount = count

	if err != nil {
		metrics.DetectionFailures.WithLabelValues("rules").Inc()
		msg := "rule testing failed: " + err.Error()
		r.notes = append(r.notes, msg)
		r.step(models.StepRuleTest, start, models.StepFailed, map[string]int64{"violations": count}, err.Error())
		r.logger.Warn("Rule testing failed", logging.Error(err))
		return nil
	}
	metrics.RuleViolations.Add(float64(sum.Violations))
	r.step(models.StepRuleTest, start, models.StepOK, map[string]int64{
		"rules":      int64(sum.Rules),
		"findings":   int64(sum.Findings),
		"violations": count,
	}, "")
	return nil
}

// iocStep runs the IOC hunt. A failure is recorded on the file and the
// pipeline continues.
func (r *run) iocStep(ctx context.Context) error {
	start := time.Now()
	if r.p.Hunter == nil {
		r.step(models.StepIOCHunt, start, models.StepSkipped, nil, "ioc hunting disabled")
		return nil
	}

	sum, err := r.p.Hunter.Hunt(ctx, r.file)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	count, cerr := r.p.Repo.CountIOCMatches(ctx, r.file.ID)
	if cerr != nil {
		return fmt.Errorf("count ioc matches: %w", cerr)
	}
	r.file.IOCMatchCount = count

	if err != nil {
		metrics.DetectionFailures.WithLabelValues("ioc").Inc()
		msg := "ioc hunting failed: " + err.Error()
		r.notes = append(r.notes, msg)
		r.step(models.StepIOCHunt, start, models.StepFailed, map[string]int64{"matches": count}, err.Error())
		r.logger.Warn("IOC hunting failed", logging.Error(err))
		return nil
	}
	metrics.IOCMatches.Add(float64(sum.Matches))
	r.step(models.StepIOCHunt, start, models.StepOK, map[string]int64{
		"iocs":    int64(sum.IOCs),
		"events":  int64(sum.MatchedEvents),
		"matches": count,
	}, "")
	return nil
}

// complete writes Completed with the final counters and releases the task.
func (r *run) complete(ctx context.Context) error {
	start := time.Now()
	note := strings.Join(r.notes, "; ")
	noError := ""
	err := r.setStatus(ctx, models.StatusCompleted, models.StatusUpdate{
		Note:           &note,
		LastError:      &noError,
		ViolationCount: &r.file.ViolationCount,
		IOCMatchCount:  &r.file.IOCMatchCount,
		ClearTask:      true,
	})
	if err != nil {
		return err
	}
	r.step(models.StepFinalize, start, models.StepOK, map[string]int64{
		"events":      r.file.EventCount,
		"violations":  r.file.ViolationCount,
		"ioc_matches": r.file.IOCMatchCount,
	}, "")

	for _, s := range r.result.Steps {
		if s.Status == models.StepFailed {
			return r.finish(models.OutcomePartial, note)
		}
	}
	return r.finish(models.OutcomeCompleted, note)
}

// fail marks the file Failed with the error and releases the task.
func (r *run) fail(ctx context.Context, cause error) error {
	msg := cause.Error()
	if err := r.setStatus(ctx, models.StatusFailed, models.StatusUpdate{
		LastError: &msg,
		Note:      &msg,
		ClearTask: true,
	}); err != nil {
		return err
	}
	r.logger.Error("File failed", logging.Error(cause), "input_error", IsInputError(cause))
	return r.finish(models.OutcomeFailed, msg)
}

// setStatus writes one transition. Version conflicts are retried against a
// fresh read; the transition and the claim are re-validated on every attempt.
func (r *run) setStatus(ctx context.Context, to models.FileStatus, upd models.StatusUpdate) error {
	upd.Status = to
	from := r.file.Status

	op := func() error {
		current, err := r.p.Repo.GetFile(ctx, r.file.ID)
		if err != nil {
			return err
		}
		if current.TaskID != r.task.TaskID {
			return retry.Permanent(ErrLostClaim)
		}
		if err := models.ValidateTransition(current.Status, to); err != nil {
			return retry.Permanent(err)
		}
		updated, err := r.p.Repo.UpdateStatus(ctx, current.ID, current.Version, upd)
		if err != nil {
			return err
		}
		r.file = updated
		return nil
	}
	retryable := func(err error) bool {
		if errors.Is(err, repository.ErrConflict) {
			metrics.StatusConflicts.Inc()
			return true
		}
		return !errors.Is(err, repository.ErrFileNotFound)
	}
	if err := retry.DoIf(ctx, r.p.Retry, retryable, op); err != nil {
		if errors.Is(err, ErrLostClaim) {
			return err
		}
		return fmt.Errorf("set status %s: %w", to, err)
	}

	r.logger.Info("File status changed",
		logging.Status(string(to)),
		"from", from)
	return nil
}

func (r *run) step(name string, start time.Time, status models.StepStatus, counters map[string]int64, message string) {
	d := time.Since(start)
	r.result.AddStep(models.StepResult{
		Name:     name,
		Status:   status,
		Duration: d,
		Counters: counters,
		Message:  message,
	})
	metrics.ObserveStep(name, string(status), d)
}

// recomputeStats refreshes the case aggregate. A failure here is logged; the
// next completion in the case recomputes it again.
func (r *run) recomputeStats(ctx context.Context) {
	if _, err := r.p.Repo.RecomputeCaseStats(ctx, r.task.CaseID); err != nil {
		r.logger.Warn("Failed to recompute case stats", logging.Error(err))
	}
}

func fallbackTime(file *models.FileRecord) time.Time {
	if st, err := os.Stat(file.StoredPath); err == nil {
		return st.ModTime().UTC()
	}
	return file.CreatedAt
}
