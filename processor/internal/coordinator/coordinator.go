// Package coordinator accepts uploads and operation requests, claims the
// affected files and hands one task per file to the queue. A file is claimed
// before its task is published, so at most one task runs per file.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/dedup"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
)

var (
	ErrAlreadyIndexed = errors.New("file already indexed, use reindex to force")
	ErrNotIndexed     = errors.New("file is not indexed")
	ErrWrongCase      = errors.New("file belongs to another case")
)

const (
	defaultLease     = 30 * time.Minute
	defaultClearSize = 500
)

// Documents is the part of the event index the coordinator clears.
type Documents interface {
	DeleteByFiles(ctx context.Context, caseID int64, fileIDs []int64) (int64, error)
}

// Options tune a Coordinator.
type Options struct {
	StagingDir string
	// TaskLease is the age after which another file's claim counts as abandoned.
	TaskLease time.Duration
	// ClearBatch bounds the number of files cleared per statement in bulk dispatch.
	ClearBatch int
	Logger     *logging.Logger
}

type Coordinator struct {
	repo       repository.Repository
	docs       Documents
	queue      Enqueuer
	ledger     *dedup.Ledger
	stagingDir string
	lease      time.Duration
	clearBatch int
	logger     *logging.Logger
	newTaskID  func() string
}

func New(repo repository.Repository, docs Documents, queue Enqueuer, opts Options) *Coordinator {
	if opts.TaskLease <= 0 {
		opts.TaskLease = defaultLease
	}
	if opts.ClearBatch <= 0 {
		opts.ClearBatch = defaultClearSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Coordinator{
		repo:       repo,
		docs:       docs,
		queue:      queue,
		ledger:     dedup.NewLedger(repo),
		stagingDir: opts.StagingDir,
		lease:      opts.TaskLease,
		clearBatch: opts.ClearBatch,
		logger:     opts.Logger,
		newTaskID:  uuid.NewString,
	}
}

// claimSpec is how one mode claims a file.
type claimSpec struct {
	reset   bool
	indexed *bool
	target  models.FileStatus // First status the task will write, if any
}

func specFor(mode models.Mode) (claimSpec, error) {
	yes, no := true, false
	switch mode {
	case models.ModeFull:
		return claimSpec{reset: true, indexed: &no}, nil
	case models.ModeReindex:
		return claimSpec{reset: true}, nil
	case models.ModeRuleTestOnly:
		return claimSpec{indexed: &yes, target: models.StatusRuleTesting}, nil
	case models.ModeIOCHuntOnly:
		return claimSpec{indexed: &yes, target: models.StatusIOCHunting}, nil
	}
	return claimSpec{}, fmt.Errorf("unknown mode %q", mode)
}

// precheck rejects a request from the file's current state before claiming it.
func precheck(f *models.FileRecord, mode models.Mode, spec claimSpec) error {
	if f.IsDeleted {
		return repository.ErrFileNotFound
	}
	if spec.indexed != nil && f.IsIndexed != *spec.indexed {
		if *spec.indexed {
			return ErrNotIndexed
		}
		return ErrAlreadyIndexed
	}
	if spec.target != "" && f.Status != spec.target {
		if err := models.ValidateTransition(f.Status, spec.target); err != nil {
			return fmt.Errorf("%s on %s file: %w", mode, f.Status, err)
		}
	}
	return nil
}

// claim assigns a fresh task to f for mode.
func (c *Coordinator) claim(ctx context.Context, f *models.FileRecord, mode models.Mode) (models.Task, error) {
	spec, err := specFor(mode)
	if err != nil {
		return models.Task{}, err
	}
	if err := precheck(f, mode, spec); err != nil {
		return models.Task{}, err
	}

	task := models.Task{TaskID: c.newTaskID(), FileID: f.ID, CaseID: f.CaseID, Mode: mode}
	_, err = c.repo.ClaimFile(ctx, repository.ClaimRequest{
		FileID:  f.ID,
		TaskID:  task.TaskID,
		Lease:   c.lease,
		Reset:   spec.reset,
		Indexed: spec.indexed,
	})
	if errors.Is(err, repository.ErrIndexedState) {
		// The flag changed between the read and the claim
		if *spec.indexed {
			return task, ErrNotIndexed
		}
		return task, ErrAlreadyIndexed
	}
	return task, err
}

// enqueue publishes a claimed task, releasing the claim when the queue refuses it.
func (c *Coordinator) enqueue(ctx context.Context, task models.Task) error {
	task.EnqueuedAt = time.Now().UTC()
	if err := c.queue.Enqueue(ctx, task); err != nil {
		if rerr := c.repo.ReleaseTask(context.WithoutCancel(ctx), task.FileID, task.TaskID); rerr != nil {
			c.logger.WithContext(ctx).Error("Failed to release claim after enqueue failure",
				logging.FileID(task.FileID), logging.TaskID(task.TaskID), logging.Error(rerr))
		}
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dispatch claims one file for mode and enqueues its task. For reindex the
// file's documents, findings and tags are cleared before the task is
// published. A refused request returns both the annotated Result and the error.
func (c *Coordinator) Dispatch(ctx context.Context, fileID int64, mode models.Mode) (*models.Result, error) {
	start := time.Now()
	res := &models.Result{FileID: fileID, Mode: mode}
	logger := c.logger.WithContext(ctx).With(logging.FileID(fileID), logging.Mode(string(mode)))

	f, err := c.repo.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	stepStart := time.Now()
	task, err := c.claim(ctx, f, mode)
	if err != nil {
		res.AddStep(models.StepResult{Name: models.StepClaim, Status: models.StepRefused, Duration: time.Since(stepStart), Message: err.Error()})
		res.Outcome = models.OutcomeRefused
		res.FinalStatus = f.Status
		res.Message = err.Error()
		res.Duration = time.Since(start)
		metrics.DispatchRefusals.WithLabelValues(string(mode)).Inc()
		logger.Warn("Dispatch refused", logging.Error(err))
		return res, err
	}
	res.TaskID = task.TaskID
	res.AddStep(models.StepResult{Name: models.StepClaim, Status: models.StepOK, Duration: time.Since(stepStart)})

	if mode == models.ModeReindex {
		stepStart = time.Now()
		counters, err := c.preClear(ctx, f.CaseID, []int64{f.ID})
		if err != nil {
			c.release(ctx, task)
			res.AddStep(models.StepResult{Name: models.StepPreClear, Status: models.StepFailed, Duration: time.Since(stepStart), Message: err.Error()})
			res.Outcome = models.OutcomeFailed
			res.Duration = time.Since(start)
			return res, err
		}
		res.AddStep(models.StepResult{Name: models.StepPreClear, Status: models.StepOK, Duration: time.Since(stepStart), Counters: counters})
	}

	stepStart = time.Now()
	if err := c.enqueue(ctx, task); err != nil {
		res.AddStep(models.StepResult{Name: models.StepEnqueue, Status: models.StepFailed, Duration: time.Since(stepStart), Message: err.Error()})
		res.Outcome = models.OutcomeFailed
		res.Duration = time.Since(start)
		return res, err
	}
	res.AddStep(models.StepResult{Name: models.StepEnqueue, Status: models.StepOK, Duration: time.Since(stepStart)})

	res.Outcome = models.OutcomeEnqueued
	res.FinalStatus = f.Status
	if mode == models.ModeFull || mode == models.ModeReindex {
		res.FinalStatus = models.StatusQueued
	}
	res.Duration = time.Since(start)
	logger.Info("Task dispatched", logging.TaskID(task.TaskID))
	return res, nil
}

func (c *Coordinator) release(ctx context.Context, task models.Task) {
	if err := c.repo.ReleaseTask(context.WithoutCancel(ctx), task.FileID, task.TaskID); err != nil {
		c.logger.WithContext(ctx).Error("Failed to release claim",
			logging.FileID(task.FileID), logging.TaskID(task.TaskID), logging.Error(err))
	}
}

// preClear removes documents, violations, IOC matches and tags of the given
// files. Every clear is scoped by file ID.
func (c *Coordinator) preClear(ctx context.Context, caseID int64, fileIDs []int64) (map[string]int64, error) {
	counters := map[string]int64{"files": int64(len(fileIDs))}
	for start := 0; start < len(fileIDs); start += c.clearBatch {
		end := min(start+c.clearBatch, len(fileIDs))
		batch := fileIDs[start:end]

		docs, err := c.docs.DeleteByFiles(ctx, caseID, batch)
		if err != nil {
			return counters, fmt.Errorf("delete documents: %w", err)
		}
		violations, err := c.repo.ClearViolations(ctx, batch)
		if err != nil {
			return counters, fmt.Errorf("clear violations: %w", err)
		}
		matches, err := c.repo.ClearIOCMatches(ctx, batch)
		if err != nil {
			return counters, fmt.Errorf("clear ioc matches: %w", err)
		}
		tags, err := c.repo.ClearTags(ctx, batch)
		if err != nil {
			return counters, fmt.Errorf("clear tags: %w", err)
		}
		counters["documents"] += docs
		counters["violations"] += violations
		counters["ioc_matches"] += matches
		counters["tags"] += tags
	}
	return counters, nil
}

// BulkResult reports a bulk dispatch, one Result per requested file.
type BulkResult struct {
	CaseID   int64              `json:"case_id"`
	Mode     models.Mode        `json:"mode"`
	PreClear *models.StepResult `json:"pre_clear,omitempty"`
	Files    []*models.Result   `json:"files"`
	Counts   map[string]int     `json:"counts"`
	Duration time.Duration      `json:"duration"`
}

// BulkDispatch dispatches mode for fileIDs in caseID, or for every file of the
// case when fileIDs is empty. Files that cannot be claimed are reported as
// refused and do not stop the rest. For reindex the pre-clear runs once, in
// batches, over all claimed files before any task is published.
func (c *Coordinator) BulkDispatch(ctx context.Context, caseID int64, fileIDs []int64, mode models.Mode) (*BulkResult, error) {
	start := time.Now()
	logger := c.logger.WithContext(ctx).With(logging.CaseID(caseID), logging.Mode(string(mode)))
	if _, err := specFor(mode); err != nil {
		return nil, err
	}

	files, err := c.bulkFiles(ctx, caseID, fileIDs)
	if err != nil {
		return nil, err
	}

	out := &BulkResult{CaseID: caseID, Mode: mode, Counts: map[string]int{}}
	var claimed []models.Task
	var claimedFiles []*models.FileRecord
	for _, f := range files {
		res := &models.Result{FileID: f.ID, Mode: mode, FinalStatus: f.Status}
		out.Files = append(out.Files, res)

		var task models.Task
		stepStart := time.Now()
		if f.CaseID != caseID {
			err = ErrWrongCase
		} else {
			task, err = c.claim(ctx, f, mode)
		}
		if err != nil {
			res.AddStep(models.StepResult{Name: models.StepClaim, Status: models.StepRefused, Duration: time.Since(stepStart), Message: err.Error()})
			res.Outcome = models.OutcomeRefused
			res.Message = err.Error()
			metrics.DispatchRefusals.WithLabelValues(string(mode)).Inc()
			continue
		}
		res.TaskID = task.TaskID
		res.AddStep(models.StepResult{Name: models.StepClaim, Status: models.StepOK, Duration: time.Since(stepStart)})
		claimed = append(claimed, task)
		claimedFiles = append(claimedFiles, f)
	}

	if mode == models.ModeReindex && len(claimed) > 0 {
		ids := make([]int64, len(claimedFiles))
		for i, f := range claimedFiles {
			ids[i] = f.ID
		}
		stepStart := time.Now()
		counters, err := c.preClear(ctx, caseID, ids)
		step := &models.StepResult{Name: models.StepPreClear, Status: models.StepOK, Duration: time.Since(stepStart), Counters: counters}
		out.PreClear = step
		if err != nil {
			step.Status = models.StepFailed
			step.Message = err.Error()
			for _, task := range claimed {
				c.release(ctx, task)
			}
			c.mark(out, claimed, models.OutcomeFailed, err.Error())
			out.Duration = time.Since(start)
			logger.Error("Bulk pre-clear failed", logging.Error(err))
			return out, err
		}
	}

	byFile := make(map[int64]*models.Result, len(out.Files))
	for _, res := range out.Files {
		byFile[res.FileID] = res
	}
	for _, task := range claimed {
		res := byFile[task.FileID]
		stepStart := time.Now()
		if err := c.enqueue(ctx, task); err != nil {
			res.AddStep(models.StepResult{Name: models.StepEnqueue, Status: models.StepFailed, Duration: time.Since(stepStart), Message: err.Error()})
			res.Outcome = models.OutcomeFailed
			res.Message = err.Error()
			continue
		}
		res.AddStep(models.StepResult{Name: models.StepEnqueue, Status: models.StepOK, Duration: time.Since(stepStart)})
		res.Outcome = models.OutcomeEnqueued
		if mode == models.ModeFull || mode == models.ModeReindex {
			res.FinalStatus = models.StatusQueued
		}
	}

	for _, res := range out.Files {
		out.Counts[string(res.Outcome)]++
	}
	out.Duration = time.Since(start)
	logger.Info("Bulk dispatch finished",
		"enqueued", out.Counts[string(models.OutcomeEnqueued)],
		"refused", out.Counts[string(models.OutcomeRefused)],
		"failed", out.Counts[string(models.OutcomeFailed)],
		logging.Duration(out.Duration))
	return out, nil
}

func (c *Coordinator) bulkFiles(ctx context.Context, caseID int64, fileIDs []int64) ([]*models.FileRecord, error) {
	if len(fileIDs) == 0 {
		return c.repo.ListFiles(ctx, caseID)
	}
	files := make([]*models.FileRecord, 0, len(fileIDs))
	seen := make(map[int64]bool, len(fileIDs))
	for _, id := range fileIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		f, err := c.repo.GetFile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", id, err)
		}
		files = append(files, f)
	}
	return files, nil
}

func (c *Coordinator) mark(out *BulkResult, tasks []models.Task, outcome models.Outcome, msg string) {
	ids := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		ids[t.FileID] = true
	}
	for _, res := range out.Files {
		if ids[res.FileID] {
			res.Outcome = outcome
			res.Message = msg
		}
	}
	for _, res := range out.Files {
		out.Counts[string(res.Outcome)]++
	}
}

// DeleteFile soft-deletes an idle file after removing its documents, findings
// and tags, then refreshes the case aggregate.
func (c *Coordinator) DeleteFile(ctx context.Context, fileID int64) error {
	f, err := c.repo.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if f.IsDeleted {
		return nil
	}
	task := models.Task{TaskID: "delete-" + c.newTaskID(), FileID: f.ID, CaseID: f.CaseID}
	if _, err := c.repo.ClaimFile(ctx, repository.ClaimRequest{FileID: f.ID, TaskID: task.TaskID, Lease: c.lease}); err != nil {
		return fmt.Errorf("claim file for delete: %w", err)
	}
	if _, err := c.preClear(ctx, f.CaseID, []int64{f.ID}); err != nil {
		c.release(ctx, task)
		return err
	}
	if err := c.repo.SoftDeleteFile(ctx, f.ID); err != nil {
		c.release(ctx, task)
		return err
	}
	if _, err := c.repo.RecomputeCaseStats(ctx, f.CaseID); err != nil {
		c.logger.WithContext(ctx).Warn("Failed to recompute case stats", logging.CaseID(f.CaseID), logging.Error(err))
	}
	c.logger.WithContext(ctx).Info("File deleted", logging.CaseID(f.CaseID), logging.FileID(f.ID))
	metrics.FilesDeleted.Inc()
	return nil
}
