package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/dedup"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/metrics"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
)

// Upload is one submission to the ingestion trigger.
type Upload struct {
	CaseID       int64
	Path         string
	OriginalName string // Defaults to the base name of Path
	Channel      models.Channel
}

// Ingest stages an upload and creates one FileRecord per file, each with a
// full task enqueued. Zip archives are expanded and every member is handled
// as its own submission. Duplicates produce a SkippedRecord instead of a
// FileRecord. Unsupported or corrupt files still get a FileRecord, left in
// Failed with the cause. One Result is returned per file; the error is
// reserved for failures that stop the whole upload.
func (c *Coordinator) Ingest(ctx context.Context, up Upload) ([]*models.Result, error) {
	if up.OriginalName == "" {
		up.OriginalName = filepath.Base(up.Path)
	}
	if up.Channel == "" {
		up.Channel = models.ChannelInteractive
	}
	logger := c.logger.WithContext(ctx).With(logging.CaseID(up.CaseID))

	if _, err := os.Stat(up.Path); err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	// Non-archive detection failures are recorded per file by accept
	det, err := parser.Detect(up.Path)
	batchDir := filepath.Join(c.staging(), fmt.Sprintf("case-%d", up.CaseID), c.newTaskID())

	if err == nil && det.Archive {
		members, err := parser.ExpandArchive(up.Path, batchDir)
		if err != nil {
			staged, serr := stageCopy(up.Path, batchDir, up.OriginalName)
			if serr != nil {
				return nil, serr
			}
			res, aerr := c.admit(ctx, up, up.OriginalName, staged, "", err, time.Now())
			if aerr != nil {
				return nil, aerr
			}
			return []*models.Result{res}, nil
		}
		logger.Info("Expanded archive", logging.Path(up.OriginalName), logging.Count(len(members)))

		results := make([]*models.Result, 0, len(members))
		for _, m := range members {
			res, err := c.accept(ctx, up, m.Name, m.Path, true)
			if err != nil {
				return results, err
			}
			results = append(results, res)
		}
		return results, nil
	}

	staged, err := stageCopy(up.Path, batchDir, up.OriginalName)
	if err != nil {
		return nil, err
	}
	res, err := c.accept(ctx, up, up.OriginalName, staged, false)
	if err != nil {
		return nil, err
	}
	return []*models.Result{res}, nil
}

// accept detects the source type of one staged file and admits it.
func (c *Coordinator) accept(ctx context.Context, up Upload, name, path string, fromArchive bool) (*models.Result, error) {
	start := time.Now()
	det, err := parser.Detect(path)
	if err == nil && det.Archive && fromArchive {
		err = fmt.Errorf("%w: nested archive", parser.ErrUnsupportedFormat)
	}
	return c.admit(ctx, up, name, path, det.SourceType, err, start)
}

// admit runs one staged file through the dedup ledger, record creation and
// enqueue. A non-nil cause is the detection failure: the file is recorded
// and moved straight to Failed without a task.
func (c *Coordinator) admit(ctx context.Context, up Upload, name, path string, sourceType models.SourceType, cause error, start time.Time) (*models.Result, error) {
	hash, size, err := dedup.HashFile(path)
	if err != nil {
		return nil, err
	}
	res := &models.Result{Mode: models.ModeFull}
	ingestion := models.StepResult{
		Name:     models.StepIngestion,
		Status:   models.StepOK,
		Duration: time.Since(start),
		Counters: map[string]int64{"bytes": size},
		Message:  string(sourceType),
	}
	if cause != nil {
		ingestion.Status = models.StepFailed
		ingestion.Message = cause.Error()
	}
	res.AddStep(ingestion)

	stepStart := time.Now()
	decision, err := c.ledger.CheckDuplicate(ctx, up.CaseID, name, hash)
	if err != nil {
		return nil, err
	}
	metrics.DedupDecisions.WithLabelValues(string(decision.Verdict)).Inc()
	if decision.Verdict == dedup.Duplicate {
		return c.skipDuplicate(ctx, up, name, path, hash, size, decision.Existing, res, start, stepStart)
	}
	res.AddStep(models.StepResult{Name: models.StepDedup, Status: models.StepOK, Duration: time.Since(stepStart)})

	var taskID string
	if cause == nil {
		taskID = c.newTaskID()
	}
	f, err := c.repo.CreateFile(ctx, &models.NewFile{
		CaseID:       up.CaseID,
		OriginalName: name,
		StoredPath:   path,
		ContentHash:  hash,
		Size:         size,
		Channel:      up.Channel,
		SourceType:   sourceType,
		TaskID:       taskID,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent upload won the unique index
		existing, ferr := c.repo.FindAcceptedFile(ctx, up.CaseID, hash, name)
		if ferr != nil {
			return nil, ferr
		}
		res.Steps = res.Steps[:1]
		return c.skipDuplicate(ctx, up, name, path, hash, size, existing, res, start, stepStart)
	}
	if err != nil {
		return nil, fmt.Errorf("create file record: %w", err)
	}
	res.FileID = f.ID
	res.FinalStatus = f.Status
	if cause != nil {
		return c.reject(ctx, up, name, f, cause, res, start)
	}
	res.TaskID = taskID
	metrics.FilesAccepted.WithLabelValues(string(up.Channel), string(sourceType)).Inc()

	stepStart = time.Now()
	task := models.Task{TaskID: taskID, FileID: f.ID, CaseID: f.CaseID, Mode: models.ModeFull}
	if err := c.enqueue(ctx, task); err != nil {
		res.AddStep(models.StepResult{Name: models.StepEnqueue, Status: models.StepFailed, Duration: time.Since(stepStart), Message: err.Error()})
		res.Outcome = models.OutcomeFailed
		res.Message = err.Error()
		res.Duration = time.Since(start)
		c.logger.WithContext(ctx).Error("File accepted but not enqueued",
			logging.FileID(f.ID), logging.Path(name), logging.Error(err))
		return res, nil
	}
	res.AddStep(models.StepResult{Name: models.StepEnqueue, Status: models.StepOK, Duration: time.Since(stepStart)})
	res.Outcome = models.OutcomeEnqueued
	res.Duration = time.Since(start)

	c.logger.WithContext(ctx).Info("File accepted",
		logging.CaseID(f.CaseID),
		logging.FileID(f.ID),
		logging.Path(name),
		logging.TaskID(taskID),
		"source_type", sourceType,
		"channel", up.Channel)
	return res, nil
}

func (c *Coordinator) skipDuplicate(ctx context.Context, up Upload, name, path, hash string, size int64, existing *models.FileRecord, res *models.Result, start, stepStart time.Time) (*models.Result, error) {
	rec, err := c.ledger.RecordSkipped(ctx, up.CaseID, name, hash, size, existing)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("duplicate of file %d", rec.DuplicateOf)
	res.AddStep(models.StepResult{Name: models.StepDedup, Status: models.StepSkipped, Duration: time.Since(stepStart), Message: msg})
	res.FileID = rec.DuplicateOf
	res.Outcome = models.OutcomeSkipped
	res.FinalStatus = models.StatusSkipped
	res.Message = msg
	res.Duration = time.Since(start)
	c.discard(ctx, path)

	c.logger.WithContext(ctx).Info("Duplicate upload skipped",
		logging.CaseID(up.CaseID),
		logging.Path(name), "duplicate_of", rec.DuplicateOf)
	return res, nil
}

// reject moves a freshly created record for an unsupported or corrupt file to
// Failed, keeping the cause as its last error.
func (c *Coordinator) reject(ctx context.Context, up Upload, name string, f *models.FileRecord, cause error, res *models.Result, start time.Time) (*models.Result, error) {
	msg := cause.Error()
	updated, err := c.repo.UpdateStatus(ctx, f.ID, f.Version, models.StatusUpdate{
		Status:    models.StatusFailed,
		Note:      &msg,
		LastError: &msg,
	})
	if err != nil {
		return nil, fmt.Errorf("fail file %d: %w", f.ID, err)
	}
	res.FinalStatus = updated.Status
	res.Outcome = models.OutcomeFailed
	res.Message = msg
	res.Duration = time.Since(start)

	c.logger.WithContext(ctx).Warn("Upload rejected",
		logging.CaseID(up.CaseID),
		logging.FileID(f.ID),
		logging.Path(name),
		logging.Error(cause))
	return res, nil
}

func (c *Coordinator) discard(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.WithContext(ctx).Warn("Failed to remove staged file", logging.Path(path), logging.Error(err))
	}
}

func (c *Coordinator) staging() string {
	if c.stagingDir != "" {
		return c.stagingDir
	}
	return filepath.Join(os.TempDir(), "telhawk-triage")
}

// stageCopy copies src into dir under name's base name.
func stageCopy(src, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer in.Close()

	dst := filepath.Join(dir, filepath.Base(name))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	return dst, nil
}
