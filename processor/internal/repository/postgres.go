package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/telhawk-triage/common/database"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

const fileColumns = `id, case_id, original_name, stored_path, content_hash, size, channel, source_type,
	status, status_note, event_count, violation_count, ioc_match_count, is_indexed, last_error,
	task_id, task_claimed_at, is_deleted, is_hidden, version, created_at, updated_at`

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Connection pool configuration
	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*models.FileRecord, error) {
	var (
		f                           models.FileRecord
		channel, sourceType, status string
		taskID                      *string
	)
	err := row.Scan(
		&f.ID, &f.CaseID, &f.OriginalName, &f.StoredPath, &f.ContentHash, &f.Size, &channel, &sourceType,
		&status, &f.StatusNote, &f.EventCount, &f.ViolationCount, &f.IOCMatchCount, &f.IsIndexed, &f.LastError,
		&taskID, &f.TaskClaimedAt, &f.IsDeleted, &f.IsHidden, &f.Version, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.Channel = models.Channel(channel)
	f.SourceType = models.SourceType(sourceType)
	f.Status = models.FileStatus(status)
	if taskID != nil {
		f.TaskID = *taskID
	}
	return &f, nil
}

// mapError translates driver errors into repository sentinels.
func mapError(err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case pgSerializationFailure:
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		}
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateFile inserts an accepted file. A concurrent upload of the same
// (case, hash, name) loses on the partial unique index and gets ErrDuplicate.
func (r *PostgresRepository) CreateFile(ctx context.Context, nf *models.NewFile) (*models.FileRecord, error) {
	query := `
		INSERT INTO files (case_id, original_name, stored_path, content_hash, size, channel, source_type,
			status, task_id, task_claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'Queued', $8, CASE WHEN $8::text IS NULL THEN NULL ELSE NOW() END)
		ON CONFLICT (case_id, content_hash, original_name) WHERE NOT is_deleted DO NOTHING
		RETURNING ` + fileColumns

	f, err := scanFile(r.pool.QueryRow(ctx, query,
		nf.CaseID, nf.OriginalName, nf.StoredPath, nf.ContentHash, nf.Size,
		string(nf.Channel), string(nf.SourceType), nullable(nf.TaskID),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create file: %w", mapError(err, ErrFileNotFound))
	}
	return f, nil
}

// GetFile retrieves a file by ID, including soft-deleted files.
func (r *PostgresRepository) GetFile(ctx context.Context, id int64) (*models.FileRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	f, err := scanFile(r.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// FindAcceptedFile looks up the live file holding (hash, name) in a case.
func (r *PostgresRepository) FindAcceptedFile(ctx context.Context, caseID int64, contentHash, name string) (*models.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE case_id = $1 AND content_hash = $2 AND original_name = $3 AND NOT is_deleted`

	f, err := scanFile(r.pool.QueryRow(ctx, query, caseID, contentHash, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to find file: %w", err)
	}
	return f, nil
}

// ListFiles returns the live files of a case ordered by ID.
func (r *PostgresRepository) ListFiles(ctx context.Context, caseID int64) ([]*models.FileRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+fileColumns+` FROM files
		WHERE case_id = $1 AND NOT is_deleted ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ClaimFile assigns a task in one conditional UPDATE. When no row qualifies the
// file is re-read to report why.
func (r *PostgresRepository) ClaimFile(ctx context.Context, req ClaimRequest) (*models.FileRecord, error) {
	query := `
		UPDATE files SET
			task_id = $2,
			task_claimed_at = NOW(),
			status = CASE WHEN $4 THEN 'Queued' ELSE status END,
			status_note = CASE WHEN $4 THEN '' ELSE status_note END,
			last_error = CASE WHEN $4 THEN '' ELSE last_error END,
			event_count = CASE WHEN $4 THEN 0 ELSE event_count END,
			violation_count = CASE WHEN $4 THEN 0 ELSE violation_count END,
			ioc_match_count = CASE WHEN $4 THEN 0 ELSE ioc_match_count END,
			is_indexed = CASE WHEN $4 THEN FALSE ELSE is_indexed END,
			is_hidden = CASE WHEN $4 THEN FALSE ELSE is_hidden END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted
			AND (task_id IS NULL
				OR ($3::float8 > 0 AND task_claimed_at < NOW() - make_interval(secs => $3::float8)))
			AND ($5::boolean IS NULL OR is_indexed = $5::boolean)
		RETURNING ` + fileColumns

	wctx, cancel := database.WriteContext(ctx)
	defer cancel()
	f, err := scanFile(r.pool.QueryRow(wctx, query,
		req.FileID, req.TaskID, req.Lease.Seconds(), req.Reset, req.Indexed,
	))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim file: %w", mapError(err, ErrFileNotFound))
	}

	current, getErr := r.GetFile(ctx, req.FileID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, claimRefusal(current, req, time.Now())
}

// claimRefusal explains why a claim did not apply to f.
func claimRefusal(f *models.FileRecord, req ClaimRequest, now time.Time) error {
	switch {
	case f.IsDeleted:
		return ErrFileNotFound
	case f.HasLiveTask(now, req.Lease):
		return fmt.Errorf("%w: task %s", ErrTaskActive, f.TaskID)
	case req.Indexed != nil && f.IsIndexed != *req.Indexed:
		return ErrIndexedState
	}
	return ErrConflict
}

// ReleaseTask clears a claim that was never enqueued.
func (r *PostgresRepository) ReleaseTask(ctx context.Context, fileID int64, taskID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE files SET task_id = NULL, task_claimed_at = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND task_id = $2`, fileID, taskID)
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	return nil
}

// TouchTask extends the lease of a running task.
func (r *PostgresRepository) TouchTask(ctx context.Context, fileID int64, taskID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE files SET task_claimed_at = NOW() WHERE id = $1 AND task_id = $2`, fileID, taskID)
	if err != nil {
		return fmt.Errorf("failed to touch task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateStatus writes one status change if version still matches. Counters are
// zeroed when the target status is pre-indexing.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, fileID, version int64, upd models.StatusUpdate) (*models.FileRecord, error) {
	query := `
		UPDATE files SET
			status = $3,
			status_note = COALESCE($4::text, status_note),
			last_error = COALESCE($5::text, last_error),
			event_count = CASE WHEN $11 THEN 0 ELSE COALESCE($6::bigint, event_count) END,
			violation_count = CASE WHEN $11 THEN 0 ELSE COALESCE($7::bigint, violation_count) END,
			ioc_match_count = CASE WHEN $11 THEN 0 ELSE COALESCE($8::bigint, ioc_match_count) END,
			is_indexed = COALESCE($9::boolean, is_indexed),
			is_hidden = COALESCE($10::boolean, is_hidden),
			task_id = CASE WHEN $12 THEN NULL ELSE task_id END,
			task_claimed_at = CASE WHEN $12 THEN NULL ELSE task_claimed_at END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND NOT is_deleted
		RETURNING ` + fileColumns

	wctx, cancel := database.WriteContext(ctx)
	defer cancel()
	f, err := scanFile(r.pool.QueryRow(wctx, query,
		fileID, version, string(upd.Status),
		upd.Note, upd.LastError, upd.EventCount, upd.ViolationCount, upd.IOCMatchCount,
		upd.IsIndexed, upd.IsHidden, upd.Status.IsPreIndexing(), upd.ClearTask,
	))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update status: %w", mapError(err, ErrFileNotFound))
	}

	current, getErr := r.GetFile(ctx, fileID)
	if getErr != nil {
		return nil, getErr
	}
	if current.IsDeleted {
		return nil, ErrFileNotFound
	}
	return nil, fmt.Errorf("%w: version %d, have %d", ErrConflict, current.Version, version)
}

// SoftDeleteFile hides a file and frees its (hash, name) for re-upload.
func (r *PostgresRepository) SoftDeleteFile(ctx context.Context, fileID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE files SET is_deleted = TRUE, task_id = NULL, task_claimed_at = NULL,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND NOT is_deleted`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// CreateSkipped records a rejected submission.
func (r *PostgresRepository) CreateSkipped(ctx context.Context, rec *models.SkippedRecord) error {
	var duplicateOf *int64
	if rec.DuplicateOf != 0 {
		duplicateOf = &rec.DuplicateOf
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO skipped_files (case_id, original_name, content_hash, size, reason, duplicate_of)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		rec.CaseID, rec.OriginalName, rec.ContentHash, rec.Size, rec.Reason, duplicateOf,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record skipped file: %w", err)
	}
	return nil
}

// ListSkipped returns the skipped submissions of a case.
func (r *PostgresRepository) ListSkipped(ctx context.Context, caseID int64) ([]*models.SkippedRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, case_id, original_name, content_hash, size, reason, COALESCE(duplicate_of, 0), created_at
		FROM skipped_files WHERE case_id = $1 ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list skipped files: %w", err)
	}
	defer rows.Close()

	var out []*models.SkippedRecord
	for rows.Next() {
		rec := &models.SkippedRecord{}
		if err := rows.Scan(&rec.ID, &rec.CaseID, &rec.OriginalName, &rec.ContentHash,
			&rec.Size, &rec.Reason, &rec.DuplicateOf, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan skipped file: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertRule inserts or replaces a rule by ID.
func (r *PostgresRepository) UpsertRule(ctx context.Context, rule *models.Rule) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO rules (id, title, level, enabled, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, level = EXCLUDED.level, enabled = EXCLUDED.enabled,
			source = EXCLUDED.source, updated_at = NOW()
		RETURNING created_at, updated_at`,
		rule.ID, rule.Title, rule.Level, rule.Enabled, rule.Source,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

// ListEnabledRules returns enabled rules ordered by ID.
func (r *PostgresRepository) ListEnabledRules(ctx context.Context) ([]*models.Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, title, level, enabled, source, created_at, updated_at
		FROM rules WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*models.Rule
	for rows.Next() {
		rule := &models.Rule{}
		if err := rows.Scan(&rule.ID, &rule.Title, &rule.Level, &rule.Enabled, &rule.Source,
			&rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// InsertViolations writes violations, ignoring (rule, file, event) repeats.
func (r *PostgresRepository) InsertViolations(ctx context.Context, violations []*models.RuleViolation) (int64, error) {
	if len(violations) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, v := range violations {
		batch.Queue(`
			INSERT INTO rule_violations (case_id, file_id, rule_id, rule_title, level, event_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (rule_id, file_id, event_id) DO NOTHING`,
			v.CaseID, v.FileID, v.RuleID, v.RuleTitle, v.Level, v.EventID)
	}
	return r.execBatch(ctx, batch, "insert violations")
}

// ClearViolations deletes the violations of the given files only.
func (r *PostgresRepository) ClearViolations(ctx context.Context, fileIDs []int64) (int64, error) {
	return r.deleteByFiles(ctx, "rule_violations", fileIDs)
}

// CountViolations counts the violations attributed to one file.
func (r *PostgresRepository) CountViolations(ctx context.Context, fileID int64) (int64, error) {
	return r.countByFile(ctx, "rule_violations", fileID)
}

// CreateIOC adds an indicator to a case.
func (r *PostgresRepository) CreateIOC(ctx context.Context, ioc *models.IOC) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO iocs (case_id, type, value, description, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (case_id, type, value) DO UPDATE SET
			description = EXCLUDED.description, active = EXCLUDED.active
		RETURNING id, created_at`,
		ioc.CaseID, string(ioc.Type), ioc.Value, ioc.Description, ioc.Active,
	).Scan(&ioc.ID, &ioc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create ioc: %w", err)
	}
	return nil
}

// ListActiveIOCs returns the active indicators of a case.
func (r *PostgresRepository) ListActiveIOCs(ctx context.Context, caseID int64) ([]*models.IOC, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, case_id, type, value, description, active, created_at
		FROM iocs WHERE case_id = $1 AND active ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list iocs: %w", err)
	}
	defer rows.Close()

	var iocs []*models.IOC
	for rows.Next() {
		var iocType string
		ioc := &models.IOC{}
		if err := rows.Scan(&ioc.ID, &ioc.CaseID, &iocType, &ioc.Value, &ioc.Description,
			&ioc.Active, &ioc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ioc: %w", err)
		}
		ioc.Type = models.IOCType(iocType)
		iocs = append(iocs, ioc)
	}
	return iocs, rows.Err()
}

// InsertIOCMatches writes matches, ignoring (ioc, file, event) repeats.
func (r *PostgresRepository) InsertIOCMatches(ctx context.Context, matches []*models.IOCMatch) (int64, error) {
	if len(matches) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, m := range matches {
		batch.Queue(`
			INSERT INTO ioc_matches (case_id, ioc_id, file_id, event_id, matched_value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (ioc_id, file_id, event_id) DO NOTHING`,
			m.CaseID, m.IOCID, m.FileID, m.EventID, m.MatchedValue)
	}
	return r.execBatch(ctx, batch, "insert ioc matches")
}

// ClearIOCMatches deletes the matches of the given files only.
func (r *PostgresRepository) ClearIOCMatches(ctx context.Context, fileIDs []int64) (int64, error) {
	return r.deleteByFiles(ctx, "ioc_matches", fileIDs)
}

// CountIOCMatches counts the matches attributed to one file.
func (r *PostgresRepository) CountIOCMatches(ctx context.Context, fileID int64) (int64, error) {
	return r.countByFile(ctx, "ioc_matches", fileID)
}

// CreateTag tags one event.
func (r *PostgresRepository) CreateTag(ctx context.Context, tag *models.EventTag) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO event_tags (case_id, file_id, event_id, tag)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_id, event_id, tag) DO UPDATE SET tag = EXCLUDED.tag
		RETURNING id, created_at`,
		tag.CaseID, tag.FileID, tag.EventID, tag.Tag,
	).Scan(&tag.ID, &tag.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tag: %w", mapError(err, ErrFileNotFound))
	}
	return nil
}

// ClearTags deletes the tags of the given files only.
func (r *PostgresRepository) ClearTags(ctx context.Context, fileIDs []int64) (int64, error) {
	return r.deleteByFiles(ctx, "event_tags", fileIDs)
}

// RecomputeCaseStats rebuilds the case aggregate from its file rows.
func (r *PostgresRepository) RecomputeCaseStats(ctx context.Context, caseID int64) (*models.CaseStats, error) {
	stats := &models.CaseStats{}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO case_stats (case_id, file_count, event_count, violation_count, ioc_match_count, updated_at)
		SELECT $1::bigint,
			COUNT(*)::bigint,
			COALESCE(SUM(event_count), 0)::bigint,
			COALESCE(SUM(violation_count), 0)::bigint,
			COALESCE(SUM(ioc_match_count), 0)::bigint,
			NOW()
		FROM files WHERE case_id = $1 AND NOT is_deleted
		ON CONFLICT (case_id) DO UPDATE SET
			file_count = EXCLUDED.file_count,
			event_count = EXCLUDED.event_count,
			violation_count = EXCLUDED.violation_count,
			ioc_match_count = EXCLUDED.ioc_match_count,
			updated_at = EXCLUDED.updated_at
		RETURNING case_id, file_count, event_count, violation_count, ioc_match_count, updated_at`,
		caseID,
	).Scan(&stats.CaseID, &stats.FileCount, &stats.EventCount, &stats.ViolationCount,
		&stats.IOCMatchCount, &stats.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute case stats: %w", mapError(err, ErrFileNotFound))
	}
	return stats, nil
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the database connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) execBatch(ctx context.Context, batch *pgx.Batch, op string) (int64, error) {
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	var affected int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			return affected, fmt.Errorf("failed to %s: %w", op, mapError(err, ErrFileNotFound))
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

// deleteByFiles removes rows of table belonging to fileIDs. table is always a
// package constant.
func (r *PostgresRepository) deleteByFiles(ctx context.Context, table string, fileIDs []int64) (int64, error) {
	if len(fileIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM `+table+` WHERE file_id = ANY($1)`, fileIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) countByFile(ctx context.Context, table string, fileID int64) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+table+` WHERE file_id = $1`, fileID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

var _ Repository = (*PostgresRepository)(nil)
