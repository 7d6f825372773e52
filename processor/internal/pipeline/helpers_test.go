package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/dedup"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/detection"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/ioc"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/lock"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/pipeline"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/retry"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/storage"
)

// jsonlEventLog stands in for the external event log decoder: the staged
// file already holds decoder output.
type jsonlEventLog struct{ *parser.JSONParser }

func (jsonlEventLog) Type() models.SourceType { return models.SourceEventLog }

// blobEngine reports one finding for every exported event whose search blob
// contains needle.
type blobEngine struct {
	needle string
	err    error
}

func (b *blobEngine) Evaluate(ctx context.Context, rulesDir, eventsPath string) ([]detection.Finding, error) {
	if b.err != nil {
		return nil, b.err
	}
	data, err := os.ReadFile(eventsPath)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev models.NormalizedEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, err
		}
		if strings.Contains(ev.SearchBlob, b.needle) {
			ids = append(ids, ev.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return []detection.Finding{{RuleID: "failed-logon", EventIDs: ids}}, nil
}

type env struct {
	t      *testing.T
	ctx    context.Context
	dir    string
	repo   *repository.InMemoryRepository
	index  *storage.MemoryIndex
	engine *blobEngine
	locker *lock.LocalLocker
	deps   pipeline.Deps
	pipe   *pipeline.Pipeline
	seq    int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:      t,
		ctx:    context.Background(),
		dir:    t.TempDir(),
		repo:   repository.NewInMemoryRepository(),
		index:  storage.NewMemoryIndex(),
		engine: &blobEngine{needle: "4625"},
		locker: lock.NewLocalLocker(),
	}

	parsers := parser.NewRegistry(parser.DecoderConfig{})
	parsers.Register(jsonlEventLog{&parser.JSONParser{}})

	detector := detection.NewAdapter(config.DetectionConfig{
		SourceTypes: []string{"evtx"},
		Breaker:     config.BreakerConfig{FailureThreshold: 1000},
	}, e.repo, e.index, e.engine, e.dir, logging.Discard())

	e.deps = pipeline.Deps{
		Repo:     e.repo,
		Index:    e.index,
		Parsers:  parsers,
		Ledger:   dedup.NewLedger(e.repo),
		Detector: detector,
		Hunter:   ioc.NewHunter(config.IOCConfig{PageSize: 2}, e.repo, e.index, logging.Discard()),
		Locker:   e.locker,
		Retry: retry.Policy{
			Initial:     time.Millisecond,
			MaxInterval: 5 * time.Millisecond,
			MaxElapsed:  100 * time.Millisecond,
		},
		BatchSize: 2,
		Logger:    logging.Discard(),
	}
	e.pipe = pipeline.New(e.deps)

	require.NoError(t, e.repo.UpsertRule(e.ctx, &models.Rule{
		ID: "failed-logon", Title: "Failed Logon", Level: "medium", Enabled: true, Source: "title: Failed Logon",
	}))
	return e
}

// securityLog is decoder output for five events, two of them failed logons
// and three from 10.0.0.5.
func securityLog() string {
	rows := []struct {
		id   int
		user string
		ip   string
	}{
		{4624, "alice", "10.0.0.5"},
		{4625, "bob", "10.0.0.5"},
		{4625, "bob", "10.0.0.5"},
		{4624, "carol", "192.168.1.20"},
		{4688, "alice", "-"},
	}
	var b strings.Builder
	for i, r := range rows {
		fmt.Fprintf(&b, `{"Event":{"System":{"EventID":%d,"Computer":"WS01","TimeCreated":{"#attributes":{"SystemTime":"2024-01-01T00:00:0%dZ"}}},"EventData":{"TargetUserName":"%s","IpAddress":"%s"}}}`+"\n",
			r.id, i, r.user, r.ip)
	}
	return b.String()
}

// ingest stages content and creates the FileRecord with a claimed task, the
// way the coordinator does.
func (e *env) ingest(caseID int64, name, content string, st models.SourceType) (*models.FileRecord, models.Task) {
	e.t.Helper()
	e.seq++
	path := filepath.Join(e.dir, fmt.Sprintf("%d-%s", e.seq, name))
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0o644))
	hash, size, err := dedup.HashFile(path)
	require.NoError(e.t, err)

	taskID := fmt.Sprintf("task-%d", e.seq)
	f, err := e.repo.CreateFile(e.ctx, &models.NewFile{
		CaseID: caseID, OriginalName: name, StoredPath: path, ContentHash: hash, Size: size,
		Channel: models.ChannelInteractive, SourceType: st, TaskID: taskID,
	})
	require.NoError(e.t, err)
	return f, models.Task{TaskID: taskID, FileID: f.ID, CaseID: caseID, Mode: models.ModeFull}
}

// claim assigns a new task to an existing file.
func (e *env) claim(f *models.FileRecord, mode models.Mode, reset bool, indexed *bool) models.Task {
	e.t.Helper()
	e.seq++
	taskID := fmt.Sprintf("task-%d", e.seq)
	_, err := e.repo.ClaimFile(e.ctx, repository.ClaimRequest{
		FileID: f.ID, TaskID: taskID, Lease: time.Minute, Reset: reset, Indexed: indexed,
	})
	require.NoError(e.t, err)
	return models.Task{TaskID: taskID, FileID: f.ID, CaseID: f.CaseID, Mode: mode}
}

func (e *env) process(task models.Task) *models.Result {
	e.t.Helper()
	res, err := e.pipe.Process(e.ctx, task)
	require.NoError(e.t, err)
	return res
}

func (e *env) file(id int64) *models.FileRecord {
	e.t.Helper()
	f, err := e.repo.GetFile(e.ctx, id)
	require.NoError(e.t, err)
	return f
}

func stepNames(res *models.Result) []string {
	names := make([]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		names = append(names, s.Name)
	}
	return names
}

func ptr[T any](v T) *T { return &v }
