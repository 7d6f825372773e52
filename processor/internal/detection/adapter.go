package detection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/sony/gobreaker"

	"github.com/telhawk-systems/telhawk-triage/common/config"
	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// Store is the slice of the metadata store the adapter writes to.
type Store interface {
	ListEnabledRules(ctx context.Context) ([]*models.Rule, error)
	InsertViolations(ctx context.Context, violations []*models.RuleViolation) (int64, error)
	ClearViolations(ctx context.Context, fileIDs []int64) (int64, error)
}

// Events is the slice of the index the adapter reads and patches.
type Events interface {
	Scroll(ctx context.Context, q models.EventQuery, fn func(*models.NormalizedEvent) error) error
	UpdateFlags(ctx context.Context, caseID int64, patches []models.FlagPatch) error
	ResetFlags(ctx context.Context, caseID, fileID int64, kind models.FlagKind) error
}

// Summary reports what one detection pass did.
type Summary struct {
	Rules      int
	Events     int
	Findings   int
	Violations int64
}

// Adapter exports one file's events, runs the engine behind a circuit breaker
// and records the findings.
type Adapter struct {
	store       Store
	events      Events
	engine      Engine
	breaker     *gobreaker.CircuitBreaker
	workDir     string
	sourceTypes map[models.SourceType]bool
	logger      *logging.Logger
}

func NewAdapter(cfg config.DetectionConfig, store Store, events Events, engine Engine, workDir string, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.Default()
	}
	types := make(map[models.SourceType]bool, len(cfg.SourceTypes))
	for _, s := range cfg.SourceTypes {
		if st, err := models.ParseSourceType(s); err == nil {
			types[st] = true
		}
	}

	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "detection-engine",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	return &Adapter{
		store:       store,
		events:      events,
		engine:      engine,
		breaker:     breaker,
		workDir:     workDir,
		sourceTypes: types,
		logger:      logger,
	}
}

// Applies reports whether rule testing runs for a source type.
func (a *Adapter) Applies(st models.SourceType) bool {
	return a.sourceTypes[st]
}

// BreakerState exposes the circuit breaker state for health reporting.
func (a *Adapter) BreakerState() gobreaker.State {
	return a.breaker.State()
}

// Run replaces the file's rule findings. Prior violations and rule-hit flags
// of this file are cleared first, so a failed run leaves the pass at zero.
func (a *Adapter) Run(ctx context.Context, file *models.FileRecord) (*Summary, error) {
	sum := &Summary{}

	if _, err := a.store.ClearViolations(ctx, []int64{file.ID}); err != nil {
		return sum, fmt.Errorf("clear violations: %w", err)
	}
	if err := a.events.ResetFlags(ctx, file.CaseID, file.ID, models.FlagRule); err != nil {
		return sum, fmt.Errorf("reset rule flags: %w", err)
	}

	rules, err := a.store.ListEnabledRules(ctx)
	if err != nil {
		return sum, fmt.Errorf("list rules: %w", err)
	}
	sum.Rules = len(rules)
	if len(rules) == 0 {
		return sum, nil
	}

	if a.workDir != "" {
		if err := os.MkdirAll(a.workDir, 0o750); err != nil {
			return sum, fmt.Errorf("create work dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(a.workDir, fmt.Sprintf("detect-%d-", file.ID))
	if err != nil {
		return sum, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	rulesDir, err := writeRules(dir, rules)
	if err != nil {
		return sum, err
	}
	eventsPath := filepath.Join(dir, "events.jsonl")
	exported, err := a.exportEvents(ctx, file, eventsPath)
	if err != nil {
		return sum, err
	}
	sum.Events = len(exported)
	if len(exported) == 0 {
		return sum, nil
	}

	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.engine.Evaluate(ctx, rulesDir, eventsPath)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return sum, fmt.Errorf("%w: %v", ErrEngineFailed, err)
		}
		return sum, err
	}
	findings, _ := out.([]Finding)
	sum.Findings = len(findings)

	violations, patches := a.attribute(file, rules, findings, exported)
	if len(violations) == 0 {
		return sum, nil
	}

	inserted, err := a.store.InsertViolations(ctx, violations)
	if err != nil {
		return sum, fmt.Errorf("insert violations: %w", err)
	}
	sum.Violations = inserted

	if err := a.events.UpdateFlags(ctx, file.CaseID, patches); err != nil {
		return sum, fmt.Errorf("patch rule hits: %w", err)
	}
	return sum, nil
}

// attribute turns findings into violations and flag patches. Event IDs that
// were not part of this file's export are dropped.
func (a *Adapter) attribute(file *models.FileRecord, rules []*models.Rule, findings []Finding, exported map[string]bool) ([]*models.RuleViolation, []models.FlagPatch) {
	byID := make(map[string]*models.Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}

	type key struct{ rule, event string }
	seen := make(map[key]bool)
	hits := make(map[string][]string)
	var violations []*models.RuleViolation
	var foreign int

	for _, f := range findings {
		title, level := f.RuleTitle, f.Level
		if r, ok := byID[f.RuleID]; ok {
			if title == "" {
				title = r.Title
			}
			if level == "" {
				level = r.Level
			}
		}
		if title == "" {
			title = f.RuleID
		}

		for _, eventID := range f.EventIDs {
			if !exported[eventID] {
				foreign++
				continue
			}
			k := key{f.RuleID, eventID}
			if seen[k] {
				continue
			}
			seen[k] = true
			violations = append(violations, &models.RuleViolation{
				CaseID:    file.CaseID,
				FileID:    file.ID,
				RuleID:    f.RuleID,
				RuleTitle: title,
				Level:     level,
				EventID:   eventID,
			})
			hits[eventID] = append(hits[eventID], title)
		}
	}
	if foreign > 0 {
		a.logger.Warn("Dropped findings for events outside the file",
			logging.FileID(file.ID), logging.Count(foreign))
	}

	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	patches := make([]models.FlagPatch, 0, len(ids))
	for _, id := range ids {
		patches = append(patches, models.FlagPatch{DocumentID: id, Kind: models.FlagRule, Values: hits[id]})
	}
	return violations, patches
}

// exportEvents writes the file's events, hidden ones included, as JSONL and
// returns the set of exported IDs.
func (a *Adapter) exportEvents(ctx context.Context, file *models.FileRecord, path string) (map[string]bool, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create events export: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	ids := make(map[string]bool)
	err = a.events.Scroll(ctx, models.EventQuery{
		CaseID:        file.CaseID,
		FileIDs:       []int64{file.ID},
		IncludeHidden: true,
	}, func(ev *models.NormalizedEvent) error {
		ids[ev.ID] = true
		return enc.Encode(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("export events: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("export events: %w", err)
	}
	return ids, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func writeRules(dir string, rules []*models.Rule) (string, error) {
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		return "", fmt.Errorf("create rules dir: %w", err)
	}
	for _, r := range rules {
		name := unsafeName.ReplaceAllString(r.ID, "_") + ".yml"
		if err := os.WriteFile(filepath.Join(rulesDir, name), []byte(r.Source), 0o644); err != nil {
			return "", fmt.Errorf("write rule %s: %w", r.ID, err)
		}
	}
	return rulesDir, nil
}
