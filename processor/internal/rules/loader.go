// Package rules imports Sigma-style YAML detection rules into the metadata
// store. Rule text is stored verbatim for the external engine; only the
// header fields are interpreted here.
package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// ErrInvalidRule marks a rule document that cannot be imported.
var ErrInvalidRule = errors.New("invalid rule")

// ruleNamespace seeds the IDs of rules that carry none.
var ruleNamespace = uuid.MustParse("8f0e0a6c-5d3b-4c1e-9b57-7a2f3c1d9e40")

var levels = map[string]bool{
	"informational": true,
	"low":           true,
	"medium":        true,
	"high":          true,
	"critical":      true,
}

// document is the part of a rule the importer reads.
type document struct {
	ID        string                 `yaml:"id"`
	Title     string                 `yaml:"title"`
	Level     string                 `yaml:"level"`
	Status    string                 `yaml:"status"`
	Action    string                 `yaml:"action"`
	Detection map[string]interface{} `yaml:"detection"`
}

// Parse reads every rule document in data. Collection headers (documents
// with an action) are skipped. Deprecated and unsupported rules are returned
// disabled.
func Parse(data []byte) ([]*models.Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*models.Rule
	for n := 0; ; n++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", ErrInvalidRule, n, err)
		}

		var doc document
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", ErrInvalidRule, n, err)
		}
		if doc.Action != "" {
			continue
		}
		source, err := yaml.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("%w: document %d: %v", ErrInvalidRule, n, err)
		}
		rule, err := toRule(doc, string(source))
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", n, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

func toRule(doc document, source string) (*models.Rule, error) {
	title := strings.TrimSpace(doc.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: missing title", ErrInvalidRule)
	}
	if _, ok := doc.Detection["condition"]; !ok {
		return nil, fmt.Errorf("%w: %q has no detection condition", ErrInvalidRule, title)
	}
	level := strings.ToLower(strings.TrimSpace(doc.Level))
	if level != "" && !levels[level] {
		return nil, fmt.Errorf("%w: %q has unknown level %q", ErrInvalidRule, title, doc.Level)
	}

	id := strings.TrimSpace(doc.ID)
	if id == "" {
		id = uuid.NewSHA1(ruleNamespace, []byte(title)).String()
	}
	status := strings.ToLower(doc.Status)
	return &models.Rule{
		ID:      id,
		Title:   title,
		Level:   level,
		Enabled: status != "deprecated" && status != "unsupported",
		Source:  source,
	}, nil
}

// Store persists rules.
type Store interface {
	UpsertRule(ctx context.Context, rule *models.Rule) error
}

// FileError is a rule file that could not be read or parsed.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e FileError) Unwrap() error { return e.Err }

// ImportResult summarizes one import.
type ImportResult struct {
	Imported int
	Disabled int
	Failed   []FileError
}

type Loader struct {
	store  Store
	logger *logging.Logger
}

func NewLoader(store Store, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loader{store: store, logger: logger}
}

// ImportDir imports every .yml and .yaml file under dir. Files that do not
// parse are reported in the result and skipped; a store failure aborts.
func (l *Loader) ImportDir(ctx context.Context, dir string) (*ImportResult, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yml", ".yaml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rules dir %s: %w", dir, err)
	}
	sort.Strings(paths)

	res := &ImportResult{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		parsed, err := l.parseFile(path)
		if err != nil {
			l.logger.Warn("Skipping rule file", logging.Path(path), logging.Error(err))
			res.Failed = append(res.Failed, FileError{Path: path, Err: err})
			continue
		}
		for _, rule := range parsed {
			if err := l.store.UpsertRule(ctx, rule); err != nil {
				return res, fmt.Errorf("store rule %s: %w", rule.ID, err)
			}
			res.Imported++
			if !rule.Enabled {
				res.Disabled++
			}
		}
	}

	l.logger.Info("Rules imported",
		logging.Path(dir), logging.Count(res.Imported), "disabled", res.Disabled, "failed_files", len(res.Failed))
	return res, nil
}

func (l *Loader) parseFile(path string) ([]*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
