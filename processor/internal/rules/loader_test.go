package rules_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/repository"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/rules"
)

const failedLogon = `title: Failed Logon
id: 2c8b1a44-0d7e-4c55-8f1f-8e7d3b9f6a01
status: stable
level: Medium
logsource:
  product: windows
  service: security
detection:
  selection:
    EventID: 4625
  condition: selection
`

const collection = `action: global
title: Suspicious Process Creation
detection:
  condition: selection
---
title: Encoded PowerShell
level: high
detection:
  selection:
    CommandLine|contains: ' -enc '
  condition: selection
---
title: Old Technique
status: deprecated
detection:
  selection:
    EventID: 4697
  condition: selection
`

func TestParse_SingleRule(t *testing.T) {
	parsed, err := rules.Parse([]byte(failedLogon))

	require.NoError(t, err)
	require.Len(t, parsed, 1)
	r := parsed[0]
	assert.Equal(t, "2c8b1a44-0d7e-4c55-8f1f-8e7d3b9f6a01", r.ID)
	assert.Equal(t, "Failed Logon", r.Title)
	assert.Equal(t, "medium", r.Level)
	assert.True(t, r.Enabled)

	// The stored text is the rule itself, readable by the engine
	var back map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(r.Source), &back))
	assert.Equal(t, "selection", back["detection"].(map[string]interface{})["condition"])
}

func TestParse_Collection(t *testing.T) {
	parsed, err := rules.Parse([]byte(collection))

	require.NoError(t, err)
	require.Len(t, parsed, 2, "the global header is not a rule")
	assert.Equal(t, "Encoded PowerShell", parsed[0].Title)
	assert.True(t, parsed[0].Enabled)
	assert.Equal(t, "Old Technique", parsed[1].Title)
	assert.False(t, parsed[1].Enabled)
	assert.NotContains(t, parsed[0].Source, "Old Technique")
}

func TestParse_GeneratedIDIsStable(t *testing.T) {
	doc := "title: No ID\ndetection:\n  condition: sel\n"

	a, err := rules.Parse([]byte(doc))
	require.NoError(t, err)
	b, err := rules.Parse([]byte(doc))
	require.NoError(t, err)

	require.Len(t, a, 1)
	assert.NotEmpty(t, a[0].ID)
	assert.Equal(t, a[0].ID, b[0].ID)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing title", "detection:\n  condition: sel\n"},
		{"missing condition", "title: X\ndetection:\n  sel:\n    EventID: 1\n"},
		{"unknown level", "title: X\nlevel: severe\ndetection:\n  condition: sel\n"},
		{"not yaml", "title: [unclosed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rules.Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, rules.ErrInvalidRule)
		})
	}
}

func TestLoader_ImportDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "windows"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "windows", "failed_logon.yml"), []byte(failedLogon), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "process.yaml"), []byte(collection), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("title: X\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# rules"), 0o644))

	repo := repository.NewInMemoryRepository()
	loader := rules.NewLoader(repo, logging.Discard())

	res, err := loader.ImportDir(context.Background(), dir)

	require.NoError(t, err)
	assert.Equal(t, 3, res.Imported)
	assert.Equal(t, 1, res.Disabled)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, filepath.Join(dir, "broken.yml"), res.Failed[0].Path)
	assert.ErrorIs(t, res.Failed[0], rules.ErrInvalidRule)

	enabled, err := repo.ListEnabledRules(context.Background())
	require.NoError(t, err)
	titles := make([]string, 0, len(enabled))
	for _, r := range enabled {
		titles = append(titles, r.Title)
	}
	assert.ElementsMatch(t, []string{"Failed Logon", "Encoded PowerShell"}, titles)
}

func TestLoader_ReimportUpdatesInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "failed_logon.yml")
	require.NoError(t, os.WriteFile(path, []byte(failedLogon), 0o644))
	repo := repository.NewInMemoryRepository()
	loader := rules.NewLoader(repo, logging.Discard())
	ctx := context.Background()

	_, err := loader.ImportDir(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(failedLogon+"falsepositives:\n  - admins\n"), 0o644))
	_, err = loader.ImportDir(ctx, dir)
	require.NoError(t, err)

	enabled, err := repo.ListEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Contains(t, enabled[0].Source, "admins")
}

type failingStore struct{}

func (failingStore) UpsertRule(ctx context.Context, rule *models.Rule) error {
	return errors.New("database is read-only")
}

func TestLoader_StoreFailureAborts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte(failedLogon), 0o644))

	_, err := rules.NewLoader(failingStore{}, logging.Discard()).ImportDir(context.Background(), dir)

	assert.ErrorContains(t, err, "read-only")
}

func TestLoader_MissingDir(t *testing.T) {
	_, err := rules.NewLoader(repository.NewInMemoryRepository(), logging.Discard()).
		ImportDir(context.Background(), filepath.Join(t.TempDir(), "nope"))

	assert.ErrorIs(t, err, os.ErrNotExist)
}
