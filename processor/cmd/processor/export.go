package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/storage"
)

type exportFlags struct {
	caseID        int64
	fileIDs       []int64
	ruleHits      bool
	iocHits       bool
	includeHidden bool
	text          string
	from          string
	to            string
	out           string
}

// query turns the flags into an event query.
func (f exportFlags) query() (models.EventQuery, error) {
	if f.caseID <= 0 {
		return models.EventQuery{}, errors.New("--case is required")
	}
	q := models.EventQuery{
		CaseID:        f.caseID,
		FileIDs:       f.fileIDs,
		IncludeHidden: f.includeHidden,
		Text:          f.text,
	}
	if f.ruleHits {
		yes := true
		q.HasRuleHit = &yes
	}
	if f.iocHits {
		yes := true
		q.HasIOC = &yes
	}
	for _, bound := range []struct {
		flag string
		val  string
		dst  **time.Time
	}{{"--from", f.from, &q.From}, {"--to", f.to, &q.To}} {
		if bound.val == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, bound.val)
		if err != nil {
			return models.EventQuery{}, fmt.Errorf("%s: %w", bound.flag, err)
		}
		*bound.dst = &t
	}
	return q, nil
}

func newExportCmd(a *app) *cobra.Command {
	var f exportFlags
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export indexed events as NDJSON",
		Example: `  processor export --case 7 --rule-hits > hits.ndjson
  processor export --case 7 --file 3 --from 2024-01-01T00:00:00Z --out file3.ndjson`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := f.query()
			if err != nil {
				return err
			}
			idx, err := a.openIndex()
			if err != nil {
				return err
			}

			var w io.Writer = a.out
			if f.out != "" && f.out != "-" {
				file, err := os.Create(f.out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}

			n, err := storage.ExportNDJSON(cmd.Context(), idx, q, w)
			if err != nil {
				return err
			}
			a.logger.Info("Export finished", "events", n, "case_id", q.CaseID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&f.caseID, "case", 0, "case ID")
	cmd.Flags().Int64SliceVar(&f.fileIDs, "file", nil, "file ID (repeatable)")
	cmd.Flags().BoolVar(&f.ruleHits, "rule-hits", false, "only events with a rule hit")
	cmd.Flags().BoolVar(&f.iocHits, "ioc-hits", false, "only events with an IOC match")
	cmd.Flags().BoolVar(&f.includeHidden, "include-hidden", false, "include hidden events")
	cmd.Flags().StringVar(&f.text, "text", "", "phrase matched against the flattened search field")
	cmd.Flags().StringVar(&f.from, "from", "", "earliest event time (RFC3339)")
	cmd.Flags().StringVar(&f.to, "to", "", "latest event time (RFC3339)")
	cmd.Flags().StringVar(&f.out, "out", "", "output file (default stdout)")
	return cmd
}
