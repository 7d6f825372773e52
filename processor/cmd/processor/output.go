package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/coordinator"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/dlq"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type table struct {
	headers []string
	rows    [][]string
}

func newTable(headers ...string) *table {
	return &table{headers: headers}
}

func (t *table) addRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) error {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	line := func(cells []string) {
		for i, cell := range cells {
			if i == len(cells)-1 {
				b.WriteString(cell)
				break
			}
			fmt.Fprintf(&b, "%-*s  ", widths[i], cell)
		}
		b.WriteString("\n")
	}
	line(t.headers)
	seps := make([]string, len(widths))
	for i, wd := range widths {
		seps[i] = strings.Repeat("-", wd)
	}
	line(seps)
	for _, row := range t.rows {
		line(row)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func id(n int64) string {
	if n == 0 {
		return "-"
	}
	return strconv.FormatInt(n, 10)
}

func counters(c map[string]int64) string {
	if len(c) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, c[k]))
	}
	return strings.Join(parts, " ")
}

func stepSummary(steps []models.StepResult) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, s.Name+":"+string(s.Status))
	}
	return strings.Join(parts, " ")
}

func (a *app) printResults(results []*models.Result) error {
	if a.output == "json" {
		if results == nil {
			results = []*models.Result{}
		}
		return writeJSON(a.out, results)
	}
	t := newTable("FILE", "MODE", "OUTCOME", "STATUS", "STEPS", "MESSAGE")
	for _, r := range results {
		t.addRow(id(r.FileID), string(r.Mode), string(r.Outcome), string(r.FinalStatus), stepSummary(r.Steps), r.Message)
	}
	return t.render(a.out)
}

func (a *app) printBulk(res *coordinator.BulkResult) error {
	if a.output == "json" {
		return writeJSON(a.out, res)
	}
	fmt.Fprintf(a.out, "case %d, mode %s, %d files in %s\n", res.CaseID, res.Mode, len(res.Files), res.Duration.Round(time.Millisecond))
	if res.PreClear != nil {
		fmt.Fprintf(a.out, "pre-clear: %s %s\n", res.PreClear.Status, counters(res.PreClear.Counters))
	}
	return a.printResults(res.Files)
}

func (a *app) printFiles(files []*models.FileRecord, stats *models.CaseStats) error {
	if a.output == "json" {
		return writeJSON(a.out, map[string]interface{}{"files": files, "stats": stats})
	}
	t := newTable("ID", "NAME", "TYPE", "STATUS", "EVENTS", "VIOLATIONS", "IOC MATCHES", "NOTE")
	for _, f := range files {
		note := f.StatusNote
		if f.LastError != "" {
			note = f.LastError
		}
		t.addRow(id(f.ID), f.OriginalName, string(f.SourceType), string(f.Status),
			strconv.FormatInt(f.EventCount, 10), strconv.FormatInt(f.ViolationCount, 10),
			strconv.FormatInt(f.IOCMatchCount, 10), note)
	}
	if err := t.render(a.out); err != nil {
		return err
	}
	if stats != nil {
		_, err := fmt.Fprintf(a.out, "\n%d files, %d events, %d violations, %d ioc matches\n",
			stats.FileCount, stats.EventCount, stats.ViolationCount, stats.IOCMatchCount)
		return err
	}
	return nil
}

func (a *app) printSkipped(recs []*models.SkippedRecord) error {
	if a.output == "json" {
		return writeJSON(a.out, recs)
	}
	t := newTable("ID", "NAME", "DUPLICATE OF", "REASON", "AT")
	for _, r := range recs {
		t.addRow(id(r.ID), r.OriginalName, id(r.DuplicateOf), r.Reason, r.CreatedAt.Format(time.RFC3339))
	}
	return t.render(a.out)
}

func (a *app) printDLQ(tasks []dlq.FailedTask) error {
	if a.output == "json" {
		if tasks == nil {
			tasks = []dlq.FailedTask{}
		}
		return writeJSON(a.out, tasks)
	}
	t := newTable("SEQ", "FILE", "MODE", "REASON", "STATUS", "AT", "ERROR")
	for _, ft := range tasks {
		t.addRow(strconv.FormatUint(ft.Sequence, 10), id(ft.Task.FileID), string(ft.Task.Mode),
			ft.Reason, string(ft.FinalStatus), ft.Timestamp.Format(time.RFC3339), ft.Error)
	}
	return t.render(a.out)
}
