package normalizer

import (
	"fmt"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
)

var (
	csvTimeFields = []string{
		"timestamp", "time", "datetime", "date and time", "date_time", "TimeCreated",
		"UtcTime", "TimeGenerated", "event_time", "date",
	}
	csvHostFields = []string{"hostname", "host", "computer", "computername", "device", "machine"}
	csvUserFields = []string{"username", "user", "account", "accountname", "targetusername", "subjectusername"}
)

// CSVNormalizer handles header-delimited exports. Column names are matched
// without regard to case.
type CSVNormalizer struct{}

func (CSVNormalizer) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceDelimitedText
}

func (CSVNormalizer) Normalize(fc FileContext, rec parser.Record) (*models.NormalizedEvent, error) {
	ts := firstTime(rec.Fields, true, csvTimeFields...)
	host := lookup(rec.Fields, true, csvHostFields...)
	user := lookup(rec.Fields, true, csvUserFields...)

	ev, err := build(fc, rec, rec.Fields, ts, host, user)
	if err != nil {
		return nil, fmt.Errorf("normalize csv row %d: %w", rec.Index, err)
	}
	return ev, nil
}
