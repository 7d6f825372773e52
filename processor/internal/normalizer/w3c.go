package normalizer

import (
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
)

// W3CNormalizer handles W3C extended log rows. Timestamps are the separate
// date and time columns, always UTC.
type W3CNormalizer struct{}

func (W3CNormalizer) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceExtendedWebLog
}

func (W3CNormalizer) Normalize(fc FileContext, rec parser.Record) (*models.NormalizedEvent, error) {
	var ts time.Time
	date := lookup(rec.Fields, false, "date")
	clock := lookup(rec.Fields, false, "time")
	if date != "" && clock != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", date+" "+clock); err == nil {
			ts = t.UTC()
		}
	}
	if ts.IsZero() {
		ts = firstTime(rec.Fields, false, "datetime", "date")
	}

	host := lookup(rec.Fields, false, "s-computername", "cs-host", "s-sitename", "s-ip")
	user := lookup(rec.Fields, false, "cs-username")

	ev, err := build(fc, rec, rec.Fields, ts, host, user)
	if err != nil {
		return nil, fmt.Errorf("normalize w3c row %d: %w", rec.Index, err)
	}
	return ev, nil
}
