package normalizer

import (
	"fmt"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
)

var (
	jsonTimeFields = []string{
		"@timestamp", "timestamp", "time", "TimeCreated", "eventTime", "EventTime",
		"UtcTime", "date", "datetime", "ts", "event.created",
	}
	jsonHostFields = []string{
		"host.name", "hostname", "host", "computer", "Computer", "ComputerName",
		"device_name", "DeviceName", "agent.hostname",
	}
	jsonUserFields = []string{
		"user.name", "username", "user", "UserName", "userName", "TargetUserName",
		"AccountName", "userIdentity.userName", "actor",
	}
)

// JSONNormalizer handles generic JSON records (EDR exports, cloud audit logs).
type JSONNormalizer struct{}

func (JSONNormalizer) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceGenericJSON
}

func (JSONNormalizer) Normalize(fc FileContext, rec parser.Record) (*models.NormalizedEvent, error) {
	ts := firstTime(rec.Fields, false, jsonTimeFields...)
	host := lookup(rec.Fields, false, jsonHostFields...)
	user := lookup(rec.Fields, false, jsonUserFields...)

	ev, err := build(fc, rec, rec.Fields, ts, host, user)
	if err != nil {
		return nil, fmt.Errorf("normalize json record %d: %w", rec.Index, err)
	}
	return ev, nil
}
