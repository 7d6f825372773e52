package normalizer

import (
	"fmt"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
	"github.com/telhawk-systems/telhawk-triage/processor/internal/parser"
)

// EVTXNormalizer handles decoder output of Windows event logs:
//
//	{"Event": {"System": {...}, "EventData": {...}}}
//
// System and EventData are flattened into one map so fields such as
// IpAddress or TargetUserName sit directly under event_data.
type EVTXNormalizer struct{}

func (EVTXNormalizer) Supports(sourceType models.SourceType) bool {
	return sourceType == models.SourceEventLog
}

func (EVTXNormalizer) Normalize(fc FileContext, rec parser.Record) (*models.NormalizedEvent, error) {
	event, ok := rec.Fields["Event"].(map[string]any)
	if !ok {
		// Decoders that already emit flat records
		event = rec.Fields
	}

	data := make(map[string]any)
	system, _ := event["System"].(map[string]any)
	flattenSystem(system, data)
	for _, section := range []string{"EventData", "UserData"} {
		if payload, ok := event[section]; ok {
			flattenPayload(payload, data)
		}
	}
	if len(data) == 0 {
		for k, v := range event {
			data[k] = v
		}
	}

	ts := firstTime(data, false, "TimeCreated", "SystemTime")
	host := lookup(data, false, "Computer")
	user := lookup(data, false, "TargetUserName", "SubjectUserName", "User", "UserName", "AccountName", "UserID")
	if user == "-" {
		user = ""
	}

	ev, err := build(fc, rec, data, ts, host, user)
	if err != nil {
		return nil, fmt.Errorf("normalize evtx record %d: %w", rec.Index, err)
	}
	return ev, nil
}

// flattenSystem copies System values, unwrapping the decoder's #attributes
// and #text wrappers (TimeCreated.#attributes.SystemTime becomes TimeCreated).
func flattenSystem(system, out map[string]any) {
	for k, v := range system {
		switch t := v.(type) {
		case map[string]any:
			if text, ok := t["#text"]; ok {
				out[k] = text
				continue
			}
			attrs, _ := t["#attributes"].(map[string]any)
			switch {
			case k == "TimeCreated" && attrs["SystemTime"] != nil:
				out[k] = attrs["SystemTime"]
			case k == "Provider" && attrs["Name"] != nil:
				out["Provider"] = attrs["Name"]
			case k == "Security" && attrs["UserID"] != nil:
				out["UserID"] = attrs["UserID"]
			default:
				for ak, av := range attrs {
					out[k+"."+ak] = av
				}
			}
		default:
			out[k] = v
		}
	}
}

// flattenPayload merges EventData/UserData. Named Data elements become keys;
// anonymous ones are numbered.
func flattenPayload(payload any, out map[string]any) {
	m, ok := payload.(map[string]any)
	if !ok {
		if payload != nil {
			out["Data"] = payload
		}
		return
	}
	for k, v := range m {
		if k == "#attributes" {
			continue
		}
		if k == "Data" {
			if list, ok := v.([]any); ok {
				for i, item := range list {
					out[fmt.Sprintf("Data_%d", i)] = item
				}
				continue
			}
		}
		if nested, ok := v.(map[string]any); ok && k != "Data" {
			// UserData wraps its payload in one provider-specific element
			for nk, nv := range nested {
				if nk != "#attributes" {
					out[nk] = nv
				}
			}
			continue
		}
		out[k] = v
	}
}
