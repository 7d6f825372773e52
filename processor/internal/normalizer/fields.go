package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// eventNamespace scopes the name-based UUIDs used as event identifiers.
var eventNamespace = uuid.MustParse("5b1f3d1e-7a43-4c55-9a0e-3c8a6f2f4d10")

// EventID derives the identifier of a record from the case, the file, the
// record position and a hash of its content. Re-indexing identical content
// therefore overwrites documents instead of adding new ones.
func EventID(caseID, fileID int64, index int, fields map[string]any) (string, error) {
	canonical, err := json.Marshal(fields) // map keys are emitted sorted
	if err != nil {
		return "", fmt.Errorf("canonicalize record %d: %w", index, err)
	}
	sum := sha256.Sum256(canonical)
	name := fmt.Sprintf("%d|%d|%d|%s", caseID, fileID, index, hex.EncodeToString(sum[:]))
	return uuid.NewSHA1(eventNamespace, []byte(name)).String(), nil
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ", "\u2028", " ", "\u2029", " ")

// SearchBlob concatenates every leaf value of data, in key order, into one
// line of text. Line breaks are replaced so phrase queries can match across
// what used to be separate lines.
func SearchBlob(data map[string]any) string {
	var parts []string
	collectLeaves(data, &parts)
	return strings.Join(strings.Fields(lineBreaks.Replace(strings.Join(parts, " "))), " ")
}

func collectLeaves(v any, parts *[]string) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectLeaves(t[k], parts)
		}
	case []any:
		for _, item := range t {
			collectLeaves(item, parts)
		}
	default:
		if s := stringify(v); s != "" {
			*parts = append(*parts, s)
		}
	}
}

// stringify renders a scalar leaf; nil and empty values render as "".
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

// lookup returns the first non-empty string found under any candidate key.
// Candidates may be dotted paths into nested objects. With fold set, keys
// match case-insensitively.
func lookup(data map[string]any, fold bool, candidates ...string) string {
	for _, c := range candidates {
		if v, ok := lookupValue(data, fold, c); ok {
			if s := strings.TrimSpace(stringify(v)); s != "" {
				if _, nested := v.(map[string]any); !nested {
					return s
				}
			}
		}
	}
	return ""
}

func lookupValue(data map[string]any, fold bool, path string) (any, bool) {
	if v, ok := getKey(data, fold, path); ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := getKey(data, fold, head)
	if !ok {
		return nil, false
	}
	m, ok := child.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupValue(m, fold, rest)
}

// getKey prefers an exact match. Folded matches are tried in sorted key
// order so a record holding both "User" and "user" always yields the same one.
func getKey(data map[string]any, fold bool, key string) (any, bool) {
	if v, ok := data[key]; ok {
		return v, true
	}
	if !fold {
		return nil, false
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if strings.EqualFold(k, key) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, false
	}
	sort.Strings(keys)
	return data[keys[0]], true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05 MST",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"01/02/2006 03:04:05 PM",
	"02/Jan/2006:15:04:05 -0700",
	time.RFC1123Z,
	time.RFC1123,
	"Jan 2 2006 15:04:05",
	"2006-01-02",
}

// parseTime interprets strings in common log layouts and numbers as Unix
// seconds, milliseconds or microseconds. Zone-less values are taken as UTC.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return fromEpoch(f)
		}
	case float64:
		return fromEpoch(t)
	case int64:
		return fromEpoch(float64(t))
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	switch {
	case f < 1e11: // seconds
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case f < 1e14: // milliseconds
		return time.UnixMilli(int64(f)).UTC(), true
	case f < 1e17: // microseconds
		return time.UnixMicro(int64(f)).UTC(), true
	}
	return time.Unix(0, int64(f)).UTC(), true
}

// firstTime returns the first candidate that parses as a timestamp.
func firstTime(data map[string]any, fold bool, candidates ...string) time.Time {
	for _, c := range candidates {
		if v, ok := lookupValue(data, fold, c); ok {
			if ts, ok := parseTime(v); ok {
				return ts
			}
		}
	}
	return time.Time{}
}
