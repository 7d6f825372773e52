package models

import "time"

// Document field names shared by the index writer and the detection passes.
const (
	FieldEventID     = "event_id"
	FieldCaseID      = "case_id"
	FieldFileID      = "file_id"
	FieldSourceType  = "source_type"
	FieldTimestamp   = "@timestamp"
	FieldHost        = "host"
	FieldUser        = "user"
	FieldSearchBlob  = "search_blob"
	FieldEventData   = "event_data"
	FieldHasIOC      = "has_ioc"
	FieldIOCMatches  = "ioc_matches"
	FieldHasRuleHit  = "has_rule_hit"
	FieldRuleHits    = "rule_hits"
	FieldIsHidden    = "is_hidden"
	FieldRecordIndex = "record_index"
)

// NormalizedEvent is the canonical, search-ready representation of one raw record.
type NormalizedEvent struct {
	ID          string         `json:"event_id"` // Deterministic, doubles as the document _id
	CaseID      int64          `json:"case_id"`
	FileID      int64          `json:"file_id"`
	SourceType  SourceType     `json:"source_type"`
	Timestamp   time.Time      `json:"@timestamp"`
	Host        string         `json:"host,omitempty"`
	User        string         `json:"user,omitempty"`
	SearchBlob  string         `json:"search_blob"`
	EventData   map[string]any `json:"event_data"`
	RecordIndex int            `json:"record_index"`

	// Detection overlay
	HasIOC     bool     `json:"has_ioc"`
	IOCMatches []string `json:"ioc_matches"`
	HasRuleHit bool     `json:"has_rule_hit"`
	RuleHits   []string `json:"rule_hits"`
	IsHidden   bool     `json:"is_hidden"`
}

// FlagKind selects which detection overlay a patch touches.
type FlagKind string

const (
	FlagRule FlagKind = "rule"
	FlagIOC  FlagKind = "ioc"
)

// Fields returns the boolean and list field names for the overlay.
func (k FlagKind) Fields() (flag, list string) {
	if k == FlagRule {
		return FieldHasRuleHit, FieldRuleHits
	}
	return FieldHasIOC, FieldIOCMatches
}

// FlagPatch adds values to one overlay list of one document and sets its flag.
type FlagPatch struct {
	DocumentID string
	Kind       FlagKind
	Values     []string
}

// EventQuery filters indexed events. Zero values mean "no filter", except
// IncludeHidden which defaults to excluding hidden events. When both Text and
// Terms are set an event matches if either does.
type EventQuery struct {
	CaseID        int64
	FileIDs       []int64
	HasRuleHit    *bool
	HasIOC        *bool
	IncludeHidden bool
	From          *time.Time
	To            *time.Time
	Text          string   // Phrase matched against the search blob
	Terms         []string // Exact, case-insensitive values matched against TermFields
	TermFields    []string
	Size          int
	Offset        int
}

// EventPage is one page of search results.
type EventPage struct {
	Total  int64              `json:"total"`
	Events []*NormalizedEvent `json:"events"`
}
