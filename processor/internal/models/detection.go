package models

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Rules
// =============================================================================

// Rule is a detection rule handed verbatim to the external engine.
type Rule struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Level     string    `json:"level,omitempty"`
	Enabled   bool      `json:"enabled"`
	Source    string    `json:"source"` // Engine-specific rule text
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleViolation links a rule to one event of one file.
type RuleViolation struct {
	ID        int64     `json:"id"`
	CaseID    int64     `json:"case_id"`
	FileID    int64     `json:"file_id"`
	RuleID    string    `json:"rule_id"`
	RuleTitle string    `json:"rule_title"`
	Level     string    `json:"level,omitempty"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// IOCs
// =============================================================================

// IOCType is the kind of value an IOC carries.
type IOCType string

const (
	IOCTypeIP          IOCType = "ip"
	IOCTypeDomain      IOCType = "domain"
	IOCTypeHostname    IOCType = "hostname"
	IOCTypeHash        IOCType = "hash"
	IOCTypeUsername    IOCType = "username"
	IOCTypeURL         IOCType = "url"
	IOCTypeCommandLine IOCType = "command_line"
	IOCTypeFilename    IOCType = "filename"
	IOCTypeRegistry    IOCType = "registry"
	IOCTypeOther       IOCType = "other"
)

// ParseIOCType validates an IOC type string.
func ParseIOCType(s string) (IOCType, error) {
	switch t := IOCType(strings.ToLower(s)); t {
	case IOCTypeIP, IOCTypeDomain, IOCTypeHostname, IOCTypeHash, IOCTypeUsername,
		IOCTypeURL, IOCTypeCommandLine, IOCTypeFilename, IOCTypeRegistry, IOCTypeOther:
		return t, nil
	}
	return "", fmt.Errorf("unknown IOC type %q", s)
}

// IOC is an indicator hunted for within one case.
type IOC struct {
	ID          int64     `json:"id"`
	CaseID      int64     `json:"case_id"`
	Type        IOCType   `json:"type"`
	Value       string    `json:"value"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// IOCMatch attributes one IOC hit to exactly one (ioc, file, event) triple.
type IOCMatch struct {
	ID           int64     `json:"id"`
	CaseID       int64     `json:"case_id"`
	IOCID        int64     `json:"ioc_id"`
	FileID       int64     `json:"file_id"`
	EventID      string    `json:"event_id"`
	MatchedValue string    `json:"matched_value"`
	CreatedAt    time.Time `json:"created_at"`
}

// EventTag is an analyst or timeline tag pointing at an indexed event.
type EventTag struct {
	ID        int64     `json:"id"`
	CaseID    int64     `json:"case_id"`
	FileID    int64     `json:"file_id"`
	EventID   string    `json:"event_id"`
	Tag       string    `json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}
