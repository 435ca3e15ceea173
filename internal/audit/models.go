package audit

import (
	"fmt"
	"strings"
	"time"
)

// ThreatLevel grades how security-relevant an event is.
type ThreatLevel string

const (
	ThreatInfo     ThreatLevel = "info"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ThreatLevels lists every level from least to most severe.
var ThreatLevels = []ThreatLevel{ThreatInfo, ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical}

// Rank orders levels; unknown levels rank with info.
func (t ThreatLevel) Rank() int {
	for i, l := range ThreatLevels {
		if l == t {
			return i
		}
	}
	return 0
}

// AtLeast reports whether t is as severe as other.
func (t ThreatLevel) AtLeast(other ThreatLevel) bool {
	return t.Rank() >= other.Rank()
}

// ParseThreatLevel accepts a level name in any case.
func ParseThreatLevel(s string) (ThreatLevel, error) {
	l := ThreatLevel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ThreatLevels {
		if l == known {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown threat level %q", s)
}

// Event is one immutable audit record.
type Event struct {
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	UserID      string         `json:"user_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Resource    string         `json:"resource,omitempty"`
	Action      string         `json:"action,omitempty"`
	Result      string         `json:"result,omitempty"`
	ThreatLevel ThreatLevel    `json:"threat_level"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	SourceIP    string         `json:"source_ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
}

// QueryOpts holds filters for event queries. Zero values match everything.
type QueryOpts struct {
	UserID      string
	EventType   string
	ThreatLevel ThreatLevel
	Start       time.Time
	End         time.Time
	Limit       int
}

const defaultQueryLimit = 100

func (q QueryOpts) match(e *Event) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.ThreatLevel != "" && e.ThreatLevel != q.ThreatLevel {
		return false
	}
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.Timestamp.After(q.End) {
		return false
	}
	return true
}

// Filter applies q to events (assumed chronological) and returns the newest
// Limit matches in chronological order.
func Filter(events []Event, q QueryOpts) []Event {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	var out []Event
	for i := range events {
		if q.match(&events[i]) {
			out = append(out, events[i])
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// UserCount is a per-user event tally.
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// Summary aggregates recent events.
type Summary struct {
	Hours           int                 `json:"hours"`
	TotalEvents     int                 `json:"total_events"`
	ByThreatLevel   map[ThreatLevel]int `json:"by_threat_level"`
	ByEventType     map[string]int      `json:"by_event_type"`
	TopUsers        []UserCount         `json:"top_users"`
	HighThreatCount int                 `json:"high_threat_count"`
}
