// Package logproto holds the wire model shared by the push and query paths.
package logproto

import (
	"time"
)

// Direction is the order in which entries are returned by a query.
type Direction int

const (
	// FORWARD returns entries in ascending timestamp order.
	FORWARD Direction = iota
	// BACKWARD returns entries in descending timestamp order.
	BACKWARD
)

func (d Direction) String() string {
	switch d {
	case FORWARD:
		return "FORWARD"
	case BACKWARD:
		return "BACKWARD"
	default:
		return "unknown"
	}
}

// ParseDirection parses the direction query parameter.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "", "forward", "FORWARD":
		return FORWARD, true
	case "backward", "BACKWARD":
		return BACKWARD, true
	default:
		return FORWARD, false
	}
}

// Entry is a single log line with its timestamp. Immutable once accepted.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Line      string    `json:"line"`
}

// Stream is an ordered batch of entries for one label set. Labels is the
// canonical string form of the label set, e.g. `{app="auth", env="prod"}`.
type Stream struct {
	Labels  string  `json:"labels"`
	Entries []Entry `json:"entries"`
}

// PushRequest is the body of a push call: one or more streams of entries.
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// QueryRequest selects entries by label selector and time range [Start, End).
type QueryRequest struct {
	Selector  string
	Start     time.Time
	End       time.Time
	Step      time.Duration
	Limit     int
	Direction Direction
}

// QueryResponse groups the selected entries by stream. Warnings carries
// partial-result conditions (e.g. missing or corrupt chunks) that did not
// abort the query.
type QueryResponse struct {
	Streams  []Stream `json:"streams"`
	Warnings []string `json:"warnings,omitempty"`
}
