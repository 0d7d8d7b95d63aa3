// Package urgency scans live transcript batches for content that needs the
// owner's attention right away.
//
// Scans run on every ingestion tick, independent of conversation
// enrichment. A [Scanner] classifies the batch; the [Monitor] bounds each
// scan with a short deadline, swallows every failure and hands actionable
// results to a notifier without waiting for delivery.
package urgency

import (
	"context"
	"strings"
)

// Level is the ordered urgency scale.
type Level string

const (
	LevelNone     Level = "none"
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var ranks = map[Level]int{
	LevelNone:     0,
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// IsValid reports whether l is one of the defined levels.
func (l Level) IsValid() bool {
	_, ok := ranks[l]
	return ok
}

// Rank returns the position of l on the scale. Unknown levels rank as none.
func (l Level) Rank() int { return ranks[l] }

// AtLeast reports whether l is as urgent as floor or more.
func (l Level) AtLeast(floor Level) bool { return l.Rank() >= floor.Rank() }

// ParseLevel maps a label onto the scale. Unknown labels become
// [LevelNone].
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l.IsValid() {
		return l
	}
	return LevelNone
}

// Result is the classification of one batch.
type Result struct {
	Level        Level   `json:"level"`
	Category     string  `json:"category"`
	Reasoning    string  `json:"reasoning"`
	ActionNeeded bool    `json:"action_needed"`
	Confidence   float64 `json:"confidence"`
}

// Scanner classifies transcript text. Implementations must honour ctx
// cancellation and be safe for concurrent use.
type Scanner interface {
	Scan(ctx context.Context, text string) (Result, error)
}
