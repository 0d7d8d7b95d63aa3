package extraction

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/murmur/internal/timeparse"
	"github.com/MrWong99/murmur/pkg/types"
)

// DefaultMaxEventDuration caps event durations.
const DefaultMaxEventDuration = 180 * time.Minute

// DefaultEventDuration is used when a backend omits a duration.
const DefaultEventDuration = 30

// SummaryPayload is the wire form of a summary as produced by a backend.
// Times may be absolute (RFC 3339, or a local date-time in the owner's
// timezone) or relative phrases such as "next Tuesday at 2pm".
type SummaryPayload struct {
	Title       string              `json:"title"`
	Overview    string              `json:"overview"`
	Emoji       string              `json:"emoji"`
	Category    string              `json:"category"`
	ActionItems []ActionItemPayload `json:"action_items"`
	Events      []EventPayload      `json:"events"`
}

// ActionItemPayload is the wire form of an action item.
type ActionItemPayload struct {
	Description string `json:"description"`
	DueAt       string `json:"due_at,omitempty"`
	Completed   bool   `json:"completed,omitempty"`
}

// EventPayload is the wire form of an event.
type EventPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Start is an absolute time or a relative phrase.
	Start string `json:"start,omitempty"`

	// When is a relative phrase, used when Start is empty.
	When string `json:"when,omitempty"`

	// Duration is in minutes.
	Duration int `json:"duration"`
}

// MemoryPayload is the wire form of a memory extraction result.
type MemoryPayload struct {
	Memories []types.MemoryCandidate `json:"memories"`
}

// Validate reports [ErrMalformed] when p carries no usable content.
func (p *SummaryPayload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: empty summary", ErrMalformed)
	}
	if strings.TrimSpace(p.Title) == "" && strings.TrimSpace(p.Overview) == "" {
		return fmt.Errorf("%w: summary has neither title nor overview", ErrMalformed)
	}
	return nil
}

// localLayouts are accepted for absolute times without an offset; they are
// interpreted in the owner's timezone.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTime resolves an absolute or relative time expression against ref in
// loc. The result is in UTC.
func ParseTime(s string, ref time.Time, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), true
		}
	}
	return timeparse.Resolve(s, ref, loc)
}

// Summary converts p into a normalised [types.Summary]. ref is the
// conversation start used to anchor relative phrases and loc is the owner's
// timezone. Events whose start cannot be resolved are dropped; action items
// keep their description even when the due time is unparseable.
func (p *SummaryPayload) Summary(ref time.Time, loc *time.Location, maxDuration time.Duration) *types.Summary {
	if loc == nil {
		loc = time.UTC
	}
	s := &types.Summary{
		Title:       strings.TrimSpace(p.Title),
		Overview:    strings.TrimSpace(p.Overview),
		Emoji:       strings.TrimSpace(p.Emoji),
		Category:    types.Category(p.Category),
		ActionItems: make([]types.ActionItem, 0, len(p.ActionItems)),
		Events:      make([]types.Event, 0, len(p.Events)),
	}

	for _, a := range p.ActionItems {
		desc := strings.TrimSpace(a.Description)
		if desc == "" {
			continue
		}
		item := types.ActionItem{Description: desc, Completed: a.Completed}
		if due, ok := ParseTime(a.DueAt, ref, loc); ok {
			item.DueAt = &due
		}
		s.ActionItems = append(s.ActionItems, item)
	}

	for _, e := range p.Events {
		phrase := e.Start
		if strings.TrimSpace(phrase) == "" {
			phrase = e.When
		}
		start, ok := ParseTime(phrase, ref, loc)
		if !ok {
			continue
		}
		duration := e.Duration
		if duration <= 0 {
			duration = DefaultEventDuration
		}
		s.Events = append(s.Events, types.Event{
			Title:           strings.TrimSpace(e.Title),
			Description:     strings.TrimSpace(e.Description),
			Start:           start,
			DurationMinutes: duration,
		})
	}

	s.Normalize(maxDuration)
	return s
}
