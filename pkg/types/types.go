// Package types defines the shared domain types used across all murmur packages.
//
// These types form the lingua franca between the ingestion path, the
// conversation lifecycle, the extraction backends and the stores. They are
// intentionally plain data; behaviour that belongs to a single subsystem
// lives in that subsystem's package.
package types

import (
	"strings"
	"time"
)

// Fragment is a single unit of recognised or client-supplied text. Fragments
// are immutable once created and their order within a session is significant:
// concatenating them in arrival order reconstructs the transcript.
type Fragment struct {
	// Text is the recognised speech content.
	Text string `json:"text"`

	// Speaker is a free-form speaker label ("SPEAKER_0", "user", a name).
	Speaker string `json:"speaker,omitempty"`

	// Start is the offset of the first word relative to session start, in seconds.
	Start float64 `json:"start"`

	// End is the offset of the last word relative to session start, in seconds.
	End float64 `json:"end"`

	// Source names the recogniser that produced the fragment (e.g. "deepgram",
	// "client").
	Source string `json:"source,omitempty"`

	// IsFinal reports whether the recogniser committed to this text.
	IsFinal bool `json:"is_final"`
}

// JoinText renders fragments as a speaker-prefixed transcript, one fragment
// per line, in slice order.
func JoinText(fragments []Fragment) string {
	var sb strings.Builder
	for i, f := range fragments {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if f.Speaker != "" {
			sb.WriteString(f.Speaker)
			sb.WriteString(": ")
		}
		sb.WriteString(f.Text)
	}
	return sb.String()
}

// WordCount returns the number of whitespace-separated words across all
// fragment texts. Speaker labels are not counted.
func WordCount(fragments []Fragment) int {
	n := 0
	for _, f := range fragments {
		n += len(strings.Fields(f.Text))
	}
	return n
}

// Category is the closed set of topical categories a conversation summary
// may carry.
type Category string

const (
	CategoryPersonal         Category = "personal"
	CategoryEducation        Category = "education"
	CategoryHealth           Category = "health"
	CategoryFinance          Category = "finance"
	CategoryLegal            Category = "legal"
	CategoryPhilosophy       Category = "philosophy"
	CategorySpiritual        Category = "spiritual"
	CategoryScience          Category = "science"
	CategoryEntrepreneurship Category = "entrepreneurship"
	CategoryParenting        Category = "parenting"
	CategoryRomance          Category = "romance"
	CategoryTravel           Category = "travel"
	CategoryInspiration      Category = "inspiration"
	CategoryTechnology       Category = "technology"
	CategoryBusiness         Category = "business"
	CategorySocial           Category = "social"
	CategoryWork             Category = "work"
	CategorySports           Category = "sports"
	CategoryPolitics         Category = "politics"
	CategoryLiterature       Category = "literature"
	CategoryHistory          Category = "history"
	CategoryArchitecture     Category = "architecture"
	CategoryMusic            Category = "music"
	CategoryWeather          Category = "weather"
	CategoryNews             Category = "news"
	CategoryEntertainment    Category = "entertainment"
	CategoryPsychology       Category = "psychology"
	CategoryDesign           Category = "design"
	CategoryFamily           Category = "family"
	CategoryEconomics        Category = "economics"
	CategoryEnvironment      Category = "environment"
	CategoryOther            Category = "other"
)

// Categories lists every valid [Category] in declaration order.
var Categories = []Category{
	CategoryPersonal, CategoryEducation, CategoryHealth, CategoryFinance,
	CategoryLegal, CategoryPhilosophy, CategorySpiritual, CategoryScience,
	CategoryEntrepreneurship, CategoryParenting, CategoryRomance, CategoryTravel,
	CategoryInspiration, CategoryTechnology, CategoryBusiness, CategorySocial,
	CategoryWork, CategorySports, CategoryPolitics, CategoryLiterature,
	CategoryHistory, CategoryArchitecture, CategoryMusic, CategoryWeather,
	CategoryNews, CategoryEntertainment, CategoryPsychology, CategoryDesign,
	CategoryFamily, CategoryEconomics, CategoryEnvironment, CategoryOther,
}

// IsValid reports whether c is one of [Categories].
func (c Category) IsValid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory maps a backend-supplied label onto the closed enumeration.
// Matching is case-insensitive; anything unrecognised becomes [CategoryOther].
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.IsValid() {
		return c
	}
	return CategoryOther
}

// ActionItem is a task extracted from a conversation.
type ActionItem struct {
	Description string     `json:"description"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Completed   bool       `json:"completed"`
}

// Event is a calendar-worthy occurrence extracted from a conversation. Start
// is always stored in UTC.
type Event struct {
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Summary is the structured digest attached to a completed conversation.
type Summary struct {
	Title       string       `json:"title"`
	Overview    string       `json:"overview"`
	Emoji       string       `json:"emoji"`
	Category    Category     `json:"category"`
	ActionItems []ActionItem `json:"action_items"`
	Events      []Event      `json:"events"`
}

// Normalize enforces the summary invariants in place: the category is a
// member of the enumeration, list fields are non-nil and no event lasts
// longer than maxDuration. A zero maxDuration disables the cap.
func (s *Summary) Normalize(maxDuration time.Duration) {
	s.Category = ParseCategory(string(s.Category))
	if s.ActionItems == nil {
		s.ActionItems = []ActionItem{}
	}
	if s.Events == nil {
		s.Events = []Event{}
	}
	maxMinutes := int(maxDuration / time.Minute)
	for i := range s.Events {
		ev := &s.Events[i]
		ev.Start = ev.Start.UTC()
		if ev.DurationMinutes < 0 {
			ev.DurationMinutes = 0
		}
		if maxMinutes > 0 && ev.DurationMinutes > maxMinutes {
			ev.DurationMinutes = maxMinutes
		}
	}
}
