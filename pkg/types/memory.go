package types

import (
	"strings"
	"time"
)

// MemoryCategory is the salience class of a [Memory]. Exactly two values exist.
type MemoryCategory string

const (
	// MemoryHighSalience is reserved for rare, genuinely novel facts.
	MemoryHighSalience MemoryCategory = "high-salience"

	// MemoryRoutine covers everyday facts and is the expected majority.
	MemoryRoutine MemoryCategory = "routine"
)

// ParseMemoryCategory maps a backend label onto the two-value enumeration.
// "interesting" and "high" are accepted as aliases for high salience;
// everything else is routine.
func ParseMemoryCategory(s string) MemoryCategory {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(MemoryHighSalience), "high_salience", "interesting", "high":
		return MemoryHighSalience
	default:
		return MemoryRoutine
	}
}

// ReviewState records the owner's verdict on a memory.
type ReviewState string

const (
	ReviewUnset    ReviewState = ""
	ReviewAccepted ReviewState = "accepted"
	ReviewRejected ReviewState = "rejected"
)

// IsValid reports whether r is a recognised review state.
func (r ReviewState) IsValid() bool {
	return r == ReviewUnset || r == ReviewAccepted || r == ReviewRejected
}

// Visibility controls whether a memory may be shared beyond its owner.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// ParseVisibility defaults anything other than "public" to private.
func ParseVisibility(s string) Visibility {
	if strings.EqualFold(strings.TrimSpace(s), string(VisibilityPublic)) {
		return VisibilityPublic
	}
	return VisibilityPrivate
}

// Memory is a short, standalone fact derived from a conversation or added
// by the owner. Its identity is a hash of owner and normalised content.
type Memory struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Content        string         `json:"content"`
	Category       MemoryCategory `json:"category"`
	Tags           []string       `json:"tags"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Review         ReviewState    `json:"review,omitempty"`
	Manual         bool           `json:"manual"`
	Visibility     Visibility     `json:"visibility"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// Score orders memories for listing. See [RetrievalScore].
	Score int64 `json:"score"`
}

// MemoryCandidate is an unvalidated fact proposed by an extraction backend.
type MemoryCandidate struct {
	Content    string         `json:"content"`
	Category   MemoryCategory `json:"category"`
	Visibility Visibility     `json:"visibility"`
	Tags       []string       `json:"tags"`
}

// scoreTimeBits is wide enough for unix seconds until the year 2514.
const scoreTimeBits = 34

// RetrievalScore combines manual boost, category priority and recency into a
// single sortable key. Manually added memories rank above extracted ones,
// high salience above routine, and newer above older within each band. The
// score is used for ordering only, never for identity.
func RetrievalScore(manual bool, category MemoryCategory, createdAt time.Time) int64 {
	var band int64
	if manual {
		band |= 2
	}
	if category == MemoryHighSalience {
		band |= 1
	}
	secs := createdAt.Unix()
	if secs < 0 {
		secs = 0
	}
	secs &= (1 << scoreTimeBits) - 1
	return band<<scoreTimeBits | secs
}
