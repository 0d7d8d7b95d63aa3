// Package memory applies the quality policy to extracted memory candidates
// and persists the survivors.
//
// The policy is backend-agnostic: it runs on candidates from the remote
// extraction backend, the local fallback and asynchronous callbacks alike.
// Persisted memories are keyed by a hash of owner and normalised content, so
// storing the same fact twice converges on a single record.
package memory

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/murmur/pkg/types"
)

// Rejection reasons reported by [Policy.Apply].
const (
	ReasonTooShort  = "too_short"
	ReasonMeta      = "meta"
	ReasonDuplicate = "duplicate"
	ReasonOverCap   = "over_cap"
)

// Policy is the quality gate for memory candidates.
type Policy struct {
	// MinLength is the minimum content length in runes after normalisation.
	MinLength int

	// MaxPerConversation caps accepted candidates. The first N survivors in
	// backend order are kept.
	MaxPerConversation int

	// DedupeWindow is how far back existing memories are consulted for
	// duplicates.
	DedupeWindow time.Duration

	// NearDuplicate is the Jaro-Winkler similarity at or above which two
	// normalised contents count as the same fact. Zero limits deduplication
	// to exact matches.
	NearDuplicate float64
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:          12,
		MaxPerConversation: 5,
		DedupeWindow:       30 * 24 * time.Hour,
		NearDuplicate:      0.97,
	}
}

// Rejection records a dropped candidate.
type Rejection struct {
	Candidate types.MemoryCandidate
	Reason    string
}

// Outcome is the result of [Policy.Apply].
type Outcome struct {
	// Accepted holds the surviving candidates in backend order.
	Accepted []types.MemoryCandidate

	// Rejected holds every dropped candidate with its reason.
	Rejected []Rejection

	// OverClassified is set when the backend labelled every candidate
	// high-salience. It is a signal only; nothing is dropped because of it.
	OverClassified bool
}

// metaPattern matches candidates that describe the conversation rather than
// state a fact drawn from it.
var metaPattern = regexp.MustCompile(`(?i)(\b(the|this)\s+(conversation|discussion|transcript|dialogue|chat|recording)\s+(was|is|discussed|discusses|contained|contains|mentioned|mentions|covered|covers|focused|focuses|revolved|centered|talked|included|includes)\b)|(^\s*(the\s+)?(speakers?|participants?)\s+(discussed|talked|mentioned|covered)\b)`)

// IsMeta reports whether content is commentary about the conversation itself.
func IsMeta(content string) bool {
	return metaPattern.MatchString(content)
}

// Normalize lowercases content, collapses whitespace and strips trailing
// punctuation. Two candidates with equal normalised content are the same fact.
func Normalize(content string) string {
	content = strings.Join(strings.Fields(strings.ToLower(content)), " ")
	return strings.TrimRightFunc(content, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// Apply filters candidates against existing, the normalised contents of the
// owner's memories inside the dedupe window. Checks run in order: length,
// meta-commentary, duplicates (against existing and earlier candidates in
// the same batch), then the per-conversation cap.
func (p Policy) Apply(candidates []types.MemoryCandidate, existing []string) Outcome {
	var out Outcome

	high := 0
	for _, c := range candidates {
		if types.ParseMemoryCategory(string(c.Category)) == types.MemoryHighSalience {
			high++
		}
	}
	out.OverClassified = len(candidates) > 0 && high == len(candidates)

	seen := make([]string, 0, len(existing)+len(candidates))
	seen = append(seen, existing...)

	for _, c := range candidates {
		norm := Normalize(c.Content)
		switch {
		case utf8.RuneCountInString(norm) < p.MinLength:
			out.Rejected = append(out.Rejected, Rejection{Candidate: c, Reason: ReasonTooShort})
		case IsMeta(c.Content):
			out.Rejected = append(out.Rejected, Rejection{Candidate: c, Reason: ReasonMeta})
		case p.isDuplicate(norm, seen):
			out.Rejected = append(out.Rejected, Rejection{Candidate: c, Reason: ReasonDuplicate})
		case p.MaxPerConversation > 0 && len(out.Accepted) >= p.MaxPerConversation:
			out.Rejected = append(out.Rejected, Rejection{Candidate: c, Reason: ReasonOverCap})
		default:
			out.Accepted = append(out.Accepted, c)
			seen = append(seen, norm)
		}
	}
	return out
}

func (p Policy) isDuplicate(norm string, seen []string) bool {
	for _, s := range seen {
		if s == norm {
			return true
		}
		if p.NearDuplicate > 0 && matchr.JaroWinkler(norm, s, false) >= p.NearDuplicate {
			return true
		}
	}
	return false
}
