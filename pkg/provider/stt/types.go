package stt

import (
	"time"

	"github.com/MrWong99/murmur/pkg/types"
)

// Transcript is one recogniser result. Partials and finals share the type;
// IsFinal tells them apart.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence is in [0, 1]. Zero when the backend reports none.
	Confidence float64

	// SpeakerID is the diarization label, empty without diarization.
	SpeakerID string

	// Timestamp is the utterance start relative to the stream start.
	Timestamp time.Duration
	Duration  time.Duration
}

// Fragment converts t into an ingestion fragment. offset shifts the
// recogniser's stream-relative timestamps onto the session clock.
func (t Transcript) Fragment(source string, offset time.Duration) types.Fragment {
	start := (offset + t.Timestamp).Seconds()
	return types.Fragment{
		Text:    t.Text,
		Speaker: t.SpeakerID,
		Start:   start,
		End:     start + t.Duration.Seconds(),
		Source:  source,
		IsFinal: t.IsFinal,
	}
}

// KeywordBoost biases recognition towards a word such as a name the owner
// uses often. The scale of Boost is backend specific.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}
