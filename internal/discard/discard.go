// Package discard decides whether a finished conversation is worth
// enriching.
//
// Transcripts longer than a word threshold are always kept without asking
// anyone. Shorter ones go to a replaceable [Judge]. A judge that errors or
// times out keeps the conversation: losing a real conversation costs more
// than enriching some noise.
package discard

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/types"
)

// DefaultWordThreshold is the word count above which a transcript is kept
// unconditionally.
const DefaultWordThreshold = 100

// DefaultJudgeTimeout bounds a single judgement.
const DefaultJudgeTimeout = 10 * time.Second

// Input is what the filter sees of a conversation.
type Input struct {
	// Text is the full transcript.
	Text string

	// Words is the spoken word count compared with the threshold. Speaker
	// labels in Text are not part of it. When zero, the words of Text are
	// counted instead.
	Words int

	// Attachments counts side content (photos, files) sent during the
	// session. Judges may treat it as evidence of substance.
	Attachments int
}

// InputFromFragments builds an [Input] from a frozen fragment list.
func InputFromFragments(fragments []types.Fragment) Input {
	return Input{Text: types.JoinText(fragments), Words: types.WordCount(fragments)}
}

// Judge assesses short transcripts. Implementations must be deterministic
// for a given judgement output: the same verdict always maps to the same
// decision.
type Judge interface {
	// Keep reports whether in contains a task, decision, commitment or
	// otherwise meaningful exchange.
	Keep(ctx context.Context, in Input) (bool, error)
}

// Decision is the outcome of [Filter.Evaluate].
type Decision struct {
	Keep bool

	// Judged is false when the word-count pre-check decided.
	Judged bool

	// Reason is a short machine-readable explanation.
	Reason string
}

// Decision reasons.
const (
	ReasonLong        = "above_threshold"
	ReasonJudgedKeep  = "judged_keep"
	ReasonJudgedNoise = "judged_noise"
	ReasonJudgeError  = "judge_error"
)

// Filter is the discard gate. It is safe for concurrent use and its
// threshold can be changed at runtime.
type Filter struct {
	judge     Judge
	threshold atomic.Int64
	timeout   time.Duration
}

// Option configures a [Filter].
type Option func(*Filter)

// WithThreshold sets the word threshold.
func WithThreshold(words int) Option {
	return func(f *Filter) { f.threshold.Store(int64(words)) }
}

// WithJudgeTimeout bounds each judgement.
func WithJudgeTimeout(d time.Duration) Option {
	return func(f *Filter) { f.timeout = d }
}

// New returns a Filter consulting judge for short transcripts.
func New(judge Judge, opts ...Option) *Filter {
	f := &Filter{judge: judge, timeout: DefaultJudgeTimeout}
	f.threshold.Store(DefaultWordThreshold)
	for _, o := range opts {
		o(f)
	}
	return f
}

// SetThreshold changes the word threshold for subsequent evaluations.
func (f *Filter) SetThreshold(words int) { f.threshold.Store(int64(words)) }

// Threshold returns the current word threshold.
func (f *Filter) Threshold() int { return int(f.threshold.Load()) }

// Evaluate decides whether in should be enriched.
func (f *Filter) Evaluate(ctx context.Context, in Input) Decision {
	words := in.Words
	if words == 0 {
		words = countWords(in.Text)
	}
	if int64(words) > f.threshold.Load() {
		return Decision{Keep: true, Reason: ReasonLong}
	}

	jctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	keep, err := f.judge.Keep(jctx, in)
	if err != nil {
		observe.Logger(ctx).Warn("discard judge failed, keeping conversation", "err", err)
		return Decision{Keep: true, Judged: true, Reason: ReasonJudgeError}
	}
	if keep {
		return Decision{Keep: true, Judged: true, Reason: ReasonJudgedKeep}
	}
	return Decision{Keep: false, Judged: true, Reason: ReasonJudgedNoise}
}

func countWords(text string) int {
	return types.WordCount([]types.Fragment{{Text: text}})
}
