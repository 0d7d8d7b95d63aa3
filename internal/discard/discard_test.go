package discard

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/llm"
	llmmock "github.com/MrWong99/murmur/pkg/provider/llm/mock"
	"github.com/MrWong99/murmur/pkg/types"
)

// spyJudge counts calls and returns a fixed verdict.
type spyJudge struct {
	calls atomic.Int32
	keep  bool
	err   error
	delay time.Duration
}

func (j *spyJudge) Keep(ctx context.Context, _ Input) (bool, error) {
	j.calls.Add(1)
	if j.delay > 0 {
		select {
		case <-time.After(j.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return j.keep, j.err
}

var smallTalk = []types.Fragment{
	{Text: "Nice weather today.", Speaker: "SPEAKER_0"},
	{Text: "Yeah, it's sunny.", Speaker: "SPEAKER_1"},
	{Text: "Yep.", Speaker: "SPEAKER_0"},
}

func TestFilter_LongTranscriptSkipsJudge(t *testing.T) {
	t.Parallel()

	judge := &spyJudge{keep: false}
	f := New(judge, WithThreshold(10))

	long := strings.Repeat("word ", 11)
	d := f.Evaluate(context.Background(), Input{Text: long})
	if !d.Keep || d.Judged || d.Reason != ReasonLong {
		t.Errorf("Decision = %+v, want keep without judgement", d)
	}
	if n := judge.calls.Load(); n != 0 {
		t.Errorf("judge called %d times, want 0", n)
	}
}

func TestFilter_AtThresholdIsJudged(t *testing.T) {
	t.Parallel()

	judge := &spyJudge{keep: false}
	f := New(judge, WithThreshold(10))

	d := f.Evaluate(context.Background(), Input{Text: strings.Repeat("word ", 10)})
	if d.Keep || !d.Judged || d.Reason != ReasonJudgedNoise {
		t.Errorf("Decision = %+v, want judged discard", d)
	}
	if n := judge.calls.Load(); n != 1 {
		t.Errorf("judge called %d times, want 1", n)
	}
}

func TestFilter_SpeakerLabelsNotCounted(t *testing.T) {
	t.Parallel()

	// Ten one-word turns: twenty tokens once labelled, ten spoken words.
	fragments := make([]types.Fragment, 10)
	for i := range fragments {
		fragments[i] = types.Fragment{Text: "okay", Speaker: "SPEAKER_0", IsFinal: true}
	}
	in := InputFromFragments(fragments)
	if in.Words != 10 {
		t.Fatalf("Words = %d, want 10", in.Words)
	}

	judge := &spyJudge{keep: false}
	d := New(judge, WithThreshold(15)).Evaluate(context.Background(), in)
	if d.Keep || !d.Judged {
		t.Errorf("Decision = %+v, want judged discard", d)
	}
	if n := judge.calls.Load(); n != 1 {
		t.Errorf("judge called %d times, want 1", n)
	}
}

func TestFilter_JudgeErrorKeeps(t *testing.T) {
	t.Parallel()

	f := New(&spyJudge{err: errors.New("model unavailable")})
	d := f.Evaluate(context.Background(), Input{Text: "hi"})
	if !d.Keep || d.Reason != ReasonJudgeError {
		t.Errorf("Decision = %+v, want fail-open keep", d)
	}
}

func TestFilter_JudgeTimeoutKeeps(t *testing.T) {
	t.Parallel()

	f := New(&spyJudge{delay: time.Second}, WithJudgeTimeout(10*time.Millisecond))
	start := time.Now()
	d := f.Evaluate(context.Background(), Input{Text: "hi"})
	if !d.Keep || d.Reason != ReasonJudgeError {
		t.Errorf("Decision = %+v, want fail-open keep", d)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Evaluate took %v, judge timeout not applied", elapsed)
	}
}

func TestFilter_SetThreshold(t *testing.T) {
	t.Parallel()

	judge := &spyJudge{keep: false}
	f := New(judge)
	if f.Threshold() != DefaultWordThreshold {
		t.Fatalf("Threshold = %d, want default", f.Threshold())
	}
	f.SetThreshold(2)
	d := f.Evaluate(context.Background(), Input{Text: "one two three"})
	if !d.Keep || d.Judged {
		t.Errorf("Decision = %+v after lowering threshold", d)
	}
}

func TestKeywordJudge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Input
		want bool
	}{
		{"small talk", InputFromFragments(smallTalk), false},
		{"test recording", Input{Text: "testing testing one two three"}, false},
		{"reminder", Input{Text: "Remind me to buy milk"}, true},
		{"appointment", Input{Text: "Dentist next Tuesday at 2pm"}, true},
		{"commitment", Input{Text: "I'll send you the slides, promise."}, true},
		{"attachment", Input{Text: "look", Attachments: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := KeywordJudge{}.Keep(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("Keep: %v", err)
			}
			if got != tt.want {
				t.Errorf("Keep(%q) = %v, want %v", tt.in.Text, got, tt.want)
			}
		})
	}
}

func TestFilter_SmallTalkScenario(t *testing.T) {
	t.Parallel()

	f := New(KeywordJudge{})
	d := f.Evaluate(context.Background(), InputFromFragments(smallTalk))
	if d.Keep {
		t.Errorf("small talk kept: %+v", d)
	}
}

func TestLLMJudge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		content  string
		err      error
		want     bool
		wantFail bool
	}{
		{"discard", `{"discard": true}`, nil, false, false},
		{"keep", "Sure.\n```json\n{\"discard\": false}\n```", nil, true, false},
		{"missing field", `{"keep": true}`, nil, false, true},
		{"no json", "I cannot decide", nil, false, true},
		{"provider error", "", errors.New("503"), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: tt.content},
				CompleteErr:      tt.err,
			}
			got, err := NewLLMJudge(p).Keep(context.Background(), Input{Text: "Nice weather", Attachments: 2})
			if (err != nil) != tt.wantFail {
				t.Fatalf("err = %v, wantFail %v", err, tt.wantFail)
			}
			if err == nil && got != tt.want {
				t.Errorf("Keep = %v, want %v", got, tt.want)
			}

			calls := p.Calls()
			if len(calls) != 1 {
				t.Fatalf("provider called %d times", len(calls))
			}
			req := calls[0].Req
			if req.Temperature != 0 {
				t.Errorf("Temperature = %v, want 0", req.Temperature)
			}
			if !strings.Contains(req.Messages[0].Content, "2 photo(s)") {
				t.Errorf("attachments not mentioned in prompt: %q", req.Messages[0].Content)
			}
		})
	}
}
