package discard

import (
	"context"
	"regexp"
)

// substancePattern matches wording that usually signals a task, decision,
// commitment or appointment.
var substancePattern = regexp.MustCompile(`(?i)\b(remind|reminder|need to|needs to|have to|has to|must|should|going to|gonna|will|won't|promise|promised|agree|agreed|decide|decided|decision|plan|planning|schedule|scheduled|appointment|meeting|deadline|call|email|buy|pay|book|order|submit|send|pick up|don't forget|follow[- ]up|todo|to-do|next (week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)|tomorrow|tonight|at \d{1,2}(:\d{2})?\s*(am|pm)?)\b`)

// KeywordJudge keeps transcripts containing task-like wording or side
// content. It needs no model and is the judge used when no LLM is
// configured.
type KeywordJudge struct{}

var _ Judge = KeywordJudge{}

// Keep implements [Judge].
func (KeywordJudge) Keep(_ context.Context, in Input) (bool, error) {
	if in.Attachments > 0 {
		return true, nil
	}
	return substancePattern.MatchString(in.Text), nil
}
