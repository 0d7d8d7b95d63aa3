package urgency

import (
	"context"
	"regexp"
)

type rule struct {
	level    Level
	category string
	pattern  *regexp.Regexp
}

// keywordRules are checked most urgent first; the first match wins.
var keywordRules = []rule{
	{LevelCritical, "medical", regexp.MustCompile(`(?i)\b(chest pain|can'?t breathe|not breathing|heart attack|stroke|overdose|unconscious|bleeding (badly|heavily)|call (911|112|an ambulance))\b`)},
	{LevelCritical, "safety", regexp.MustCompile(`(?i)\b(help me|fire|intruder|break-?in|someone is (here|following))\b`)},
	{LevelHigh, "deadline", regexp.MustCompile(`(?i)\b(urgent(ly)?|emergency|asap|right (now|away)|immediately|due (today|tonight|in an hour))\b`)},
	{LevelHigh, "medication", regexp.MustCompile(`(?i)\b(forgot|missed|take) (my |your )?(medication|meds|pills|insulin)\b`)},
	{LevelMedium, "reminder", regexp.MustCompile(`(?i)\b(don'?t forget|remember to|deadline|before (noon|tonight|tomorrow))\b`)},
}

// KeywordScanner is a pattern-based scanner for deployments without a
// language model. It never fails.
type KeywordScanner struct{}

var _ Scanner = KeywordScanner{}

// Scan implements [Scanner].
func (KeywordScanner) Scan(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	for _, r := range keywordRules {
		if m := r.pattern.FindString(text); m != "" {
			return Result{
				Level:        r.level,
				Category:     r.category,
				Reasoning:    "matched " + `"` + m + `"`,
				ActionNeeded: r.level.AtLeast(LevelHigh),
				Confidence:   0.6,
			}, nil
		}
	}
	return Result{Level: LevelNone, Category: "none", Confidence: 0.5}, nil
}
