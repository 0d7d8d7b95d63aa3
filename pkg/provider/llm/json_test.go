package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "bare object", in: `{"keep":true}`, want: `{"keep":true}`},
		{name: "fenced", in: "```json\n{\"keep\":false}\n```", want: `{"keep":false}`},
		{name: "prose around", in: `Sure! {"a":{"b":1}} hope that helps`, want: `{"a":{"b":1}}`},
		{name: "no object", in: "I cannot help with that.", wantErr: ErrNoJSON},
		{name: "reversed braces", in: "} oops {", wantErr: ErrNoJSON},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractJSON(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

type stubProvider struct {
	reply string
	err   error
	got   CompletionRequest
}

func (s *stubProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{Content: s.reply, Usage: Usage{TotalTokens: 7}}, nil
}

func (s *stubProvider) Capabilities() ModelCapabilities { return ModelCapabilities{} }

func TestCompleteJSON(t *testing.T) {
	t.Parallel()

	type verdict struct {
		Discard bool `json:"discard"`
	}
	transport := errors.New("connection reset")

	tests := []struct {
		name    string
		p       *stubProvider
		want    bool
		wantErr error
	}{
		{name: "fenced reply", p: &stubProvider{reply: "```json\n{\"discard\": true}\n```"}, want: true},
		{name: "prose only", p: &stubProvider{reply: "I think it should be kept."}, wantErr: ErrBadReply},
		{name: "wrong shape", p: &stubProvider{reply: `{"discard": "maybe"}`}, wantErr: ErrBadReply},
		{name: "transport", p: &stubProvider{err: transport}, wantErr: transport},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var v verdict
			usage, err := CompleteJSON(context.Background(), tc.p, CompletionRequest{Messages: []Message{UserMessage("x")}}, &v)
			if !tc.p.got.JSON {
				t.Error("request not sent in JSON mode")
			}
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				if tc.wantErr == transport && errors.Is(err, ErrBadReply) {
					t.Error("transport error classified as bad reply")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Discard != tc.want || usage.TotalTokens != 7 {
				t.Errorf("got %+v usage %+v", v, usage)
			}
		})
	}
}

func TestModelCapabilities_Fit(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 50) + strings.Repeat("z", 50)
	tests := []struct {
		name    string
		caps    ModelCapabilities
		reserve int
		in      string
		check   func(string) bool
	}{
		{"unknown window", ModelCapabilities{}, 0, long, func(s string) bool { return s == long }},
		{"fits", ModelCapabilities{ContextWindow: 100}, 10, long, func(s string) bool { return s == long }},
		{"clipped", ModelCapabilities{ContextWindow: 20}, 0, long, func(s string) bool {
			return len([]rune(s)) == 60 && strings.HasPrefix(s, "aaa") && strings.HasSuffix(s, "zzz") && strings.Contains(s, "[...]")
		}},
		{"no room", ModelCapabilities{ContextWindow: 10}, 9, long, func(s string) bool { return s == "" }},
		{"multibyte", ModelCapabilities{ContextWindow: 10}, 0, strings.Repeat("ü", 40), func(s string) bool {
			return utf8.ValidString(s) && len([]rune(s)) == 30
		}},
	}
	for _, tc := range tests {
		if got := tc.caps.Fit(tc.in, tc.reserve); !tc.check(got) {
			t.Errorf("%s: Fit() = %q", tc.name, got)
		}
	}
}
