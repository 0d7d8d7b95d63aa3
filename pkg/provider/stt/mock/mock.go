// Package mock holds in-memory stand-ins for [stt.Provider] and
// [stt.SessionHandle]. Tests push transcripts into a Session's channels and
// read back the audio the code under test delivered.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// StartStreamCall is one recorded Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider hands out Session, or a fresh one per call when Session is nil.
type Provider struct {
	Session        stt.SessionHandle
	StartStreamErr error

	mu               sync.Mutex
	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case p.Session != nil:
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls copies the recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StartStreamCalls)
}

// Session records audio and serves whatever the test sends on PartialsCh and
// FinalsCh. Close closes both channels once.
type Session struct {
	PartialsCh   chan stt.Transcript
	FinalsCh     chan stt.Transcript
	SendAudioErr error

	mu             sync.Mutex
	AudioChunks    [][]byte
	CloseCallCount int
	closed         bool
}

var _ stt.SessionHandle = (*Session)(nil)

func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	s.AudioChunks = append(s.AudioChunks, slices.Clone(chunk))
	return s.SendAudioErr
}

func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }
func (s *Session) Finals() <-chan stt.Transcript   { return s.FinalsCh }

// Chunks copies the audio received so far.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.AudioChunks)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
	return nil
}
