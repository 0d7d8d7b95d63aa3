// Package ingest turns live client streams into conversations.
//
// A [Session] buffers fragments and wakes on a fixed tick. Every tick swaps
// the buffer out and hands the batch to the urgency scanner and the
// session's forward target on a best-effort side pool. When the session is
// closed, or stays silent for the configured window, its full transcript is
// handed to the conversation lifecycle for enrichment.
//
// Ticks never aggregate backlog: each tick emits exactly what arrived since
// the previous swap, and a batch whose side tasks cannot be scheduled is
// dropped for that consumer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/murmur/internal/conversation"
	"github.com/MrWong99/murmur/internal/forward"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/taskpool"
	"github.com/MrWong99/murmur/internal/urgency"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/types"
)

var (
	// ErrSessionClosed is returned when pushing into a finished session.
	ErrSessionClosed = errors.New("ingest: session closed")

	// ErrNoSTT is returned by [Session.SendAudio] before a recogniser was
	// attached.
	ErrNoSTT = errors.New("ingest: no speech recognition attached")
)

const (
	// DefaultTickInterval is the buffer flush period.
	DefaultTickInterval = 600 * time.Millisecond

	// DefaultSilenceTimeout ends a session that received nothing for this
	// long.
	DefaultSilenceTimeout = 2 * time.Minute
)

// Config tunes session timing.
type Config struct {
	TickInterval   time.Duration
	SilenceTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
}

// Lifecycle is the part of [conversation.Manager] sessions depend on.
type Lifecycle interface {
	Start(ctx context.Context, ownerID string, opts conversation.StartOptions) (*types.Conversation, error)
	Finish(ctx context.Context, ownerID, id string, fragments []types.Fragment, attachments int) error
}

// Scanner inspects one tick batch. [*urgency.Monitor] is the production
// implementation.
type Scanner interface {
	Check(ctx context.Context, ownerID string, batch []types.Fragment) urgency.Result
}

var (
	_ Lifecycle = (*conversation.Manager)(nil)
	_ Scanner   = (*urgency.Monitor)(nil)
)

// Session is one live client stream. It produces exactly one conversation.
type Session struct {
	id             string
	ownerID        string
	conversationID string
	cfg            Config
	lifecycle      Lifecycle
	scanner        Scanner
	forwarder      forward.Forwarder
	side           *taskpool.Pool
	metrics        *observe.Metrics
	now            func() time.Time
	startedAt      time.Time

	buf Buffer
	seq atomic.Uint64

	// lastActivity is the unix-nano time of the most recent fragment.
	lastActivity atomic.Int64

	mu          sync.Mutex
	closed      bool
	transcript  []types.Fragment
	attachments int
	sttHandle   stt.SessionHandle
	sttDone     chan struct{}

	stop      chan struct{}
	stopOnce  sync.Once
	loopDone  chan struct{}
	done      chan struct{}
	endOnce   sync.Once
	endReason string
	endErr    error
	onDone    func(*Session)
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// OwnerID returns the owner the session streams for.
func (s *Session) OwnerID() string { return s.ownerID }

// ConversationID returns the id of the conversation being recorded.
func (s *Session) ConversationID() string { return s.conversationID }

// Done is closed once the session handed its transcript to the lifecycle.
func (s *Session) Done() <-chan struct{} { return s.done }

// EndReason reports why the session ended ("closed" or "silence"). It is
// empty while the session is live.
func (s *Session) EndReason() string {
	select {
	case <-s.done:
		return s.endReason
	default:
		return ""
	}
}

// Push appends a fragment. Fragments without text are ignored.
func (s *Session) Push(f types.Fragment) error {
	if strings.TrimSpace(f.Text) == "" {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.transcript = append(s.transcript, f)
	s.buf.Push(f)
	s.mu.Unlock()

	s.lastActivity.Store(s.now().UnixNano())
	source := f.Source
	if source == "" {
		source = "client"
	}
	observe.Count(context.Background(), s.metrics.FragmentsIngested, "source", source)
	return nil
}

// AddAttachment records side content (a photo, a file) sent during the
// session.
func (s *Session) AddAttachment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.attachments++
	s.lastActivity.Store(s.now().UnixNano())
	return nil
}

// AttachSTT opens a recognition stream on p. Audio passed to
// [Session.SendAudio] is transcribed and every final transcript becomes a
// fragment tagged with source.
func (s *Session) AttachSTT(ctx context.Context, p stt.Provider, source string, cfg stt.StreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.sttHandle != nil {
		return errors.New("ingest: speech recognition already attached")
	}
	h, err := p.StartStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ingest: start stt stream: %w", err)
	}
	s.sttHandle = h
	s.sttDone = make(chan struct{})
	offset := s.now().Sub(s.startedAt)
	go s.readFinals(ctx, h, source, offset)
	return nil
}

func (s *Session) readFinals(ctx context.Context, h stt.SessionHandle, source string, offset time.Duration) {
	defer close(s.sttDone)
	for t := range h.Finals() {
		if err := s.Push(t.Fragment(source, offset)); err != nil {
			observe.Logger(ctx).Debug("late transcript dropped", "session_id", s.id, "err", err)
		}
	}
}

// SendAudio forwards a PCM chunk to the attached recogniser.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	h, closed := s.sttHandle, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if h == nil {
		return ErrNoSTT
	}
	return h.SendAudio(chunk)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
			if s.silentFor() >= s.cfg.SilenceTimeout {
				s.end(ctx, "silence")
				return
			}
		}
	}
}

func (s *Session) silentFor() time.Duration {
	return s.now().Sub(time.Unix(0, s.lastActivity.Load()))
}

// tick swaps the buffer and dispatches the batch to the side consumers.
func (s *Session) tick(ctx context.Context) {
	batch := s.buf.Swap()
	if batch == nil {
		return
	}
	seq := s.seq.Add(1)

	if s.scanner != nil {
		err := s.side.TryGo(ctx, "urgency.scan", func(ctx context.Context) error {
			s.scanner.Check(ctx, s.ownerID, batch)
			return nil
		})
		if err != nil {
			observe.Logger(ctx).Debug("urgency scan skipped", "session_id", s.id, "seq", seq, "err", err)
		}
	}
	if s.forwarder != nil {
		b := forward.Batch{OwnerID: s.ownerID, SessionID: s.id, Seq: seq, SentAt: s.now().UTC(), Fragments: batch}
		err := s.side.TryGo(ctx, "forward", func(ctx context.Context) error {
			_ = s.forwarder.Forward(ctx, b)
			return nil
		})
		if err != nil {
			observe.Logger(ctx).Debug("forward skipped", "session_id", s.id, "seq", seq, "err", err)
		}
	}
}

// Close ends the session: pending audio is transcribed, the last batch is
// dispatched and the transcript is handed to the lifecycle. Enrichment
// continues after Close returns and is not cancelled by ctx.
func (s *Session) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.loopDone
	s.end(ctx, "closed")
	return s.endErr
}

func (s *Session) end(ctx context.Context, reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		h, sttDone := s.sttHandle, s.sttDone
		s.mu.Unlock()
		if h != nil {
			if err := h.Close(); err != nil {
				observe.Logger(ctx).Warn("stt close failed", "session_id", s.id, "err", err)
			}
			<-sttDone
		}

		s.mu.Lock()
		s.closed = true
		transcript := s.transcript
		attachments := s.attachments
		s.mu.Unlock()

		s.tick(ctx)
		s.endReason = reason
		s.endErr = s.lifecycle.Finish(context.WithoutCancel(ctx), s.ownerID, s.conversationID, transcript, attachments)
		if s.endErr != nil {
			observe.Logger(ctx).Error("failed to finish conversation",
				"session_id", s.id, "conversation_id", s.conversationID, "owner_id", s.ownerID, "err", s.endErr)
		} else {
			observe.Logger(ctx).Info("session ended",
				"session_id", s.id,
				"conversation_id", s.conversationID,
				"owner_id", s.ownerID,
				"reason", reason,
				"fragments", len(transcript),
			)
		}
		close(s.done)
		if s.onDone != nil {
			s.onDone(s)
		}
	})
}
