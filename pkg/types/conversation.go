package types

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrIllegalTransition is returned by the Conversation transition methods when
// the current status does not permit the requested move.
var ErrIllegalTransition = errors.New("illegal conversation status transition")

// Status is the closed set of lifecycle states of a [Conversation].
type Status string

const (
	// StatusInProgress means the owning session is still streaming fragments.
	StatusInProgress Status = "in_progress"

	// StatusProcessing means the transcript is frozen and enrichment is running
	// or awaiting an asynchronous callback.
	StatusProcessing Status = "processing"

	// StatusCompleted is terminal. Discarded conversations are completed with
	// Discarded set.
	StatusCompleted Status = "completed"

	// StatusFailed means enrichment could not produce a summary. Only an
	// explicit reprocess leaves this state.
	StatusFailed Status = "failed"
)

// transitions lists the permitted successor states of every status.
var transitions = map[Status][]Status{
	StatusInProgress: {StatusProcessing, StatusCompleted},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
	StatusCompleted:  nil,
}

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the state machine permits s → next.
func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Conversation is the unit of enrichment produced by a streaming session.
//
// Status must only be changed through the transition methods below so that
// illegal moves are rejected in one place.
type Conversation struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Status    Status `json:"status"`
	Discarded bool   `json:"discarded"`

	// Fragments is frozen once the conversation leaves in_progress.
	Fragments []Fragment `json:"fragments"`

	Summary   *Summary `json:"summary,omitempty"`
	MemoryIDs []string `json:"memory_ids"`

	// ProcessingStartedAt is set every time the conversation enters
	// processing and is used for staleness detection.
	ProcessingStartedAt time.Time `json:"processing_started_at"`

	FailureReason string `json:"failure_reason,omitempty"`

	// Language is a BCP-47 tag supplied by the client.
	Language string `json:"language,omitempty"`

	// Timezone is the owner's IANA zone name or a fixed offset such as "UTC-5".
	Timezone string `json:"timezone,omitempty"`
}

// NewConversation returns an in_progress conversation.
func NewConversation(id, ownerID string, now time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		OwnerID:   ownerID,
		CreatedAt: now,
		StartedAt: now,
		UpdatedAt: now,
		Status:    StatusInProgress,
		Fragments: []Fragment{},
		MemoryIDs: []string{},
	}
}

// Transcript renders the frozen fragment list as text.
func (c *Conversation) Transcript() string {
	return JoinText(c.Fragments)
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Fragments = slices.Clone(c.Fragments)
	out.MemoryIDs = slices.Clone(c.MemoryIDs)
	if c.Summary != nil {
		s := *c.Summary
		s.ActionItems = slices.Clone(c.Summary.ActionItems)
		s.Events = slices.Clone(c.Summary.Events)
		out.Summary = &s
	}
	return &out
}

func (c *Conversation) move(next Status, now time.Time) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s → %s (conversation %s)", ErrIllegalTransition, c.Status, next, c.ID)
	}
	c.Status = next
	c.UpdatedAt = now
	return nil
}

// BeginProcessing freezes fragments and moves in_progress → processing.
// It also serves failed → processing for an explicit reprocess.
func (c *Conversation) BeginProcessing(fragments []Fragment, now time.Time) error {
	from := c.Status
	if err := c.move(StatusProcessing, now); err != nil {
		return err
	}
	if from == StatusInProgress {
		c.Fragments = slices.Clone(fragments)
		if c.Fragments == nil {
			c.Fragments = []Fragment{}
		}
		c.FinishedAt = now
	}
	c.FailureReason = ""
	c.ProcessingStartedAt = now
	return nil
}

// Discard marks the conversation completed without enrichment.
func (c *Conversation) Discard(now time.Time) error {
	if err := c.move(StatusCompleted, now); err != nil {
		return err
	}
	c.Discarded = true
	if c.FinishedAt.IsZero() {
		c.FinishedAt = now
	}
	return nil
}

// Complete attaches the summary and memory references and moves
// processing → completed.
func (c *Conversation) Complete(summary *Summary, memoryIDs []string, now time.Time) error {
	if c.Status != StatusProcessing {
		return fmt.Errorf("%w: complete from %s (conversation %s)", ErrIllegalTransition, c.Status, c.ID)
	}
	if err := c.move(StatusCompleted, now); err != nil {
		return err
	}
	c.Summary = summary
	c.AttachMemories(memoryIDs)
	return nil
}

// Fail moves processing → failed and records why.
func (c *Conversation) Fail(reason string, now time.Time) error {
	if err := c.move(StatusFailed, now); err != nil {
		return err
	}
	c.FailureReason = reason
	return nil
}

// AttachMemories appends memory ids that are not yet referenced.
func (c *Conversation) AttachMemories(ids []string) {
	for _, id := range ids {
		if !slices.Contains(c.MemoryIDs, id) {
			c.MemoryIDs = append(c.MemoryIDs, id)
		}
	}
	if c.MemoryIDs == nil {
		c.MemoryIDs = []string{}
	}
}
