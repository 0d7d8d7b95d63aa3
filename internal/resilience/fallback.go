package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed wraps the last error once every entry of a [FallbackGroup]
// has failed or refused the call.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig is shared by every entry of a [FallbackGroup]. Each entry
// gets its own breaker, named after the entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends. A call walks
// the list until one entry succeeds, trying each at most once and skipping
// entries whose breaker is open. Add entries before sharing the group;
// calls are then safe from any goroutine.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry behind those already present.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Names lists the entries in call order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(fg.members))
	for _, m := range fg.members {
		out = append(out, m.name)
	}
	return out
}

// Values lists the entry values in call order.
func (fg *FallbackGroup[T]) Values() []T {
	out := make([]T, 0, len(fg.members))
	for _, m := range fg.members {
		out = append(out, m.value)
	}
	return out
}

func (fg *FallbackGroup[T]) Primary() T { return fg.members[0].value }

func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteTracked(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is Execute for calls that produce a value.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	res, err := ExecuteTracked(fg, fn)
	return res.Value, err
}

// Result is the outcome of [ExecuteTracked].
type Result[R any] struct {
	Value R

	// Served names the entry that produced Value, empty on failure. Index
	// is its position; zero is the primary.
	Served string
	Index  int

	// Errors maps every entry tried before Served to its error, including
	// ErrCircuitOpen for skipped ones.
	Errors map[string]error
}

// FellBack reports whether an entry other than the primary answered.
func (r Result[R]) FellBack() bool { return r.Served != "" && r.Index > 0 }

// ExecuteTracked is ExecuteWithResult that also reports which entry served.
func ExecuteTracked[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (Result[R], error) {
	res := Result[R]{Index: -1}
	var last error
	for i, m := range fg.members {
		var v R
		err := m.breaker.Execute(func() (err error) {
			v, err = fn(m.value)
			return err
		})
		if err == nil {
			res.Value, res.Served, res.Index = v, m.name, i
			return res, nil
		}
		if res.Errors == nil {
			res.Errors = make(map[string]error, len(fg.members))
		}
		res.Errors[m.name], last = err, err
		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("backend skipped, circuit open", "backend", m.name)
		case i < len(fg.members)-1:
			slog.Warn("backend failed, trying next", "backend", m.name, "err", err)
		}
	}
	return res, fmt.Errorf("%w: %w", ErrAllFailed, last)
}
