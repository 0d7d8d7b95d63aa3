package health

import (
	"context"
	"errors"
)

// Pinger is anything that can prove its backend is reachable. The store and
// the Redis job store implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a required checker that pings p.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// errDisconnected is reported by [Connected] checkers.
var errDisconnected = errors.New("not connected")

// Connected returns an optional checker that fails while connected reports
// false. It suits clients that reconnect on their own, such as NATS.
func Connected(name string, connected func() bool) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if !connected() {
				return errDisconnected
			}
			return nil
		},
	}
}
