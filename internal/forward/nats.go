package forward

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "murmur.transcripts"

// NATS publishes batches on "<prefix>.<owner>".
type NATS struct {
	conn   *nats.Conn
	prefix string
}

var _ Forwarder = (*NATS)(nil)

// DialNATS connects to url with reconnects enabled.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("murmur"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("forward: connect nats: %w", err)
	}
	return nc, nil
}

// NewNATS returns a forwarder publishing on nc. An empty prefix selects
// [DefaultSubjectPrefix].
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject batches for ownerID are published on.
func (n *NATS) Subject(ownerID string) string {
	return n.prefix + "." + subjectToken(ownerID)
}

// Forward implements [Forwarder].
func (n *NATS) Forward(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("forward: encode: %w", err)
	}
	if err := n.conn.Publish(n.Subject(b.OwnerID), data); err != nil {
		return fmt.Errorf("forward: publish: %w", err)
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (n *NATS) Connected() bool { return n.conn.IsConnected() }

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
