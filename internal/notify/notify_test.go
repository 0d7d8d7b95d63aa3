package notify_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/MrWong99/murmur/internal/notify"
	"github.com/MrWong99/murmur/internal/notify/mock"
)

func TestHTTPNotifier_Delivers(t *testing.T) {
	t.Parallel()

	var (
		got  notify.Message
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	n, err := notify.NewHTTPNotifier(srv.URL, notify.WithAPIKey("k"))
	if err != nil {
		t.Fatalf("NewHTTPNotifier: %v", err)
	}
	msg := notify.Message{OwnerID: "alice", Text: "Take your medication", Level: "high", GenerateAudio: true}
	if err := n.Notify(context.Background(), msg); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got != msg {
		t.Errorf("delivered %+v, want %+v", got, msg)
	}
	if auth != "Bearer k" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestHTTPNotifier_Errors(t *testing.T) {
	t.Parallel()

	if _, err := notify.NewHTTPNotifier(""); err == nil {
		t.Error("empty url accepted")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	n, _ := notify.NewHTTPNotifier(srv.URL)
	if err := n.Notify(context.Background(), notify.Message{OwnerID: "a"}); err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want status error", err)
	}

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })
	n, _ = notify.NewHTTPNotifier(slow.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := n.Notify(ctx, notify.Message{OwnerID: "a"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestLimited_ThrottlesPerOwner(t *testing.T) {
	t.Parallel()

	inner := &mock.Notifier{}
	l := notify.NewLimited(inner, time.Hour, 2)
	ctx := context.Background()

	for i := range 2 {
		if err := l.Notify(ctx, notify.Message{OwnerID: "alice"}); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if err := l.Notify(ctx, notify.Message{OwnerID: "alice"}); !errors.Is(err, notify.ErrThrottled) {
		t.Errorf("third notify err = %v, want ErrThrottled", err)
	}
	if err := l.Notify(ctx, notify.Message{OwnerID: "bob"}); err != nil {
		t.Errorf("other owner throttled: %v", err)
	}
	if n := len(inner.Messages()); n != 3 {
		t.Errorf("delivered %d, want 3", n)
	}
}

func TestLimited_ZeroIntervalIsUnlimited(t *testing.T) {
	t.Parallel()

	inner := &mock.Notifier{}
	l := notify.NewLimited(inner, 0, 0)
	for range 10 {
		if err := l.Notify(context.Background(), notify.Message{OwnerID: "alice"}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := notify.LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	if err := n.Notify(context.Background(), notify.Message{OwnerID: "alice", Level: "critical", Text: "call back"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "owner_id=alice") || !strings.Contains(out, "level=critical") {
		t.Errorf("log output = %q", out)
	}
}
