package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "", ttl), mr
}

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "owner-1", "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
	}

	job := Job{
		ConversationID: "conv-1",
		OwnerID:        "owner-1",
		SubmittedAt:    time.Date(2024, 6, 6, 15, 0, 0, 0, time.UTC),
		AwaitSummary:   true,
		AwaitMemories:  true,
	}
	if err := s.Put(ctx, job); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "owner-1", "conv-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConversationID != job.ConversationID || !got.SubmittedAt.Equal(job.SubmittedAt) || !got.AwaitSummary {
		t.Errorf("Get = %+v, want %+v", got, job)
	}

	// Jobs are scoped by owner.
	if _, err := s.Get(ctx, "owner-2", "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get for other owner: err = %v, want ErrNotFound", err)
	}

	job.AwaitSummary = false
	if err := s.Put(ctx, job); err != nil {
		t.Fatalf("Put (replace): %v", err)
	}
	got, _ = s.Get(ctx, "owner-1", "conv-1")
	if got.AwaitSummary || !got.AwaitMemories {
		t.Errorf("after replace: %+v", got)
	}

	if err := s.Delete(ctx, "owner-1", "conv-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "owner-1", "conv-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "owner-1", "conv-1"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestCacheStore_Contract(t *testing.T) {
	t.Parallel()
	storeContract(t, NewCacheStore(time.Minute))
}

func TestRedisStore_Contract(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t, time.Minute)
	storeContract(t, s)
}

func TestCacheStore_Expires(t *testing.T) {
	t.Parallel()

	s := NewCacheStore(20 * time.Millisecond)
	ctx := context.Background()
	_ = s.Put(ctx, Job{ConversationID: "c", OwnerID: "o", AwaitSummary: true})
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := s.Get(ctx, "o", "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after TTL: err = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_Expires(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	_ = s.Put(ctx, Job{ConversationID: "c", OwnerID: "o", AwaitSummary: true})

	if ttl := mr.TTL(DefaultRedisPrefix + "o/c"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Get(ctx, "o", "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after TTL: err = %v, want ErrNotFound", err)
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	t.Parallel()

	s, mr := newRedisStore(t, time.Minute)
	mr.Close()

	err := s.Put(context.Background(), Job{ConversationID: "c", OwnerID: "o"})
	if err == nil {
		t.Fatal("Put with Redis down: expected error")
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping with Redis down: expected error")
	}
}

func TestJob_Done(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"both outstanding", Job{AwaitSummary: true, AwaitMemories: true}, false},
		{"summary outstanding", Job{AwaitSummary: true}, false},
		{"memories outstanding", Job{AwaitMemories: true}, false},
		{"nothing outstanding", Job{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.job.Done(); got != tt.want {
				t.Errorf("Done() = %v, want %v", got, tt.want)
			}
		})
	}
}
