package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/MrWong99/murmur/internal/conversation"
	"github.com/MrWong99/murmur/internal/extraction"
	"github.com/MrWong99/murmur/internal/memory"
	"github.com/MrWong99/murmur/internal/observe/observetest"
	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/types"
)

type fakeConversations struct {
	mu        sync.Mutex
	convs     map[string]*types.Conversation
	outcome   conversation.CallbackOutcome
	cbErr     error
	callbacks []extraction.Callback
	filter    store.ConversationFilter
	reprocErr error
}

func (f *fakeConversations) Get(_ context.Context, ownerID, id string) (*types.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok || c.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	return c, nil
}

func (f *fakeConversations) List(_ context.Context, ownerID string, filter store.ConversationFilter) ([]*types.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	var out []*types.Conversation
	for _, c := range f.convs {
		if c.OwnerID == ownerID && (filter.Status == "" || c.Status == filter.Status) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConversations) Reprocess(ctx context.Context, ownerID, id string) error {
	if _, err := f.Get(ctx, ownerID, id); err != nil {
		return err
	}
	return f.reprocErr
}

func (f *fakeConversations) snapshot() ([]extraction.Callback, store.ConversationFilter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]extraction.Callback(nil), f.callbacks...), f.filter
}

func (f *fakeConversations) HandleCallback(_ context.Context, cb extraction.Callback) (conversation.CallbackOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
	return f.outcome, f.cbErr
}

type fakeMemories struct {
	mu     sync.Mutex
	added  []types.MemoryCandidate
	addErr error
	filter store.MemoryFilter
}

func (f *fakeMemories) snapshot() ([]types.MemoryCandidate, store.MemoryFilter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.MemoryCandidate(nil), f.added...), f.filter
}

func (f *fakeMemories) List(_ context.Context, ownerID string, filter store.MemoryFilter) ([]types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return []types.Memory{{ID: "m1", OwnerID: ownerID, Content: "Likes hiking", Category: types.MemoryRoutine}}, nil
}

func (f *fakeMemories) AddManual(_ context.Context, ownerID string, c types.MemoryCandidate) (types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return types.Memory{}, f.addErr
	}
	f.added = append(f.added, c)
	return types.Memory{ID: memory.ID(ownerID, c.Content), OwnerID: ownerID, Content: c.Content, Category: c.Category, Manual: true}, nil
}

func (f *fakeMemories) SetReview(_ context.Context, ownerID, id string, review types.ReviewState) (types.Memory, error) {
	if !review.IsValid() {
		return types.Memory{}, memory.ErrInvalid
	}
	if id != "m1" {
		return types.Memory{}, store.ErrNotFound
	}
	return types.Memory{ID: id, OwnerID: ownerID, Review: review}, nil
}

func newRESTServer(t *testing.T, convs *fakeConversations, mems *fakeMemories, opts ...Option) *httptest.Server {
	t.Helper()
	m, _ := observetest.NewMetrics(t)
	s := New(nil, convs, mems, append([]Option{WithMetrics(m)}, opts...)...)
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, owner, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	out := map[string]any{}
	if buf.Len() > 0 {
		if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", buf.String(), err)
		}
	}
	return resp.StatusCode, out
}

func TestCallbackEndpoint(t *testing.T) {
	t.Parallel()

	body := `{"uid":"alice","conversation_id":"c1","memories":[]}`
	tests := []struct {
		name       string
		outcome    conversation.CallbackOutcome
		err        error
		body       string
		wantStatus int
		wantField  string
	}{
		{name: "partial", outcome: conversation.CallbackPartial, body: body, wantStatus: http.StatusOK, wantField: "ok"},
		{name: "completed", outcome: conversation.CallbackCompleted, body: body, wantStatus: http.StatusOK, wantField: "ok"},
		{name: "late", outcome: conversation.CallbackIgnored, body: body, wantStatus: http.StatusOK, wantField: "ignored"},
		{name: "unknown conversation", err: fmt.Errorf("%w: c1", conversation.ErrNotFound), body: body, wantStatus: http.StatusNotFound},
		{name: "failed conversation", err: conversation.ErrNotProcessing, body: body, wantStatus: http.StatusConflict},
		{name: "malformed payload", err: fmt.Errorf("%w: missing title", extraction.ErrMalformed), body: body, wantStatus: http.StatusBadRequest},
		{name: "store failure", err: errors.New("connection reset"), body: body, wantStatus: http.StatusInternalServerError},
		{name: "not json", body: `{"uid":`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			convs := &fakeConversations{outcome: tt.outcome, cbErr: tt.err}
			srv := newRESTServer(t, convs, &fakeMemories{})

			status, out := do(t, http.MethodPost, srv.URL+"/v1/callbacks/extraction", "", tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", status, tt.wantStatus, out)
			}
			if tt.wantField != "" && out["status"] != tt.wantField {
				t.Errorf("status field = %v, want %s", out["status"], tt.wantField)
			}
			if status == http.StatusInternalServerError && out["error"] != "internal error" {
				t.Errorf("server error leaked detail: %v", out["error"])
			}
		})
	}
}

func TestCallbackEndpoint_DecodesEnvelope(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{outcome: conversation.CallbackPartial}
	srv := newRESTServer(t, convs, &fakeMemories{})
	body := `{"uid":"alice","conversation_id":"c1","memories":[{"content":"Sister lives in Lisbon","category":"routine","tags":["family"]}]}`
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/callbacks/extraction", "", body); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	cbs, _ := convs.snapshot()
	cb := cbs[0]
	if cb.OwnerID != "alice" || cb.ConversationID != "c1" || cb.Memories == nil || len(*cb.Memories) != 1 || cb.Structured != nil {
		t.Errorf("callback = %+v", cb)
	}
}

func TestCallbackEndpoint_Token(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{outcome: conversation.CallbackPartial}
	srv := newRESTServer(t, convs, &fakeMemories{}, WithCallbackToken("s3cret"))
	body := `{"uid":"alice","conversation_id":"c1","memories":[]}`

	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/callbacks/extraction", "", body); status != http.StatusUnauthorized {
		t.Errorf("without token status = %d", status)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/callbacks/extraction", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token status = %d", resp.StatusCode)
	}
	if cbs, _ := convs.snapshot(); len(cbs) != 1 {
		t.Errorf("callbacks = %d", len(cbs))
	}
}

func TestConversationEndpoints(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)
	done := types.NewConversation("c1", "alice", now)
	done.Status = types.StatusCompleted
	done.Discarded = true
	failed := types.NewConversation("c2", "alice", now)
	failed.Status = types.StatusFailed
	convs := &fakeConversations{convs: map[string]*types.Conversation{"c1": done, "c2": failed}}
	srv := newRESTServer(t, convs, &fakeMemories{})

	status, out := do(t, http.MethodGet, srv.URL+"/v1/conversations/c1", "alice", "")
	if status != http.StatusOK || out["status"] != "completed" || out["discarded"] != true {
		t.Errorf("get = %d %v", status, out)
	}
	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/conversations/c1", "bob", ""); status != http.StatusNotFound {
		t.Errorf("foreign get status = %d", status)
	}
	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/conversations/c1", "", ""); status != http.StatusUnauthorized {
		t.Errorf("anonymous get status = %d", status)
	}

	status, out = do(t, http.MethodGet, srv.URL+"/v1/conversations?status=failed&limit=5", "alice", "")
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if list, _ := out["conversations"].([]any); len(list) != 1 {
		t.Errorf("list = %v", out)
	}
	if _, f := convs.snapshot(); f.Status != types.StatusFailed || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}
	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/conversations?status=archived", "alice", ""); status != http.StatusBadRequest {
		t.Errorf("bad status filter = %d", status)
	}
	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/conversations?limit=-1", "alice", ""); status != http.StatusBadRequest {
		t.Errorf("bad limit = %d", status)
	}

	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/conversations/c2/reprocess", "alice", ""); status != http.StatusAccepted {
		t.Errorf("reprocess status = %d", status)
	}
	convs.mu.Lock()
	convs.reprocErr = fmt.Errorf("%w: completed → processing", types.ErrIllegalTransition)
	convs.mu.Unlock()
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/conversations/c1/reprocess", "alice", ""); status != http.StatusConflict {
		t.Errorf("reprocess completed status = %d", status)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	t.Parallel()

	mems := &fakeMemories{}
	srv := newRESTServer(t, &fakeConversations{}, mems)

	status, out := do(t, http.MethodGet, srv.URL+"/v1/memories?category=high-salience&since=2024-06-01T00:00:00Z", "alice", "")
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if list, _ := out["memories"].([]any); len(list) != 1 {
		t.Errorf("list = %v", out)
	}
	if _, f := mems.snapshot(); f.Category != types.MemoryHighSalience || f.Since.IsZero() {
		t.Errorf("filter = %+v", f)
	}
	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/memories?since=yesterday", "alice", ""); status != http.StatusBadRequest {
		t.Errorf("bad since = %d", status)
	}

	status, out = do(t, http.MethodPost, srv.URL+"/v1/memories", "alice", `{"content":"Allergic to peanuts","category":"interesting","visibility":"public"}`)
	if status != http.StatusCreated || out["manual"] != true {
		t.Errorf("add = %d %v", status, out)
	}
	if added, _ := mems.snapshot(); len(added) != 1 || added[0].Category != types.MemoryHighSalience || added[0].Visibility != types.VisibilityPublic {
		t.Errorf("candidates = %+v", added)
	}

	mems.mu.Lock()
	mems.addErr = memory.ErrDuplicate
	mems.mu.Unlock()
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/memories", "alice", `{"content":"allergic to peanuts!"}`); status != http.StatusConflict {
		t.Errorf("duplicate status = %d", status)
	}

	status, out = do(t, http.MethodPatch, srv.URL+"/v1/memories/m1", "alice", `{"review":"rejected"}`)
	if status != http.StatusOK || out["review"] != "rejected" {
		t.Errorf("review = %d %v", status, out)
	}
	if status, _ := do(t, http.MethodPatch, srv.URL+"/v1/memories/m1", "alice", `{"review":"maybe"}`); status != http.StatusBadRequest {
		t.Errorf("invalid review status = %d", status)
	}
	if status, _ := do(t, http.MethodPatch, srv.URL+"/v1/memories/nope", "alice", `{"review":"accepted"}`); status != http.StatusNotFound {
		t.Errorf("missing memory status = %d", status)
	}
}
