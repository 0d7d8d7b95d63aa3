package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/murmur/internal/conversation"
	"github.com/MrWong99/murmur/internal/extraction"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/types"
)

type callbackReply struct {
	Status  string                       `json:"status"`
	Outcome conversation.CallbackOutcome `json:"outcome"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedCallback(r) {
		writeError(w, http.StatusUnauthorized, "invalid callback token")
		return
	}
	var cb extraction.Callback
	if err := decodeJSON(w, r, &cb); err != nil {
		observe.Count(r.Context(), s.metrics.Callbacks, "outcome", "rejected")
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	outcome, err := s.conversations.HandleCallback(r.Context(), cb)
	if err != nil {
		fail(w, r, err)
		return
	}
	status := "ok"
	if outcome == conversation.CallbackIgnored {
		status = "ignored"
	}
	writeJSON(w, http.StatusOK, callbackReply{Status: status, Outcome: outcome})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, ownerID string) {
	c, err := s.conversations.Get(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, ownerID string) {
	q := r.URL.Query()
	f := store.ConversationFilter{Status: types.Status(q.Get("status"))}
	if f.Status != "" && !f.Status.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	f.Limit = limit

	cs, err := s.conversations.List(r.Context(), ownerID, f)
	if err != nil {
		fail(w, r, err)
		return
	}
	if cs == nil {
		cs = []*types.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": cs})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request, ownerID string) {
	id := r.PathValue("id")
	if err := s.conversations.Reprocess(r.Context(), ownerID, id); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(types.StatusProcessing), "id": id})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request, ownerID string) {
	q := r.URL.Query()
	var f store.MemoryFilter
	if c := q.Get("category"); c != "" {
		f.Category = types.ParseMemoryCategory(c)
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		f.Since = t
	}
	f.IncludeRejected = q.Get("include_rejected") == "true"
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	f.Limit = limit

	ms, err := s.memories.List(r.Context(), ownerID, f)
	if err != nil {
		fail(w, r, err)
		return
	}
	if ms == nil {
		ms = []types.Memory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": ms})
}

type addMemoryRequest struct {
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Visibility string   `json:"visibility"`
	Tags       []string `json:"tags"`
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req addMemoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	m, err := s.memories.AddManual(r.Context(), ownerID, types.MemoryCandidate{
		Content:    req.Content,
		Category:   types.ParseMemoryCategory(req.Category),
		Visibility: types.ParseVisibility(req.Visibility),
		Tags:       req.Tags,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type reviewRequest struct {
	Review types.ReviewState `json:"review"`
}

func (s *Server) handleReviewMemory(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	m, err := s.memories.SetReview(r.Context(), ownerID, r.PathValue("id"), req.Review)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
