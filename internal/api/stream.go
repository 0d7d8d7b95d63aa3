package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/MrWong99/murmur/internal/forward"
	"github.com/MrWong99/murmur/internal/ingest"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/types"
)

// streamReadLimit bounds a single websocket message. Audio frames are the
// largest expected payload.
const streamReadLimit = 1 << 20

// Client → server text frame types.
const (
	frameFragment   = "fragment"
	frameAttachment = "attachment"
	frameStop       = "stop"
)

// Server → client frame types.
const (
	frameSession  = "session"
	frameFinished = "finished"
	frameError    = "error"
)

// inFrame is a client text frame. A frame without a type is a fragment.
type inFrame struct {
	Type string `json:"type"`
	types.Fragment
}

type outFrame struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
}

var errStopRequested = errors.New("api: client requested stop")

// handleStream upgrades to a websocket and runs one ingestion session.
//
// Query parameters: language (BCP-47), timezone (IANA name or "UTC±N") and
// forward (a registered forward target). Text frames carry JSON fragments,
// binary frames carry PCM audio for the speech recogniser, and a
// {"type":"stop"} frame ends the session. The server answers with a
// "session" frame after opening and a "finished" frame once the transcript
// was handed over for enrichment.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, ownerID string) {
	q := r.URL.Query()
	var fw forward.Forwarder
	if name := q.Get("forward"); name != "" {
		var ok bool
		if fw, ok = s.forwarders[name]; !ok {
			writeError(w, http.StatusBadRequest, "unknown forward target "+name)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)

	ctx := r.Context()
	log := observe.Logger(ctx).With("owner_id", ownerID)

	sess, err := s.hub.Open(ctx, ownerID, ingest.OpenOptions{
		Language:  q.Get("language"),
		Timezone:  q.Get("timezone"),
		Forwarder: fw,
	})
	if err != nil {
		log.Error("failed to open session", "err", err)
		code := websocket.StatusInternalError
		if errors.Is(err, ingest.ErrShuttingDown) {
			code = websocket.StatusTryAgainLater
		}
		conn.Close(code, "session unavailable")
		return
	}
	log = log.With("session_id", sess.ID(), "conversation_id", sess.ConversationID())

	if err := writeFrame(ctx, conn, outFrame{Type: frameSession, SessionID: sess.ID(), ConversationID: sess.ConversationID()}); err != nil {
		log.Warn("failed to greet client", "err", err)
		_ = sess.Close(context.WithoutCancel(ctx))
		return
	}

	readErr := make(chan error, 1)
	go func() { readErr <- s.readFrames(ctx, conn, sess, q.Get("language")) }()

	select {
	case err := <-readErr:
		closeErr := sess.Close(context.WithoutCancel(ctx))
		if !errors.Is(err, errStopRequested) {
			log.Debug("stream ended by client", "err", err)
			return
		}
		if closeErr != nil {
			conn.Close(websocket.StatusInternalError, "failed to finish conversation")
			return
		}
		_ = writeFrame(ctx, conn, outFrame{Type: frameFinished, ConversationID: sess.ConversationID(), Reason: sess.EndReason()})
		conn.Close(websocket.StatusNormalClosure, "")
	case <-sess.Done():
		_ = writeFrame(ctx, conn, outFrame{Type: frameFinished, ConversationID: sess.ConversationID(), Reason: sess.EndReason()})
		conn.Close(websocket.StatusNormalClosure, sess.EndReason())
	}
}

// readFrames feeds client frames into sess until the client stops, the
// connection drops or the session ends.
func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, sess *ingest.Session, language string) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if err := s.audio(ctx, sess, language, data); err != nil {
				if errors.Is(err, ingest.ErrSessionClosed) {
					return err
				}
				_ = writeFrame(ctx, conn, outFrame{Type: frameError, Error: err.Error()})
			}
		case websocket.MessageText:
			var f inFrame
			if err := json.Unmarshal(data, &f); err != nil {
				_ = writeFrame(ctx, conn, outFrame{Type: frameError, Error: "invalid frame: " + err.Error()})
				continue
			}
			switch f.Type {
			case frameStop:
				return errStopRequested
			case frameAttachment:
				err = sess.AddAttachment()
			case frameFragment, "":
				if f.Source == "" {
					f.Source = "client"
				}
				f.IsFinal = true
				err = sess.Push(f.Fragment)
			default:
				_ = writeFrame(ctx, conn, outFrame{Type: frameError, Error: "unknown frame type " + f.Type})
			}
			if err != nil {
				return err
			}
		}
	}
}

// audio forwards a PCM chunk, opening the recogniser on the first chunk.
func (s *Server) audio(ctx context.Context, sess *ingest.Session, language string, chunk []byte) error {
	if s.stt == nil {
		return errors.New("audio streaming is not enabled")
	}
	err := sess.SendAudio(chunk)
	if !errors.Is(err, ingest.ErrNoSTT) {
		return err
	}
	cfg := s.sttConfig
	if language != "" {
		cfg.Language = language
	}
	if aerr := sess.AttachSTT(context.WithoutCancel(ctx), s.stt, s.sttSource, cfg); aerr != nil {
		return aerr
	}
	return sess.SendAudio(chunk)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f outFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
