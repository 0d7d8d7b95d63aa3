// Package deepgram streams audio to Deepgram's live transcription websocket
// and implements [stt.Provider].
package deepgram

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// Deepgram drops a stream after about ten seconds without data. A
	// wearable is silent far more often than that.
	defaultKeepAlive = 5 * time.Second

	flushTimeout = 2 * time.Second
)

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

type Option func(*Provider)

// WithModel selects the recognition model, e.g. "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language used when a stream does not name one.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the rate assumed when a stream does not name one.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint overrides the websocket URL, e.g. for a self-hosted
// deployment.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithKeepAlive sets how long a stream may go without audio before a
// KeepAlive message is sent.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.keepAlive = d
		}
	}
}

// Provider opens Deepgram live streams.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
	keepAlive  time.Duration
}

var _ stt.Provider = (*Provider)(nil)

func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   defaultEndpoint,
		keepAlive:  defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram. The stream outlives ctx and ends on Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: endpoint: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		conn:      conn,
		cancel:    cancel,
		keepAlive: p.keepAlive,
		diarize:   cfg.Diarize,
		audio:     make(chan []byte, 256),
		partials:  make(chan stt.Transcript, 32),
		finals:    make(chan stt.Transcript, 64),
		closed:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.send(runCtx)
	go s.receive(runCtx)
	return s, nil
}

func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cmp.Or(cfg.Language, p.language)
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.Interim))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Diarize {
		q.Set("diarize", "true")
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stream implements [stt.SessionHandle].
type stream struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	keepAlive time.Duration
	diarize   bool

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.closed:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closed:
		return stt.ErrSessionClosed
	}
}

func (s *stream) Partials() <-chan stt.Transcript { return s.partials }
func (s *stream) Finals() <-chan stt.Transcript   { return s.finals }

// Close asks Deepgram to flush and waits up to flushTimeout for it to hang
// up, so the last finals are still delivered.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		s.cancel()
		<-done
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// send forwards audio and keeps an idle stream open.
func (s *stream) send(ctx context.Context) {
	defer s.wg.Done()
	idle := time.NewTimer(s.keepAlive)
	defer idle.Stop()
	for {
		var msg []byte
		typ := websocket.MessageBinary
		select {
		case <-s.closed:
			return
		case msg = <-s.audio:
		case <-idle.C:
			msg, typ = msgKeepAlive, websocket.MessageText
		}
		if err := s.conn.Write(ctx, typ, msg); err != nil {
			return
		}
		idle.Reset(s.keepAlive)
	}
}

func (s *stream) receive(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.finals)
	defer close(s.partials)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		for _, t := range parseResults(data, s.diarize) {
			if !t.IsFinal {
				select {
				case s.partials <- t:
				default:
				}
				continue
			}
			select {
			case s.finals <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

type word struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Speaker        *int    `json:"speaker"`
}

type results struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []word  `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResults turns one websocket message into transcripts. Messages other
// than non-empty Results yield nothing. With diarize set, an utterance whose
// words carry several speakers becomes one transcript per speaker turn.
func parseResults(data []byte, diarize bool) []stt.Transcript {
	var r results
	if err := json.Unmarshal(data, &r); err != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return nil
	}
	alt := r.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return nil
	}

	whole := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  seconds(r.Start),
		Duration:   seconds(r.Duration),
	}
	if len(alt.Words) == 0 || alt.Words[0].Speaker == nil {
		return []stt.Transcript{whole}
	}
	whole.SpeakerID = speakerLabel(*alt.Words[0].Speaker)
	if !diarize {
		return []stt.Transcript{whole}
	}

	var out []stt.Transcript
	var text []string
	first := alt.Words[0]
	flush := func(last word) {
		out = append(out, stt.Transcript{
			Text:       strings.Join(text, " "),
			IsFinal:    r.IsFinal,
			Confidence: alt.Confidence,
			SpeakerID:  speakerLabel(*first.Speaker),
			Timestamp:  seconds(first.Start),
			Duration:   seconds(last.End - first.Start),
		})
		text = text[:0]
	}
	for i, w := range alt.Words {
		if w.Speaker == nil {
			w.Speaker = first.Speaker
		}
		if *w.Speaker != *first.Speaker {
			flush(alt.Words[i-1])
			first = w
		}
		text = append(text, cmp.Or(w.PunctuatedWord, w.Word))
	}
	flush(alt.Words[len(alt.Words)-1])
	if len(out) == 1 {
		// One speaker: keep the transcript text and the utterance timing.
		return []stt.Transcript{whole}
	}
	return out
}

func speakerLabel(n int) string { return "SPEAKER_" + strconv.Itoa(n) }

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
