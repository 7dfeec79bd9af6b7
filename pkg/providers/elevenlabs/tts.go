package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/haven/pkg/adapters/tts"
	"github.com/harunnryd/haven/pkg/audio"
	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/logging"
	"github.com/harunnryd/haven/pkg/resilience"
)

const DefaultBaseURL = "wss://api.elevenlabs.io/v1"

type Config struct {
	tts.Config
	APIKey       string
	ModelID      string
	OutputFormat string
	BaseURL      string
	Stability    float64
	Similarity   float64
	Logger       *slog.Logger
}

// ElevenLabsTTS opens one stream-input socket per segment. The server ends
// each segment with an isFinal message, which becomes ControlAudioReady.
type ElevenLabsTTS struct {
	cfg    Config
	out    chan frames.Frame
	work   chan tts.Segment
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	pts    *frames.PTSGen

	mu      sync.Mutex
	started bool
	closed  bool
	epoch   int
	conn    *websocket.Conn
	wg      sync.WaitGroup
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	cfg.SampleRate = formatRate(cfg.OutputFormat)
	return &ElevenLabsTTS{
		cfg:  cfg,
		out:  make(chan frames.Frame, 256),
		work: make(chan tts.Segment, 64),
		log:  logging.NewComponentLogger(cfg.Logger, "elevenlabs_tts").With(slog.String("stream_id", cfg.StreamID)),
		pts:  frames.NewPTSGen(),
	}
}

// formatRate reads the rate out of formats like pcm_24000 or ulaw_8000.
func formatRate(format string) int {
	if i := strings.LastIndexByte(format, '_'); i >= 0 {
		if n, err := strconv.Atoi(format[i+1:]); err == nil && n > 0 {
			return n
		}
	}
	return 16000
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) SampleRate() int { return s.cfg.SampleRate }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.Voice == "" {
		return errorsx.Wrap(errors.New("missing elevenlabs config"), errorsx.ReasonTTSConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("elevenlabs tts closed")
	}
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.wg.Add(1)
	go s.loop()
	s.log.Info("elevenlabs tts started", slog.String("output_format", s.cfg.OutputFormat))
	return nil
}

func (s *ElevenLabsTTS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.started = false
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if started {
		s.wg.Wait()
	}
	close(s.out)
	return nil
}

func (s *ElevenLabsTTS) SendText(speechID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not connected")
	}
	select {
	case s.work <- tts.Segment{SpeechID: speechID, Text: text}:
		return nil
	default:
		return errorsx.Wrapf(errors.New("queue full"), errorsx.ReasonTTSSend, "elevenlabs")
	}
}

// Flush drops the segment in progress by closing its socket.
func (s *ElevenLabsTTS) Flush() {
	s.mu.Lock()
	s.epoch++
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	for {
		select {
		case <-s.work:
		default:
			s.log.Debug("tts queue purged")
			return
		}
	}
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

func (s *ElevenLabsTTS) buildURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/text-to-speech/" + url.PathEscape(s.cfg.Voice) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "3")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *ElevenLabsTTS) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case seg := <-s.work:
			s.mu.Lock()
			epoch := s.epoch
			s.mu.Unlock()
			err := s.synthesize(seg, epoch)
			if err != nil && s.ctx.Err() == nil && s.currentEpoch() == epoch {
				reason := errorsx.ReasonTTSSend
				if resilience.IsRateLimit(err) {
					reason = errorsx.ReasonTTSRateLimit
				}
				s.log.Warn("elevenlabs segment failed", "error", err, "reason", reason)
			}
			if s.currentEpoch() != epoch {
				continue
			}
			s.emit(frames.NewControlFrame(s.cfg.StreamID, s.pts.Next(s.cfg.StreamID), frames.ControlAudioReady, map[string]string{
				frames.MetaSource:   "elevenlabs",
				frames.MetaSpeechID: seg.SpeechID,
			}), epoch)
		}
	}
}

func (s *ElevenLabsTTS) synthesize(seg tts.Segment, epoch int) error {
	u, err := s.buildURL()
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(s.ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	defer conn.Close()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
		},
		{"text": seg.Text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		final, err := s.handleMessage(data, seg.SpeechID, epoch)
		if err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

type streamMessage struct {
	Audio   string `json:"audio"`
	IsFinal *bool  `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleMessage emits decoded audio and reports whether the segment ended.
func (s *ElevenLabsTTS) handleMessage(data []byte, speechID string, epoch int) (bool, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("tts websocket raw data", "bytes", len(data))
		return false, nil
	}
	if msg.Error != "" {
		return false, errors.New("elevenlabs: " + msg.Error + ": " + msg.Message)
	}
	if msg.Audio != "" {
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			s.log.Error("tts audio decode error", "error", err)
			return false, nil
		}
		if strings.HasPrefix(s.cfg.OutputFormat, "ulaw") {
			raw = audio.Int16ToBytes(audio.MulawDecode(raw))
		}
		dur := time.Duration(len(raw)/2) * time.Second / time.Duration(s.cfg.SampleRate)
		f := frames.NewAudioFrame(s.cfg.StreamID, s.pts.Advance(s.cfg.StreamID, dur), raw, s.cfg.SampleRate, 1, map[string]string{
			frames.MetaStreamID: s.cfg.StreamID,
			frames.MetaSource:   "elevenlabs",
			frames.MetaEncoding: frames.EncodingPCM16,
			frames.MetaSpeechID: speechID,
		})
		s.emit(f, epoch)
	}
	return msg.IsFinal != nil && *msg.IsFinal, nil
}

func (s *ElevenLabsTTS) currentEpoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *ElevenLabsTTS) emit(f frames.Frame, epoch int) {
	if s.currentEpoch() != epoch {
		return
	}
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
