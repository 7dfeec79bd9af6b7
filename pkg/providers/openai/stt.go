package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/adapters/stt"
	"github.com/harunnryd/haven/pkg/audio"
	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/resilience"
)

const DefaultSTTModel = "whisper-1"

const (
	// maxUtterance caps buffered audio; older samples are dropped first.
	maxUtterance   = 30 * time.Second
	defaultPreRoll = 300 * time.Millisecond
)

type STTConfig struct {
	stt.Config
	APIKey  string
	Model   string
	BaseURL string
	// PreRoll is how much audio before the detected speech start is kept.
	PreRoll time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// STT buffers an utterance and transcribes it with Whisper on Flush. Once
// MarkSpeechStart has been called, audio outside speech is kept only as a
// short pre-roll.
type STT struct {
	cfg      STTConfig
	out      chan frames.Frame
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	buf      []int16
	gated    bool
	inSpeech bool
	started  bool
	closed   bool
	wg       sync.WaitGroup
}

func NewSTT(cfg STTConfig) *STT {
	if cfg.Model == "" {
		cfg.Model = DefaultSTTModel
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PreRoll <= 0 {
		cfg.PreRoll = defaultPreRoll
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &STT{cfg: cfg, out: make(chan frames.Frame, 32)}
}

func (s *STT) Name() string { return "openai_stt" }

func (s *STT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("openai stt closed")
	}
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	return nil
}

func (s *STT) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	close(s.out)
	return nil
}

func (s *STT) SendAudio(frame frames.AudioFrame) error {
	samples := audio.BytesToInt16(frame.RawPayload())
	if frame.Rate() != 0 && frame.Rate() != s.cfg.SampleRate {
		samples = audio.Resample(samples, frame.Rate(), s.cfg.SampleRate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("openai stt not started")
	}
	s.buf = append(s.buf, samples...)
	if s.gated && !s.inSpeech {
		s.keepLast(s.cfg.PreRoll)
	} else {
		s.keepLast(maxUtterance)
	}
	return nil
}

// MarkSpeechStart drops buffered audio older than the pre-roll.
func (s *STT) MarkSpeechStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gated = true
	s.inSpeech = true
	s.keepLast(s.cfg.PreRoll)
}

func (s *STT) keepLast(d time.Duration) {
	limit := int(d * time.Duration(s.cfg.SampleRate) / time.Second)
	if len(s.buf) > limit {
		s.buf = append(s.buf[:0], s.buf[len(s.buf)-limit:]...)
	}
}

// Flush transcribes the buffered utterance in the background.
func (s *STT) Flush() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("openai stt not started")
	}
	samples := s.buf
	s.buf = nil
	s.inSpeech = false
	ctx := s.ctx
	if len(samples) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		text, err := s.transcribe(ctx, samples)
		if err != nil {
			if ctx.Err() == nil {
				reason := errorsx.ReasonSTTSend
				if resilience.IsRateLimit(err) {
					reason = errorsx.ReasonSTTRateLimit
				}
				s.cfg.Logger.Warn("whisper transcription failed", "error", err, "reason", reason)
			}
			return
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		f := frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), text, map[string]string{
			frames.MetaSource:   "stt",
			frames.MetaIsFinal:  "true",
			frames.MetaLanguage: s.cfg.Language,
		})
		select {
		case s.out <- f:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (s *STT) Results() <-chan frames.Frame { return s.out }

func (s *STT) transcribe(ctx context.Context, samples []int16) (string, error) {
	wav, err := audio.EncodeWAV(samples, s.cfg.SampleRate)
	if err != nil {
		return "", err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wav); err != nil {
		return "", err
	}
	_ = mw.WriteField("model", s.cfg.Model)
	_ = mw.WriteField("response_format", "json")
	if s.cfg.Language != "" {
		_ = mw.WriteField("language", s.cfg.Language)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.Text, nil
}

var (
	_ stt.StreamingSTT = (*STT)(nil)
	_ stt.SpeechMarker = (*STT)(nil)
)
