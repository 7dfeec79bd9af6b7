package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/adapters/tts"
	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/resilience"
)

const (
	DefaultTTSModel = "tts-1"
	DefaultVoice    = "alloy"
	// The speech endpoint returns raw 24 kHz mono PCM16 for response_format=pcm.
	speechSampleRate = 24000
	frameDuration    = 20 * time.Millisecond
)

type TTSConfig struct {
	tts.Config
	APIKey  string
	Model   string
	BaseURL string
	Speed   float64
	Client  *http.Client
	Logger  *slog.Logger
}

// TTS synthesizes each segment with one /audio/speech request and streams
// the body back as 20ms frames.
type TTS struct {
	cfg    TTSConfig
	out    chan frames.Frame
	work   chan tts.Segment
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	closed    bool
	epoch     int
	reqCancel context.CancelFunc
	wg        sync.WaitGroup
	pts       *frames.PTSGen
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.Model == "" {
		cfg.Model = DefaultTTSModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.SampleRate = speechSampleRate
	return &TTS{
		cfg:  cfg,
		out:  make(chan frames.Frame, 256),
		work: make(chan tts.Segment, 64),
		pts:  frames.NewPTSGen(),
	}
}

func (t *TTS) Name() string { return "openai_tts" }

func (t *TTS) Voice() string { return t.cfg.Voice }

func (t *TTS) SampleRate() int { return speechSampleRate }

func (t *TTS) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("openai tts closed")
	}
	if t.started {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.started = true
	t.wg.Add(1)
	go t.loop()
	return nil
}

func (t *TTS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.started = false
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		t.wg.Wait()
	}
	close(t.out)
	return nil
}

func (t *TTS) SendText(speechID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return errors.New("openai tts not started")
	}
	select {
	case t.work <- tts.Segment{SpeechID: speechID, Text: text}:
		return nil
	default:
		return errorsx.Wrapf(errors.New("queue full"), errorsx.ReasonTTSSend, "openai tts")
	}
}

// Flush cancels the request in flight and drops queued segments.
func (t *TTS) Flush() {
	t.mu.Lock()
	t.epoch++
	if t.reqCancel != nil {
		t.reqCancel()
		t.reqCancel = nil
	}
	t.mu.Unlock()
	for {
		select {
		case <-t.work:
		default:
			return
		}
	}
}

func (t *TTS) Results() <-chan frames.Frame { return t.out }

func (t *TTS) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case seg := <-t.work:
			t.mu.Lock()
			epoch := t.epoch
			reqCtx, cancel := context.WithCancel(t.ctx)
			t.reqCancel = cancel
			t.mu.Unlock()

			err := t.synthesize(reqCtx, seg, epoch)
			cancel()
			if err != nil && reqCtx.Err() == nil {
				reason := errorsx.ReasonTTSSend
				if resilience.IsRateLimit(err) {
					reason = errorsx.ReasonTTSRateLimit
				}
				t.cfg.Logger.Warn("openai speech failed", "error", err, "reason", reason)
			}
			if t.currentEpoch() != epoch {
				continue
			}
			// A failed segment still completes so the speaker does not stall.
			t.send(frames.NewControlFrame(t.cfg.StreamID, t.pts.Next(t.cfg.StreamID), frames.ControlAudioReady, map[string]string{
				frames.MetaSource:   "tts",
				frames.MetaSpeechID: seg.SpeechID,
			}), epoch)
		}
	}
}

func (t *TTS) synthesize(ctx context.Context, seg tts.Segment, epoch int) error {
	payload := map[string]any{
		"model":           t.cfg.Model,
		"voice":           t.cfg.Voice,
		"input":           seg.Text,
		"response_format": "pcm",
	}
	if t.cfg.Speed > 0 {
		payload["speed"] = t.cfg.Speed
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.cfg.BaseURL, "/")+"/audio/speech", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	frameBytes := speechSampleRate * 2 * int(frameDuration/time.Millisecond) / 1000
	buf := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n&^1]...)
			f := frames.NewAudioFrame(t.cfg.StreamID, t.pts.Advance(t.cfg.StreamID, frameDuration), chunk, speechSampleRate, 1, map[string]string{
				frames.MetaSource:   "tts",
				frames.MetaEncoding: frames.EncodingPCM16,
				frames.MetaSpeechID: seg.SpeechID,
			})
			if !t.send(f, epoch) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (t *TTS) currentEpoch() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// send drops frames from a flushed epoch.
func (t *TTS) send(f frames.Frame, epoch int) bool {
	if t.currentEpoch() != epoch {
		return false
	}
	select {
	case t.out <- f:
		return true
	case <-t.ctx.Done():
		return false
	}
}

var _ tts.StreamingTTS = (*TTS)(nil)
