package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/adapters/tts"
	"github.com/harunnryd/haven/pkg/frames"
)

type TTSConfig struct {
	StreamID   string
	Voice      string
	SampleRate int
	// FramesPerText is how many 20ms silent frames each segment yields.
	FramesPerText int
	// FrameDelay paces emission so tests can interrupt mid-segment.
	FrameDelay time.Duration
}

// StreamingTTS emits deterministic silence for every segment and records
// the text it was asked to speak.
type StreamingTTS struct {
	cfg     TTSConfig
	out     chan frames.Frame
	work    chan tts.Segment
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	closed  bool
	epoch   int
	texts   []string
	flushes int
	wg      sync.WaitGroup
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FramesPerText <= 0 {
		cfg.FramesPerText = 2
	}
	return &StreamingTTS{
		cfg:  cfg,
		out:  make(chan frames.Frame, 64),
		work: make(chan tts.Segment, 64),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Voice() string { return s.cfg.Voice }

func (s *StreamingTTS) SampleRate() int { return s.cfg.SampleRate }

func (s *StreamingTTS) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock tts closed")
	}
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	started := s.started
	s.started = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if started {
		s.wg.Wait()
	}
	close(s.out)
	return nil
}

func (s *StreamingTTS) SendText(speechID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	s.texts = append(s.texts, text)
	select {
	case s.work <- tts.Segment{SpeechID: speechID, Text: text}:
		return nil
	default:
		return errors.New("mock tts queue full")
	}
}

// Flush drops queued segments and stops the one in progress.
func (s *StreamingTTS) Flush() {
	s.mu.Lock()
	s.epoch++
	s.flushes++
	s.mu.Unlock()
	for {
		select {
		case <-s.work:
		default:
			return
		}
	}
}

func (s *StreamingTTS) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *StreamingTTS) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

func (s *StreamingTTS) loop() {
	defer s.wg.Done()
	samples := s.cfg.SampleRate / 50
	for {
		select {
		case <-s.ctx.Done():
			return
		case seg := <-s.work:
			s.mu.Lock()
			epoch := s.epoch
			s.mu.Unlock()
			if !s.speak(seg, epoch, samples) {
				continue
			}
			ready := frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady, map[string]string{
				frames.MetaSource:   "tts",
				frames.MetaSpeechID: seg.SpeechID,
			})
			if !s.send(ready, epoch) {
				continue
			}
		}
	}
}

func (s *StreamingTTS) speak(seg tts.Segment, epoch, samples int) bool {
	for i := 0; i < s.cfg.FramesPerText; i++ {
		if s.cfg.FrameDelay > 0 {
			select {
			case <-s.ctx.Done():
				return false
			case <-time.After(s.cfg.FrameDelay):
			}
		}
		f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), make([]byte, samples*2), s.cfg.SampleRate, 1, map[string]string{
			frames.MetaSource:   "tts",
			frames.MetaSpeechID: seg.SpeechID,
		})
		if !s.send(f, epoch) {
			return false
		}
	}
	return true
}

// send drops frames from a flushed epoch.
func (s *StreamingTTS) send(f frames.Frame, epoch int) bool {
	s.mu.Lock()
	current := s.epoch
	s.mu.Unlock()
	if current != epoch {
		return false
	}
	select {
	case s.out <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
