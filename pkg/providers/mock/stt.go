package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/adapters/stt"
	"github.com/harunnryd/haven/pkg/frames"
)

type STTConfig struct {
	StreamID string
	// Transcripts are emitted one per Flush that follows buffered audio.
	// The last one repeats once the list is exhausted.
	Transcripts []string
	EmitInterim bool
}

// StreamingSTT behaves like a batch recognizer: audio is counted and a
// final transcript comes out on Flush.
type StreamingSTT struct {
	cfg      STTConfig
	out      chan frames.Frame
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	started  bool
	closed   bool
	buffered int
	flushes  int
	next     int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if len(cfg.Transcripts) == 0 {
		cfg.Transcripts = []string{"mock transcript"}
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt closed")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	s.buffered += len(frame.RawPayload())
	return nil
}

// Inject emits a final transcript immediately.
func (s *StreamingSTT) Inject(text string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return
	}
	s.emit(text, true)
}

func (s *StreamingSTT) Flush() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	s.flushes++
	if s.buffered == 0 {
		s.mu.Unlock()
		return nil
	}
	s.buffered = 0
	text := s.cfg.Transcripts[s.next]
	if s.next < len(s.cfg.Transcripts)-1 {
		s.next++
	}
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil
	}
	if s.cfg.EmitInterim {
		s.emit(text, false)
	}
	s.emit(text, true)
	return nil
}

// Flushes counts Flush calls.
func (s *StreamingSTT) Flushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushes
}

// emit requires s.mu held for reading.
func (s *StreamingSTT) emit(text string, final bool) {
	isFinal := "false"
	if final {
		isFinal = "true"
	}
	f := frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), text, map[string]string{
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: isFinal,
	})
	select {
	case s.out <- f:
	case <-s.ctx.Done():
	}
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
