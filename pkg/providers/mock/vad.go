package mock

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/adapters/vad"
)

type VADConfig struct {
	SampleRate int
	// Threshold is the RMS level, in [0, 1], above which a chunk is speech.
	Threshold float64
	// SilenceChunks is how many quiet chunks end an utterance.
	SilenceChunks int
	LoadErr       error
}

// VAD is an energy detector. It is deterministic, which makes it useful in
// tests and for running without the Silero model.
type VAD struct {
	cfg      VADConfig
	mu       sync.Mutex
	speaking bool
	quiet    int
	seen     int
	closed   bool
}

func NewVAD(cfg VADConfig) (*VAD, error) {
	if cfg.LoadErr != nil {
		return nil, cfg.LoadErr
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.02
	}
	if cfg.SilenceChunks <= 0 {
		cfg.SilenceChunks = 3
	}
	return &VAD{cfg: cfg}, nil
}

func (v *VAD) Name() string { return "mock_vad" }

func (v *VAD) SampleRate() int { return v.cfg.SampleRate }

func (v *VAD) Detect(samples []float32) ([]vad.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, errors.New("mock vad closed")
	}
	offset := time.Duration(v.seen) * time.Second / time.Duration(v.cfg.SampleRate)
	v.seen += len(samples)
	if len(samples) == 0 {
		return nil, nil
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	loud := math.Sqrt(sum/float64(len(samples))) >= v.cfg.Threshold

	switch {
	case loud && !v.speaking:
		v.speaking = true
		v.quiet = 0
		return []vad.Event{{Type: vad.SpeechStart, Offset: offset}}, nil
	case loud:
		v.quiet = 0
	case v.speaking:
		v.quiet++
		if v.quiet >= v.cfg.SilenceChunks {
			v.speaking = false
			v.quiet = 0
			return []vad.Event{{Type: vad.SpeechEnd, Offset: offset}}, nil
		}
	}
	return nil, nil
}

func (v *VAD) Reset() error {
	v.mu.Lock()
	v.speaking = false
	v.quiet = 0
	v.seen = 0
	v.mu.Unlock()
	return nil
}

func (v *VAD) Close() error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	return nil
}

var _ vad.Detector = (*VAD)(nil)
