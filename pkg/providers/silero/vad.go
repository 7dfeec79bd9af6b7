package silero

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/harunnryd/haven/pkg/adapters/vad"
	"github.com/harunnryd/haven/pkg/errorsx"
)

const (
	SampleRate = 16000
	// DefaultWindowSize is 32ms at 16 kHz. The model also accepts 1024 and 1536.
	DefaultWindowSize = 512
)

// errSpeechEnd is what the detector returns when speech that began in an
// earlier call ends in this one.
const errSpeechEnd = "unexpected speech end"

type Config struct {
	ModelPath            string
	Threshold            float32
	MinSilenceDurationMs int
	SpeechPadMs          int
	WindowSize           int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.5
	}
	if c.MinSilenceDurationMs <= 0 {
		c.MinSilenceDurationMs = 550
	}
	if c.SpeechPadMs <= 0 {
		c.SpeechPadMs = 30
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	return c
}

func detectorConfig(cfg Config) speech.DetectorConfig {
	return speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           SampleRate,
		WindowSize:           cfg.WindowSize,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	}
}

type segmentDetector interface {
	Detect(pcm []float32) ([]speech.Segment, error)
	Reset() error
	Destroy() error
}

// VAD wraps the Silero ONNX model. The model keeps state across calls, so
// Detect must be fed consecutive audio. Input is buffered and handed to the
// model one window at a time.
type VAD struct {
	mu       sync.Mutex
	det      segmentDetector
	window   int
	buf      []float32
	consumed int
	speaking bool
	closed   bool
}

// Load reads the model from disk. A missing file fails with reason vad_load.
func Load(cfg Config) (*VAD, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelPath == "" {
		return nil, errorsx.Wrap(errors.New("silero: model_path is required"), errorsx.ReasonVADLoad)
	}
	dc := detectorConfig(cfg)
	if err := dc.IsValid(); err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonVADLoad, "silero config")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonVADLoad, "silero model %s", cfg.ModelPath)
	}
	det, err := speech.NewDetector(dc)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonVADLoad, "silero detector")
	}
	return newVAD(det, cfg.WindowSize), nil
}

func newVAD(det segmentDetector, window int) *VAD {
	return &VAD{det: det, window: window}
}

func (v *VAD) Name() string { return "silero" }

func (v *VAD) SampleRate() int { return SampleRate }

// Detect accepts chunks of any length. The detector only infers on the
// windows it can fit below len(pcm)-window, so each call passes one window
// plus a trailing sample and the trailing sample stays buffered.
func (v *VAD) Detect(samples []float32) ([]vad.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, errors.New("silero vad closed")
	}
	v.buf = append(v.buf, samples...)
	var events []vad.Event
	for len(v.buf) > v.window {
		segments, err := v.det.Detect(v.buf[:v.window+1])
		v.buf = append(v.buf[:0], v.buf[v.window:]...)
		v.consumed += v.window
		if err != nil {
			if v.speaking && strings.Contains(err.Error(), errSpeechEnd) {
				v.speaking = false
				events = append(events, vad.Event{Type: vad.SpeechEnd, Offset: v.offset()})
				continue
			}
			return events, fmt.Errorf("silero detect: %w", err)
		}
		for _, seg := range segments {
			if !v.speaking {
				v.speaking = true
				events = append(events, vad.Event{Type: vad.SpeechStart, Offset: seconds(seg.SpeechStartAt)})
			}
			if seg.SpeechEndAt > 0 {
				v.speaking = false
				events = append(events, vad.Event{Type: vad.SpeechEnd, Offset: seconds(seg.SpeechEndAt)})
			}
		}
	}
	return events, nil
}

// offset is the stream position of the last window handed to the model.
func (v *VAD) offset() time.Duration {
	return time.Duration(v.consumed) * time.Second / SampleRate
}

func (v *VAD) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.speaking = false
	v.buf = v.buf[:0]
	v.consumed = 0
	if v.closed {
		return nil
	}
	return v.det.Reset()
}

func (v *VAD) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return v.det.Destroy()
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

var _ vad.Detector = (*VAD)(nil)
