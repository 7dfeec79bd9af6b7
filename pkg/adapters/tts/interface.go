package tts

import (
	"context"

	"github.com/harunnryd/haven/pkg/frames"
)

// StreamingTTS defines the contract for any TTS vendor implementation.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the TTS connection.
	Start(ctx context.Context) error
	// Close shuts down the TTS connection.
	Close() error
	// SendText queues one text segment for synthesis. Every frame of the
	// segment carries speechID under frames.MetaSpeechID, and the segment
	// ends with a ControlAudioReady frame once its audio has been emitted.
	SendText(speechID, text string) error
	// Flush stops current synthesis and drops pending audio.
	Flush()
	// SampleRate is the rate of emitted PCM16 audio frames.
	SampleRate() int
	// Results returns a channel of audio/control frames.
	Results() <-chan frames.Frame
}

// Segment is one queued piece of text and the speech it belongs to.
type Segment struct {
	SpeechID string
	Text     string
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	StreamID   string
	Voice      string
	SampleRate int
}
