package stt

import (
	"context"

	"github.com/harunnryd/haven/pkg/frames"
)

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the STT connection.
	Start(ctx context.Context) error
	// Close shuts down the STT connection.
	Close() error
	// SendAudio sends PCM16 audio frames to the STT service.
	SendAudio(frame frames.AudioFrame) error
	// Flush marks the end of a user utterance. Batch recognizers transcribe
	// what they buffered; streaming recognizers may ignore it.
	Flush() error
	// Results returns transcript frames (TextFrame with MetaIsFinal) and
	// vendor control frames.
	Results() <-chan frames.Frame
}

// SpeechMarker is implemented by recognizers that trim buffered audio to
// where the voice detector saw speech begin.
type SpeechMarker interface {
	MarkSpeechStart()
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	TraceID    string
	SampleRate int
	Language   string
}
