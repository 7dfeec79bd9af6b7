package vad

import "time"

type EventType int

const (
	SpeechStart EventType = iota + 1
	SpeechEnd
)

func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event marks a speech boundary. Offset is measured from the first sample
// the detector saw since the last Reset.
type Event struct {
	Type   EventType
	Offset time.Duration
}

// Detector finds speech boundaries in a continuous mono stream. Detect is
// fed consecutive chunks and keeps its state between calls.
type Detector interface {
	Name() string
	// SampleRate is the only rate Detect accepts.
	SampleRate() int
	Detect(samples []float32) ([]Event, error)
	Reset() error
	Close() error
}
