package turn

import "github.com/harunnryd/haven/pkg/frames"

// InterruptEmitter receives the control frame sent on barge-in.
type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}

// EmitterFunc adapts a function to InterruptEmitter.
type EmitterFunc func(frames.Frame) error

func (f EmitterFunc) Emit(frame frames.Frame) error { return f(frame) }

func NewInterruptFrame(streamID string, pts int64, meta map[string]string) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlStartInterruption, meta)
}
