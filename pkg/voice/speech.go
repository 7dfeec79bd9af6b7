package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrNotInterruptible = errors.New("speech does not allow interruptions")

type SayOptions struct {
	AllowInterruptions bool
	// SkipHistory keeps the spoken text out of the chat context.
	SkipHistory bool
}

// SpeechHandle tracks one queued utterance of the agent.
type SpeechHandle struct {
	id                 string
	allowInterruptions bool
	skipHistory        bool
	source             func(ctx context.Context) (<-chan string, error)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	interrupted bool
	interruptFn func(*SpeechHandle) error
	text        strings.Builder
	segments    []string
	ready       int
	readyCh     chan struct{}
	playoutEnd  time.Time
	err         error
}

func newSpeechHandle(parent context.Context, id string, opts SayOptions, source func(context.Context) (<-chan string, error)) *SpeechHandle {
	ctx, cancel := context.WithCancel(parent)
	return &SpeechHandle{
		id:                 id,
		allowInterruptions: opts.AllowInterruptions,
		skipHistory:        opts.SkipHistory,
		source:             source,
		ctx:                ctx,
		cancel:             cancel,
		done:               make(chan struct{}),
		readyCh:            make(chan struct{}, 1),
	}
}

func (h *SpeechHandle) ID() string { return h.id }

func (h *SpeechHandle) AllowInterruptions() bool { return h.allowInterruptions }

// Done is closed once the speech has finished playing or was interrupted.
func (h *SpeechHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the speech is done or ctx ends.
func (h *SpeechHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *SpeechHandle) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

// Text returns everything the speech source produced so far.
func (h *SpeechHandle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.TrimSpace(h.text.String())
}

// Err is the source error that ended the speech, if any.
func (h *SpeechHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Interrupt stops the speech. It fails for speeches that do not allow
// interruptions.
func (h *SpeechHandle) Interrupt() error {
	if !h.allowInterruptions {
		return ErrNotInterruptible
	}
	h.mu.Lock()
	fn := h.interruptFn
	h.mu.Unlock()
	if fn != nil {
		return fn(h)
	}
	h.markInterrupted()
	return nil
}

func (h *SpeechHandle) markInterrupted() bool {
	h.mu.Lock()
	already := h.interrupted
	h.interrupted = true
	h.mu.Unlock()
	h.cancel()
	return !already
}

func (h *SpeechHandle) appendText(s string) {
	h.mu.Lock()
	h.text.WriteString(s)
	h.mu.Unlock()
}

func (h *SpeechHandle) addSegment(s string) {
	h.mu.Lock()
	h.segments = append(h.segments, s)
	h.mu.Unlock()
}

func (h *SpeechHandle) segmentReady() {
	h.mu.Lock()
	h.ready++
	h.mu.Unlock()
	select {
	case h.readyCh <- struct{}{}:
	default:
	}
}

func (h *SpeechHandle) allReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready >= len(h.segments)
}

// spoken is the text of the segments whose audio was fully produced.
func (h *SpeechHandle) spoken() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.ready
	if n > len(h.segments) {
		n = len(h.segments)
	}
	return strings.Join(h.segments[:n], " ")
}

// extendPlayout pushes the expected end of playback out by d.
func (h *SpeechHandle) extendPlayout(d time.Duration) {
	h.mu.Lock()
	now := time.Now()
	if h.playoutEnd.Before(now) {
		h.playoutEnd = now
	}
	h.playoutEnd = h.playoutEnd.Add(d)
	h.mu.Unlock()
}

func (h *SpeechHandle) playoutRemaining() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Until(h.playoutEnd)
}

func (h *SpeechHandle) setErr(err error) {
	h.mu.Lock()
	if h.err == nil {
		h.err = err
	}
	h.mu.Unlock()
}

func textSource(text string) func(context.Context) (<-chan string, error) {
	return func(context.Context) (<-chan string, error) {
		ch := make(chan string, 1)
		ch <- text
		close(ch)
		return ch, nil
	}
}
