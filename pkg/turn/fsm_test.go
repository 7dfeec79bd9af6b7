package turn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/haven/pkg/frames"
)

type captureEmitter struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureEmitter) Emit(frame frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureEmitter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := newStateMachine()
	if err := sm.Transition(StateListening, "test"); err != nil {
		t.Fatalf("transition error: %v", err)
	}
	err := sm.Transition(StateListening, "test")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if invalid.From != StateListening || invalid.To != StateListening {
		t.Fatalf("unexpected error fields %+v", invalid)
	}
}

func TestBargeInInterruptsInterruptibleSpeech(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(emitter, ManagerOptions{MinBargeIn: 5 * time.Millisecond})

	m.OnAgentSpeechStart(true)
	if m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}
	m.OnUserSpeechStart()
	waitFor(t, func() bool { return emitter.Count() == 1 })

	if m.State() != StateListening {
		t.Fatalf("expected LISTENING after barge-in, got %s", m.State())
	}
	cf, ok := emitter.frames[0].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlStartInterruption {
		t.Fatalf("expected interruption frame, got %#v", emitter.frames[0])
	}
	if m.BargeInLatency() <= 0 {
		t.Fatalf("expected a barge-in latency")
	}
}

func TestShortBlipDoesNotInterrupt(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(emitter, ManagerOptions{MinBargeIn: 30 * time.Millisecond})

	m.OnAgentSpeechStart(true)
	m.OnUserSpeechStart()
	m.OnUserSpeechEnd()
	time.Sleep(60 * time.Millisecond)
	if emitter.Count() != 0 {
		t.Fatalf("expected no interruption for a blip")
	}
	if m.State() != StateSpeaking {
		t.Fatalf("expected agent to keep speaking, got %s", m.State())
	}
}

func TestNonInterruptibleSpeechIgnoresUser(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(emitter, ManagerOptions{MinBargeIn: time.Millisecond})

	m.OnAgentSpeechStart(false)
	m.OnUserSpeechStart()
	time.Sleep(20 * time.Millisecond)
	if emitter.Count() != 0 {
		t.Fatalf("non-interruptible speech was interrupted")
	}
	m.OnAgentSpeechEnd()
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING while user still talks, got %s", m.State())
	}
	m.OnUserSpeechEnd()
	if m.State() != StateThinking {
		t.Fatalf("expected THINKING, got %s", m.State())
	}
}

func TestListenersSeeTransitions(t *testing.T) {
	m := NewManager(nil, ManagerOptions{})
	var seen []StateChange
	m.AddListener(StateListenerFunc(func(ev StateChange) { seen = append(seen, ev) }))

	m.OnUserTranscript()
	m.OnAgentSpeechStart(true)
	m.OnAgentSpeechEnd()

	want := []State{StateThinking, StateSpeaking, StateIdle}
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(seen))
	}
	for i, s := range want {
		if seen[i].ToState != s {
			t.Fatalf("transition %d: expected %s, got %s", i, s, seen[i].ToState)
		}
	}
}
