package turn

import (
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/frames"
)

type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

type ManagerOptions struct {
	// MinBargeIn is how long the user must keep talking over an
	// interruptible speech before it is cut. Defaults to 300ms.
	MinBargeIn time.Duration
}

// Manager tracks whose turn it is and decides when user speech interrupts
// the agent.
type Manager struct {
	mu              sync.Mutex
	sm              *stateMachine
	emit            InterruptEmitter
	interruptible   bool
	userSpeaking    bool
	userSpeechStart time.Time
	minBargeIn      time.Duration
	bargeInTimer    *time.Timer
	lastBargeIn     time.Duration
}

func NewManager(emitter InterruptEmitter, opts ManagerOptions) *Manager {
	minBargeIn := opts.MinBargeIn
	if minBargeIn <= 0 {
		minBargeIn = 300 * time.Millisecond
	}
	return &Manager{
		sm:         newStateMachine(),
		emit:       emitter,
		minBargeIn: minBargeIn,
	}
}

func (m *Manager) State() State { return m.sm.State() }

func (m *Manager) AddListener(listener StateListener) { m.sm.AddListener(listener) }

// OnUserSpeechStart arms a barge-in when the agent is speaking an
// interruptible speech. The interrupt fires only if the user is still
// talking after MinBargeIn.
func (m *Manager) OnUserSpeechStart() {
	m.mu.Lock()
	m.userSpeaking = true
	m.userSpeechStart = time.Now()
	if m.bargeInTimer != nil {
		m.bargeInTimer.Stop()
		m.bargeInTimer = nil
	}
	speaking := m.sm.State() == StateSpeaking
	if !speaking {
		m.mu.Unlock()
		_ = m.sm.Transition(StateListening, "user speech start")
		return
	}
	if m.interruptible {
		start := m.userSpeechStart
		m.bargeInTimer = time.AfterFunc(m.minBargeIn, func() { m.fireBargeIn(start) })
	}
	m.mu.Unlock()
}

func (m *Manager) OnUserSpeechEnd() {
	m.mu.Lock()
	m.userSpeaking = false
	if m.bargeInTimer != nil {
		m.bargeInTimer.Stop()
		m.bargeInTimer = nil
	}
	m.mu.Unlock()
	if m.sm.State() == StateListening {
		_ = m.sm.Transition(StateThinking, "user speech end")
	}
}

// OnUserTranscript moves to THINKING when a final transcript arrives
// without a preceding VAD boundary.
func (m *Manager) OnUserTranscript() {
	switch m.sm.State() {
	case StateIdle, StateListening:
		_ = m.sm.Transition(StateThinking, "user transcript")
	}
}

func (m *Manager) OnAgentSpeechStart(interruptible bool) {
	m.mu.Lock()
	m.interruptible = interruptible
	m.mu.Unlock()
	_ = m.sm.Transition(StateSpeaking, "agent speech start")
}

// OnAgentSpeechEnd returns to LISTENING when the user is mid-utterance and
// to IDLE otherwise.
func (m *Manager) OnAgentSpeechEnd() {
	m.mu.Lock()
	m.interruptible = false
	userSpeaking := m.userSpeaking
	m.mu.Unlock()
	if m.sm.State() != StateSpeaking {
		return
	}
	if userSpeaking {
		_ = m.sm.Transition(StateListening, "agent speech end")
		return
	}
	_ = m.sm.Transition(StateIdle, "agent speech end")
}

// BargeInLatency is how long the last interrupting utterance had lasted
// when the interrupt fired.
func (m *Manager) BargeInLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBargeIn
}

func (m *Manager) fireBargeIn(start time.Time) {
	m.mu.Lock()
	active := m.userSpeaking && m.userSpeechStart.Equal(start) &&
		m.interruptible && m.sm.State() == StateSpeaking
	if active {
		m.lastBargeIn = time.Since(start)
		m.interruptible = false
	}
	emit := m.emit
	m.mu.Unlock()
	if !active {
		return
	}
	if err := m.sm.Transition(StateListening, "barge-in"); err != nil {
		return
	}
	if emit != nil {
		meta := map[string]string{
			frames.MetaSource: "turn",
			frames.MetaReason: "barge_in",
		}
		_ = emit.Emit(NewInterruptFrame("", time.Now().UnixNano(), meta))
	}
}
