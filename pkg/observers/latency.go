package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/metrics"
)

// LatencyObserver logs how long the agent took to answer each user turn,
// split into transcription, first LLM token and first agent audio.
type LatencyObserver struct {
	mu     sync.Mutex
	turns  map[string]*turnTrace
	log    *slog.Logger
	report func(room string, l TurnLatency)
}

type turnTrace struct {
	speechEnd  time.Time
	transcript time.Time
	firstToken time.Time
}

// TurnLatency is in milliseconds. -1 marks a step that was not seen.
type TurnLatency struct {
	STT        int64
	FirstToken int64
	FirstAudio int64
	Total      int64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	o := &LatencyObserver{turns: make(map[string]*turnTrace), log: log}
	o.report = o.logTurn
	return o
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	room := ev.Tags["room"]
	if room == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventUserSpeechEnded:
		o.turns[room] = &turnTrace{speechEnd: ev.Time}
	case metrics.EventUserTranscript:
		if t := o.turns[room]; t != nil && t.transcript.IsZero() {
			t.transcript = ev.Time
		}
	case metrics.EventLLMFirstToken:
		if t := o.turns[room]; t != nil && t.firstToken.IsZero() {
			t.firstToken = ev.Time
		}
	case metrics.EventAgentSpeechStarted:
		t := o.turns[room]
		if t == nil || t.transcript.IsZero() {
			return
		}
		delete(o.turns, room)
		o.report(room, TurnLatency{
			STT:        durationMs(t.speechEnd, t.transcript),
			FirstToken: durationMs(t.transcript, t.firstToken),
			FirstAudio: durationMs(t.firstToken, ev.Time),
			Total:      durationMs(t.speechEnd, ev.Time),
		})
	case metrics.EventJobEnded:
		delete(o.turns, room)
	}
}

func (o *LatencyObserver) logTurn(room string, l TurnLatency) {
	o.log.Info("turn latency",
		"room", room,
		"stt_ms", l.STT,
		"llm_first_token_ms", l.FirstToken,
		"first_audio_ms", l.FirstAudio,
		"total_ms", l.Total,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

var _ metrics.Observer = (*LatencyObserver)(nil)
