package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the worker, the assistant and provider wrappers.
const (
	EventJobStarted = "job_started"
	EventJobFailed  = "job_failed"
	EventJobEnded   = "job_ended"

	EventUserSpeechStarted      = "user_speech_started"
	EventUserSpeechEnded        = "user_speech_ended"
	EventUserTranscript         = "user_transcript"
	EventAgentSpeechStarted     = "agent_speech_started"
	EventAgentSpeechInterrupted = "agent_speech_interrupted"
	EventAgentSpeechFinished    = "agent_speech_finished"
	EventLLMError               = "llm_error"
	EventLLMFirstToken          = "llm_first_token"

	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)

// Record is a nil-safe helper for emitting a tagged event.
func Record(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Tags: tags, Fields: fields})
}
