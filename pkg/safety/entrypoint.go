package safety

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/harunnryd/haven/pkg/adapters/stt"
	"github.com/harunnryd/haven/pkg/adapters/tts"
	"github.com/harunnryd/haven/pkg/adapters/vad"
	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/llm"
	"github.com/harunnryd/haven/pkg/logging"
	"github.com/harunnryd/haven/pkg/metrics"
	"github.com/harunnryd/haven/pkg/transports"
	"github.com/harunnryd/haven/pkg/voice"
	"github.com/harunnryd/haven/pkg/worker"
)

// Plugins builds the capability providers for one session.
type Plugins interface {
	LoadVAD() (vad.Detector, error)
	NewSTT() (stt.StreamingSTT, error)
	NewLLM(model string) (llm.LLMAdapter, error)
	NewTTS(voice string) (tts.StreamingTTS, error)
}

// Assistant is the part of voice.Assistant the entrypoint drives.
type Assistant interface {
	Start(room transports.Room) error
	Say(ctx context.Context, text string, opts voice.SayOptions) (*voice.SpeechHandle, error)
	Close() error
}

type AssistantFactory func(opts voice.Options) (Assistant, error)

func NewVoiceAssistant(opts voice.Options) (Assistant, error) {
	a, err := voice.New(opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Entrypoint starts the safety assistant in a job's room.
type Entrypoint struct {
	Plugins      Plugins
	NewAssistant AssistantFactory
	Agent        AgentSettings
	Turn         TurnConfig
	Observer     metrics.Observer
	Logger       *slog.Logger
}

// Run connects audio-only, builds VAD, STT, LLM and TTS in that order, seeds
// the chat with the persona, starts the assistant and greets the user. It
// returns once the greeting is queued; the job keeps the assistant alive and
// closes it on shutdown.
func (e Entrypoint) Run(ctx context.Context, job *worker.JobContext) error {
	agent := e.Agent.withDefaults()
	log := logging.NewComponentLogger(e.Logger, "safety_agent").With("room", job.Info().Room)
	newAssistant := e.NewAssistant
	if newAssistant == nil {
		newAssistant = NewVoiceAssistant
	}

	room, err := job.Connect(ctx, transports.SubscribeAudioOnly)
	if err != nil {
		return err
	}

	var built []io.Closer
	release := func() {
		for i := len(built) - 1; i >= 0; i-- {
			if err := built[i].Close(); err != nil {
				log.Warn("provider close failed", "error", err)
			}
		}
	}

	detector, err := e.Plugins.LoadVAD()
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonVADLoad, "load vad")
	}
	built = append(built, detector)

	recognizer, err := e.Plugins.NewSTT()
	if err != nil {
		release()
		return errorsx.Wrapf(err, errorsx.ReasonProviderBuild, "build stt")
	}
	built = append(built, recognizer)

	model, err := e.Plugins.NewLLM(agent.Model)
	if err != nil {
		release()
		return errorsx.Wrapf(err, errorsx.ReasonProviderBuild, "build llm %s", agent.Model)
	}

	synth, err := e.Plugins.NewTTS(agent.Voice)
	if err != nil {
		release()
		return errorsx.Wrapf(err, errorsx.ReasonProviderBuild, "build tts %s", agent.Voice)
	}
	built = append(built, synth)

	chat := llm.NewChatContext().Append(llm.RoleSystem, agent.Persona)

	assistant, err := newAssistant(voice.Options{
		VAD:         detector,
		STT:         recognizer,
		LLM:         model,
		TTS:         synth,
		ChatCtx:     chat,
		Observer:    e.Observer,
		Logger:      e.Logger,
		MinBargeIn:  time.Duration(e.Turn.MinBargeInMS) * time.Millisecond,
		MaxHistory:  e.Turn.MaxHistory,
		Temperature: e.Turn.Temperature,
	})
	if err != nil {
		release()
		return errorsx.Wrapf(err, errorsx.ReasonAssistantStart, "new assistant")
	}
	if err := assistant.Start(room); err != nil {
		_ = assistant.Close()
		return errorsx.Wrapf(err, errorsx.ReasonAssistantStart, "start assistant")
	}
	job.AddShutdownCallback(func() {
		if err := assistant.Close(); err != nil {
			log.Warn("assistant close failed", "error", err)
		}
	})

	if _, err := assistant.Say(ctx, agent.Greeting, voice.SayOptions{AllowInterruptions: true}); err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonSay, "greeting")
	}
	log.Info("assistant started", "model", agent.Model, "voice", agent.Voice)
	return nil
}

var _ worker.Entrypoint = Entrypoint{}
