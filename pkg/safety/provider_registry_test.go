package safety

import (
	"context"
	"strings"
	"testing"

	"github.com/harunnryd/haven/pkg/llm"
	"github.com/harunnryd/haven/pkg/metrics"
	"github.com/harunnryd/haven/pkg/providers/deepgram"
	"github.com/harunnryd/haven/pkg/providers/elevenlabs"
	"github.com/harunnryd/haven/pkg/providers/mock"
	"github.com/harunnryd/haven/pkg/providers/openai"
	"github.com/harunnryd/haven/pkg/resilience"
)

func builtinRegistry() *ProviderRegistry {
	reg := NewProviderRegistry()
	RegisterBuiltins(reg)
	return reg
}

func TestRegistryNamesAreCaseInsensitive(t *testing.T) {
	reg := builtinRegistry()
	a, err := reg.BuildLLM("  OpenAI ", BuildInput{Settings: map[string]any{"api_key": "sk"}, Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if o, ok := a.(*openai.LLM); !ok || o.Model != "gpt-4o-mini" {
		t.Fatalf("unexpected adapter %#v", a)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := builtinRegistry()
	_, err := reg.BuildTTS("polly", BuildInput{})
	if err == nil || err.Error() != "tts provider not registered: polly" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBuildersValidateSettings(t *testing.T) {
	reg := builtinRegistry()
	cases := []struct {
		name  string
		build func() error
		want  string
	}{
		{"openai stt missing key", func() error {
			_, err := reg.BuildSTT("openai", BuildInput{})
			return err
		}, "vendors.stt.settings: missing: api_key"},
		{"deepgram unknown key", func() error {
			_, err := reg.BuildSTT("deepgram", BuildInput{Settings: map[string]any{"api_key": "k", "punctuate": true}})
			return err
		}, "unknown: punctuate"},
		{"silero missing model", func() error {
			_, err := reg.BuildVAD("silero", BuildInput{})
			return err
		}, "missing: model_path"},
		{"elevenlabs missing key", func() error {
			_, err := reg.BuildTTS("elevenlabs", BuildInput{Settings: map[string]any{"voice_id": "v"}})
			return err
		}, "missing: api_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.build()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}
}

func TestBuildersPassSettingsThrough(t *testing.T) {
	reg := builtinRegistry()
	s, err := reg.BuildSTT("deepgram", BuildInput{Settings: map[string]any{"API_KEY": "dg", "model": "nova-3"}, StreamID: "s1"})
	if err != nil {
		t.Fatalf("deepgram: %v", err)
	}
	if _, ok := s.(*deepgram.StreamingSTT); !ok {
		t.Fatalf("unexpected stt %T", s)
	}
	tts, err := reg.BuildTTS("openai", BuildInput{Settings: map[string]any{"api_key": "sk"}, Voice: "alloy"})
	if err != nil {
		t.Fatalf("openai tts: %v", err)
	}
	if o, ok := tts.(*openai.TTS); !ok || o.Voice() != "alloy" {
		t.Fatalf("unexpected tts %T", tts)
	}
	el, err := reg.BuildTTS("elevenlabs", BuildInput{Settings: map[string]any{"api_key": "el", "output_format": "pcm_24000"}, Voice: "alloy"})
	if err != nil {
		t.Fatalf("elevenlabs: %v", err)
	}
	if e, ok := el.(*elevenlabs.ElevenLabsTTS); !ok || e.SampleRate() != 24000 {
		t.Fatalf("unexpected elevenlabs tts %T", el)
	}
}

func mockVendors() VendorsConfig {
	return VendorsConfig{
		VAD: VendorConfig{Provider: "mock"},
		STT: VendorConfig{Provider: "mock"},
		LLM: VendorConfig{Provider: "mock", Settings: map[string]any{"response": "Stay where it is bright."}},
		TTS: VendorConfig{Provider: "mock"},
	}
}

func TestPluginsBuildFromVendors(t *testing.T) {
	p := NewPlugins(builtinRegistry(), Config{Vendors: mockVendors()}, nil, testLogger())
	if _, err := p.LoadVAD(); err != nil {
		t.Fatalf("vad: %v", err)
	}
	if _, err := p.NewSTT(); err != nil {
		t.Fatalf("stt: %v", err)
	}
	a, err := p.NewLLM(DefaultModel)
	if err != nil {
		t.Fatalf("llm: %v", err)
	}
	if m, ok := a.(*mock.LLMAdapter); !ok || m.Model() != DefaultModel {
		t.Fatalf("unexpected llm %#v", a)
	}
	synth, err := p.NewTTS(DefaultVoice)
	if err != nil {
		t.Fatalf("tts: %v", err)
	}
	if m, ok := synth.(*mock.StreamingTTS); !ok || m.Voice() != DefaultVoice {
		t.Fatalf("unexpected tts %#v", synth)
	}
}

func TestPluginsRequireProvider(t *testing.T) {
	vendors := mockVendors()
	vendors.STT.Provider = " "
	p := NewPlugins(builtinRegistry(), Config{Vendors: vendors}, nil, testLogger())
	if _, err := p.NewSTT(); err == nil || err.Error() != "vendors.stt.provider is required" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPluginsWrapLLMInBreaker(t *testing.T) {
	reg := builtinRegistry()
	reg.RegisterLLM("limited", func(in BuildInput) (llm.LLMAdapter, error) {
		return mock.NewLLMAdapter(mock.LLMConfig{Err: resilience.RateLimitError{Provider: "limited"}}), nil
	})
	vendors := mockVendors()
	vendors.LLM = VendorConfig{Provider: "limited"}
	obs := metrics.NewMemoryObserver()
	p := NewPlugins(reg, Config{
		Vendors:    vendors,
		Resilience: ResilienceConfig{RetryAttempts: 1, BreakerThreshold: 1, BreakerCooldownMS: 60000},
	}, obs, testLogger())
	a, err := p.NewLLM(DefaultModel)
	if err != nil {
		t.Fatalf("llm: %v", err)
	}
	if _, ok := a.(*llm.CircuitBreakerAdapter); !ok {
		t.Fatalf("expected breaker adapter, got %T", a)
	}
	ctx := context.Background()
	_, _ = a.Generate(ctx, llm.Context{})
	_, err = a.Generate(ctx, llm.Context{})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected breaker to deny with a rate limit, got %v", err)
	}
	if len(obs.Named(metrics.EventBreakerDenied)) != 1 {
		t.Fatalf("expected one denied event, got %d", len(obs.Named(metrics.EventBreakerDenied)))
	}
}
