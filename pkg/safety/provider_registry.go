package safety

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/haven/pkg/adapters/stt"
	"github.com/harunnryd/haven/pkg/adapters/tts"
	"github.com/harunnryd/haven/pkg/adapters/vad"
	"github.com/harunnryd/haven/pkg/configutil"
	"github.com/harunnryd/haven/pkg/llm"
	"github.com/harunnryd/haven/pkg/metrics"
	"github.com/harunnryd/haven/pkg/providers/deepgram"
	"github.com/harunnryd/haven/pkg/providers/elevenlabs"
	"github.com/harunnryd/haven/pkg/providers/mock"
	"github.com/harunnryd/haven/pkg/providers/openai"
	"github.com/harunnryd/haven/pkg/providers/silero"
	"github.com/harunnryd/haven/pkg/resilience"
)

// BuildInput is what a builder gets for one provider instance.
type BuildInput struct {
	Settings map[string]any
	// StreamID tags the frames of one session.
	StreamID string
	Model    string
	Voice    string
	Logger   *slog.Logger
}

type VADBuilder func(in BuildInput) (vad.Detector, error)
type STTBuilder func(in BuildInput) (stt.StreamingSTT, error)
type LLMBuilder func(in BuildInput) (llm.LLMAdapter, error)
type TTSBuilder func(in BuildInput) (tts.StreamingTTS, error)

type ProviderRegistry struct {
	vad map[string]VADBuilder
	stt map[string]STTBuilder
	llm map[string]LLMBuilder
	tts map[string]TTSBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		vad: make(map[string]VADBuilder),
		stt: make(map[string]STTBuilder),
		llm: make(map[string]LLMBuilder),
		tts: make(map[string]TTSBuilder),
	}
}

func providerKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterVAD(name string, b VADBuilder) { r.vad[providerKey(name)] = b }
func (r *ProviderRegistry) RegisterSTT(name string, b STTBuilder) { r.stt[providerKey(name)] = b }
func (r *ProviderRegistry) RegisterLLM(name string, b LLMBuilder) { r.llm[providerKey(name)] = b }
func (r *ProviderRegistry) RegisterTTS(name string, b TTSBuilder) { r.tts[providerKey(name)] = b }

func (r *ProviderRegistry) BuildVAD(provider string, in BuildInput) (vad.Detector, error) {
	fn := r.vad[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("vad provider not registered: %s", provider)
	}
	return fn(in)
}

func (r *ProviderRegistry) BuildSTT(provider string, in BuildInput) (stt.StreamingSTT, error) {
	fn := r.stt[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(in)
}

func (r *ProviderRegistry) BuildLLM(provider string, in BuildInput) (llm.LLMAdapter, error) {
	fn := r.llm[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(in)
}

func (r *ProviderRegistry) BuildTTS(provider string, in BuildInput) (tts.StreamingTTS, error) {
	fn := r.tts[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(in)
}

// RegisterBuiltins adds every provider shipped with haven.
func RegisterBuiltins(r *ProviderRegistry) {
	r.RegisterVAD("silero", buildSileroVAD)
	r.RegisterVAD("mock", buildMockVAD)
	r.RegisterSTT("openai", buildOpenAISTT)
	r.RegisterSTT("deepgram", buildDeepgramSTT)
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterLLM("openai", buildOpenAILLM)
	r.RegisterLLM("mock", buildMockLLM)
	r.RegisterTTS("openai", buildOpenAITTS)
	r.RegisterTTS("elevenlabs", buildElevenLabsTTS)
	r.RegisterTTS("mock", buildMockTTS)
}

func buildSileroVAD(in BuildInput) (vad.Detector, error) {
	var s struct {
		ModelPath            string   `mapstructure:"model_path"`
		Threshold            *float64 `mapstructure:"threshold"`
		MinSilenceDurationMs *int     `mapstructure:"min_silence_duration_ms"`
		SpeechPadMs          *int     `mapstructure:"speech_pad_ms"`
		WindowSize           *int     `mapstructure:"window_size"`
	}
	schema := configutil.Schema{
		Required: []string{"model_path"},
		Optional: []string{"threshold", "min_silence_duration_ms", "speech_pad_ms", "window_size"},
	}
	if err := configutil.Load("vendors.vad.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return silero.Load(silero.Config{
		ModelPath:            s.ModelPath,
		Threshold:            float32(configutil.FloatValue(s.Threshold, 0.5)),
		MinSilenceDurationMs: configutil.IntValue(s.MinSilenceDurationMs, 550),
		SpeechPadMs:          configutil.IntValue(s.SpeechPadMs, 30),
		WindowSize:           configutil.IntValue(s.WindowSize, silero.DefaultWindowSize),
	})
}

func buildMockVAD(in BuildInput) (vad.Detector, error) {
	var s struct {
		Threshold     *float64 `mapstructure:"threshold"`
		SilenceChunks *int     `mapstructure:"silence_chunks"`
	}
	schema := configutil.Schema{Optional: []string{"threshold", "silence_chunks"}}
	if err := configutil.Load("vendors.vad.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return mock.NewVAD(mock.VADConfig{
		Threshold:     configutil.FloatValue(s.Threshold, 0),
		SilenceChunks: configutil.IntValue(s.SilenceChunks, 0),
	})
}

func buildOpenAISTT(in BuildInput) (stt.StreamingSTT, error) {
	var s struct {
		APIKey   string `mapstructure:"api_key"`
		Model    string `mapstructure:"model"`
		BaseURL  string `mapstructure:"base_url"`
		Language string `mapstructure:"language"`
	}
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "language"},
	}
	if err := configutil.Load("vendors.stt.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return openai.NewSTT(openai.STTConfig{
		Config:  stt.Config{StreamID: in.StreamID, Language: s.Language},
		APIKey:  s.APIKey,
		Model:   s.Model,
		BaseURL: s.BaseURL,
		Logger:  in.Logger,
	}), nil
}

func buildDeepgramSTT(in BuildInput) (stt.StreamingSTT, error) {
	var s struct {
		APIKey         string `mapstructure:"api_key"`
		Model          string `mapstructure:"model"`
		Language       string `mapstructure:"language"`
		Interim        *bool  `mapstructure:"interim"`
		VADEvents      *bool  `mapstructure:"vad_events"`
		UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	}
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "vad_events", "utterance_end_ms"},
	}
	if err := configutil.Load("vendors.stt.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return deepgram.New(deepgram.Config{
		Config:         stt.Config{StreamID: in.StreamID, Language: configutil.StringValue(s.Language, "en")},
		APIKey:         s.APIKey,
		Model:          s.Model,
		Interim:        configutil.BoolValue(s.Interim, true),
		VADEvents:      configutil.BoolValue(s.VADEvents, true),
		UtteranceEndMS: configutil.IntValue(s.UtteranceEndMS, 1000),
		Logger:         in.Logger,
	}), nil
}

func buildMockSTT(in BuildInput) (stt.StreamingSTT, error) {
	var s struct {
		Transcripts []string `mapstructure:"transcripts"`
		Interim     bool     `mapstructure:"interim"`
	}
	schema := configutil.Schema{Optional: []string{"transcripts", "interim"}}
	if err := configutil.Load("vendors.stt.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return mock.NewSTT(mock.STTConfig{StreamID: in.StreamID, Transcripts: s.Transcripts, EmitInterim: s.Interim}), nil
}

func buildOpenAILLM(in BuildInput) (llm.LLMAdapter, error) {
	var s struct {
		APIKey  string `mapstructure:"api_key"`
		BaseURL string `mapstructure:"base_url"`
	}
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"base_url"},
	}
	if err := configutil.Load("vendors.llm.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	a := openai.NewLLM(s.APIKey, in.Model)
	if s.BaseURL != "" {
		a.BaseURL = s.BaseURL
	}
	return a, nil
}

func buildMockLLM(in BuildInput) (llm.LLMAdapter, error) {
	var s struct {
		Response string   `mapstructure:"response"`
		Chunks   []string `mapstructure:"chunks"`
	}
	schema := configutil.Schema{Optional: []string{"response", "chunks"}}
	if err := configutil.Load("vendors.llm.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return mock.NewLLMAdapter(mock.LLMConfig{ResponseText: s.Response, StreamChunks: s.Chunks}).WithModel(in.Model), nil
}

func buildOpenAITTS(in BuildInput) (tts.StreamingTTS, error) {
	var s struct {
		APIKey  string   `mapstructure:"api_key"`
		Model   string   `mapstructure:"model"`
		BaseURL string   `mapstructure:"base_url"`
		Speed   *float64 `mapstructure:"speed"`
	}
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "speed"},
	}
	if err := configutil.Load("vendors.tts.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return openai.NewTTS(openai.TTSConfig{
		Config:  tts.Config{StreamID: in.StreamID, Voice: in.Voice},
		APIKey:  s.APIKey,
		Model:   s.Model,
		BaseURL: s.BaseURL,
		Speed:   configutil.FloatValue(s.Speed, 0),
		Logger:  in.Logger,
	}), nil
}

// buildElevenLabsTTS takes the voice from settings.voice_id when set, since
// ElevenLabs voices are ids rather than names.
func buildElevenLabsTTS(in BuildInput) (tts.StreamingTTS, error) {
	var s struct {
		APIKey       string   `mapstructure:"api_key"`
		VoiceID      string   `mapstructure:"voice_id"`
		ModelID      string   `mapstructure:"model_id"`
		OutputFormat string   `mapstructure:"output_format"`
		BaseURL      string   `mapstructure:"base_url"`
		Stability    *float64 `mapstructure:"stability"`
		Similarity   *float64 `mapstructure:"similarity"`
	}
	schema := configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"voice_id", "model_id", "output_format", "base_url", "stability", "similarity"},
	}
	if err := configutil.Load("vendors.tts.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return elevenlabs.New(elevenlabs.Config{
		Config:       tts.Config{StreamID: in.StreamID, Voice: configutil.StringValue(s.VoiceID, in.Voice)},
		APIKey:       s.APIKey,
		ModelID:      s.ModelID,
		OutputFormat: s.OutputFormat,
		BaseURL:      s.BaseURL,
		Stability:    configutil.FloatValue(s.Stability, 0),
		Similarity:   configutil.FloatValue(s.Similarity, 0),
		Logger:       in.Logger,
	}), nil
}

func buildMockTTS(in BuildInput) (tts.StreamingTTS, error) {
	var s struct {
		SampleRate    int `mapstructure:"sample_rate"`
		FramesPerText int `mapstructure:"frames_per_text"`
	}
	schema := configutil.Schema{Optional: []string{"sample_rate", "frames_per_text"}}
	if err := configutil.Load("vendors.tts.settings", in.Settings, schema, &s); err != nil {
		return nil, err
	}
	return mock.NewTTS(mock.TTSConfig{
		StreamID:      in.StreamID,
		Voice:         in.Voice,
		SampleRate:    s.SampleRate,
		FramesPerText: s.FramesPerText,
	}), nil
}

// RegistryPlugins builds providers from Config.Vendors. Each STT and TTS
// gets a fresh stream id.
type RegistryPlugins struct {
	Registry   *ProviderRegistry
	Vendors    VendorsConfig
	Resilience ResilienceConfig
	Observer   metrics.Observer
	Logger     *slog.Logger
}

func NewPlugins(reg *ProviderRegistry, cfg Config, obs metrics.Observer, log *slog.Logger) *RegistryPlugins {
	return &RegistryPlugins{
		Registry:   reg,
		Vendors:    cfg.Vendors,
		Resilience: cfg.Resilience,
		Observer:   obs,
		Logger:     log,
	}
}

func (p *RegistryPlugins) input(v VendorConfig) BuildInput {
	return BuildInput{Settings: v.Settings, StreamID: uuid.NewString(), Logger: p.Logger}
}

func requireProvider(kind string, v VendorConfig) error {
	return configutil.RequireString(v.Provider, "vendors."+kind+".provider")
}

func (p *RegistryPlugins) LoadVAD() (vad.Detector, error) {
	if err := requireProvider("vad", p.Vendors.VAD); err != nil {
		return nil, err
	}
	return p.Registry.BuildVAD(p.Vendors.VAD.Provider, p.input(p.Vendors.VAD))
}

func (p *RegistryPlugins) NewSTT() (stt.StreamingSTT, error) {
	if err := requireProvider("stt", p.Vendors.STT); err != nil {
		return nil, err
	}
	return p.Registry.BuildSTT(p.Vendors.STT.Provider, p.input(p.Vendors.STT))
}

// NewLLM wraps the provider in retries and a rate-limit circuit breaker when
// resilience is configured.
func (p *RegistryPlugins) NewLLM(model string) (llm.LLMAdapter, error) {
	if err := requireProvider("llm", p.Vendors.LLM); err != nil {
		return nil, err
	}
	in := p.input(p.Vendors.LLM)
	in.Model = model
	adapter, err := p.Registry.BuildLLM(p.Vendors.LLM.Provider, in)
	if err != nil {
		return nil, err
	}
	rc := p.Resilience
	if rc.RetryAttempts > 1 {
		adapter = llm.WithRetry(adapter, llm.RetryConfig{
			MaxAttempts: rc.RetryAttempts,
			BaseDelay:   time.Duration(rc.RetryBaseMS) * time.Millisecond,
			Jitter:      0.2,
		})
	}
	if rc.BreakerThreshold > 0 {
		cb := llm.NewCircuitBreakerAdapter(adapter, resilience.NewCircuitBreaker(
			rc.BreakerThreshold, time.Duration(rc.BreakerCooldownMS)*time.Millisecond))
		cb.SetObserver(p.Observer)
		adapter = cb
	}
	return adapter, nil
}

func (p *RegistryPlugins) NewTTS(voice string) (tts.StreamingTTS, error) {
	if err := requireProvider("tts", p.Vendors.TTS); err != nil {
		return nil, err
	}
	in := p.input(p.Vendors.TTS)
	in.Voice = voice
	return p.Registry.BuildTTS(p.Vendors.TTS.Provider, in)
}

var _ Plugins = (*RegistryPlugins)(nil)
