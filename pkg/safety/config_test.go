package safety

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/haven/pkg/errorsx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "haven.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("LIVEKIT_URL", "wss://safety.livekit.cloud")
	t.Setenv("SILERO_MODEL_PATH", "")

	cfg, err := LoadConfig(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Fatalf("unexpected log settings %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.Agent.Model != DefaultModel || cfg.Agent.Voice != DefaultVoice {
		t.Fatalf("unexpected agent defaults %+v", cfg.Agent)
	}
	if cfg.Agent.Persona != Persona || cfg.Agent.Greeting != Greeting {
		t.Fatalf("persona or greeting default changed")
	}
	for kind, v := range map[string]VendorConfig{"stt": cfg.Vendors.STT, "llm": cfg.Vendors.LLM, "tts": cfg.Vendors.TTS} {
		if v.Provider != "openai" {
			t.Fatalf("%s provider = %q, want openai", kind, v.Provider)
		}
		if settingString(v.Settings, "api_key") != "sk-test" {
			t.Fatalf("%s api_key not expanded: %+v", kind, v.Settings)
		}
	}
	if cfg.Vendors.VAD.Provider != "silero" || settingString(cfg.Vendors.VAD.Settings, "model_path") != DefaultSileroModel {
		t.Fatalf("unexpected vad vendor %+v", cfg.Vendors.VAD)
	}
	if cfg.LiveKit.URL != "wss://safety.livekit.cloud" {
		t.Fatalf("livekit url not expanded: %q", cfg.LiveKit.URL)
	}
	if cfg.LiveKit.TokenTTL != 6*time.Hour {
		t.Fatalf("token ttl = %s", cfg.LiveKit.TokenTTL)
	}
	if cfg.DrainTimeout() != 30*time.Second {
		t.Fatalf("drain timeout = %s", cfg.DrainTimeout())
	}
	if !cfg.Privacy.RedactPII || cfg.Twilio.Enabled {
		t.Fatalf("unexpected privacy or twilio defaults")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg-key")
	cfg, err := LoadConfig(writeConfig(t, `
agent:
  voice: nova
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${DEEPGRAM_API_KEY}
      interim: true
livekit:
  rooms: [safety-1, safety-2]
  webhook:
    enabled: false
twilio:
  enabled: true
  public_url: https://haven.example.com
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.Voice != "nova" || cfg.Agent.Model != DefaultModel {
		t.Fatalf("unexpected agent %+v", cfg.Agent)
	}
	if cfg.Vendors.STT.Provider != "deepgram" || settingString(cfg.Vendors.STT.Settings, "api_key") != "dg-key" {
		t.Fatalf("unexpected stt vendor %+v", cfg.Vendors.STT)
	}
	if len(cfg.LiveKit.Rooms) != 2 || cfg.LiveKit.Rooms[1] != "safety-2" {
		t.Fatalf("unexpected rooms %q", cfg.LiveKit.Rooms)
	}
	if cfg.LiveKit.Webhook.Enabled {
		t.Fatalf("webhook should be disabled")
	}
	tw := cfg.TwilioServerConfig()
	if !cfg.Twilio.Enabled || tw.PublicURL != "https://haven.example.com" || tw.Identity != "safety-agent" {
		t.Fatalf("unexpected twilio config %+v", tw)
	}
	if !tw.ValidateSignature {
		t.Fatalf("signature validation should default on")
	}
}

func TestLoadConfigRejectsMissingProvider(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "vendors:\n  llm:\n    provider: \"\"\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "vendors.llm.provider is required") {
		t.Fatalf("error should name the field: %v", err)
	}
	if errorsx.Reason(err) != errorsx.ReasonConfigInvalid {
		t.Fatalf("expected config_invalid, got %s", errorsx.Reason(err))
	}
}

func TestLoadConfigRequiresTwilioPublicURL(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "twilio:\n  enabled: true\n"))
	if err == nil || !strings.Contains(err.Error(), "twilio.public_url") {
		t.Fatalf("expected public_url error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if errorsx.Reason(err) != errorsx.ReasonConfigInvalid {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func TestLoadConfigMockVendorsBuild(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
vendors:
  vad: {provider: mock}
  stt: {provider: mock}
  llm: {provider: mock}
  tts: {provider: mock}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := NewPlugins(builtinRegistry(), cfg, nil, testLogger())
	if _, err := p.LoadVAD(); err != nil {
		t.Fatalf("vad: %v", err)
	}
	if _, err := p.NewLLM(cfg.Agent.Model); err != nil {
		t.Fatalf("llm: %v", err)
	}
	if _, err := p.NewTTS(cfg.Agent.Voice); err != nil {
		t.Fatalf("tts: %v", err)
	}
}
