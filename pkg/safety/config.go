package safety

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/haven/pkg/configutil"
	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/transports/livekit"
	"github.com/harunnryd/haven/pkg/transports/twilio"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Agent         AgentSettings       `mapstructure:"agent"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	LiveKit       LiveKitConfig       `mapstructure:"livekit"`
	Twilio        TwilioConfig        `mapstructure:"twilio"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	VAD VendorConfig `mapstructure:"vad"`
	STT VendorConfig `mapstructure:"stt"`
	LLM VendorConfig `mapstructure:"llm"`
	TTS VendorConfig `mapstructure:"tts"`
}

type TurnConfig struct {
	MinBargeInMS int      `mapstructure:"min_barge_in_ms"`
	MaxHistory   int      `mapstructure:"max_history"`
	Temperature  *float64 `mapstructure:"temperature"`
}

// ResilienceConfig wraps the LLM in retries and a rate-limit breaker.
type ResilienceConfig struct {
	RetryAttempts     int `mapstructure:"retry_attempts"`
	RetryBaseMS       int `mapstructure:"retry_base_ms"`
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type LiveKitConfig struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Identity  string `mapstructure:"identity"`
	// Rooms are joined at startup without waiting for a webhook.
	Rooms    []string             `mapstructure:"rooms"`
	Webhook  LiveKitWebhookConfig `mapstructure:"webhook"`
	TokenTTL time.Duration        `mapstructure:"token_ttl"`
}

type LiveKitWebhookConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr"`
	Path       string `mapstructure:"path"`
	RoomPrefix string `mapstructure:"room_prefix"`
}

type TwilioConfig struct {
	Enabled bool `mapstructure:"enabled"`

	twilio.Config `mapstructure:",squash"`
}

type WorkerConfig struct {
	DrainTimeoutMS int `mapstructure:"drain_timeout_ms"`
}

type ObservabilityConfig struct {
	// EventsPath, when set, receives metrics events as JSON lines.
	EventsPath string `mapstructure:"events_path"`
	// TimelineDir, when set, holds one event timeline per room.
	TimelineDir   string `mapstructure:"timeline_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Worker.DrainTimeoutMS) * time.Millisecond
}

func (c Config) LiveKitClientConfig() livekit.Config {
	return livekit.Config{
		URL:       c.LiveKit.URL,
		APIKey:    c.LiveKit.APIKey,
		APISecret: c.LiveKit.APISecret,
	}
}

// WebhookConfig is the dispatcher config for the agent identity.
func (c Config) WebhookConfig() livekit.WebhookConfig {
	return livekit.WebhookConfig{
		Addr:       c.LiveKit.Webhook.Addr,
		Path:       c.LiveKit.Webhook.Path,
		RoomPrefix: c.LiveKit.Webhook.RoomPrefix,
		Identity:   c.LiveKit.Identity,
	}
}

// TwilioServerConfig fills the call identity from the LiveKit one when unset.
func (c Config) TwilioServerConfig() twilio.Config {
	cfg := c.Twilio.Config
	if cfg.Identity == "" {
		cfg.Identity = c.LiveKit.Identity
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("agent.persona", Persona)
	v.SetDefault("agent.greeting", Greeting)
	v.SetDefault("agent.model", DefaultModel)
	v.SetDefault("agent.voice", DefaultVoice)
	v.SetDefault("turn.min_barge_in_ms", 300)
	v.SetDefault("turn.max_history", 24)
	v.SetDefault("vendors.vad.provider", "silero")
	v.SetDefault("vendors.stt.provider", "openai")
	v.SetDefault("vendors.llm.provider", "openai")
	v.SetDefault("vendors.tts.provider", "openai")
	v.SetDefault("resilience.retry_attempts", 3)
	v.SetDefault("resilience.retry_base_ms", 200)
	v.SetDefault("resilience.breaker_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown_ms", 30000)
	v.SetDefault("livekit.url", "${LIVEKIT_URL}")
	v.SetDefault("livekit.api_key", "${LIVEKIT_API_KEY}")
	v.SetDefault("livekit.api_secret", "${LIVEKIT_API_SECRET}")
	v.SetDefault("livekit.identity", "safety-agent")
	v.SetDefault("livekit.token_ttl", "6h")
	v.SetDefault("livekit.webhook.enabled", true)
	v.SetDefault("livekit.webhook.addr", ":8081")
	v.SetDefault("livekit.webhook.path", "/livekit/webhook")
	v.SetDefault("twilio.enabled", false)
	v.SetDefault("twilio.server_addr", ":8080")
	v.SetDefault("twilio.account_sid", "${TWILIO_ACCOUNT_SID}")
	v.SetDefault("twilio.auth_token", "${TWILIO_AUTH_TOKEN}")
	v.SetDefault("twilio.from_number", "${TWILIO_FROM_NUMBER}")
	v.SetDefault("twilio.validate_signature", true)
	v.SetDefault("worker.drain_timeout_ms", 30000)
	v.SetDefault("observability.events_path", "")
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
}

// LoadConfig reads the YAML file at path. An empty path loads defaults only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errorsx.Wrapf(err, errorsx.ReasonConfigInvalid, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrapf(err, errorsx.ReasonConfigInvalid, "unmarshal")
	}

	applyVendorDefaults(&cfg.Vendors)
	expandEnvStrings(&cfg)
	cfg.Agent = cfg.Agent.withDefaults()
	if providerKey(cfg.Vendors.VAD.Provider) == "silero" && settingString(cfg.Vendors.VAD.Settings, "model_path") == "" {
		cfg.Vendors.VAD.Settings = withSetting(cfg.Vendors.VAD.Settings, "model_path", DefaultSileroModel)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errorsx.Wrapf(err, errorsx.ReasonConfigInvalid, "validate config")
	}
	return cfg, nil
}

const DefaultSileroModel = "./silero_vad.onnx"

// vendorEnvDefaults are filled into a vendor's settings when the key is
// absent, keyed by provider name.
var vendorEnvDefaults = map[string]map[string]string{
	"openai":     {"api_key": "${OPENAI_API_KEY}"},
	"deepgram":   {"api_key": "${DEEPGRAM_API_KEY}"},
	"elevenlabs": {"api_key": "${ELEVENLABS_API_KEY}"},
	"silero":     {"model_path": "${SILERO_MODEL_PATH}"},
}

func applyVendorDefaults(v *VendorsConfig) {
	for _, vc := range []*VendorConfig{&v.VAD, &v.STT, &v.LLM, &v.TTS} {
		for key, value := range vendorEnvDefaults[providerKey(vc.Provider)] {
			if _, ok := vc.Settings[key]; ok {
				continue
			}
			vc.Settings = withSetting(vc.Settings, key, value)
		}
	}
}

// Validate checks what every command needs. Transport credentials are
// checked by the commands that use them.
func (c *Config) Validate() error {
	var errs []error
	for _, v := range []struct {
		path  string
		value string
	}{
		{"vendors.vad.provider", c.Vendors.VAD.Provider},
		{"vendors.stt.provider", c.Vendors.STT.Provider},
		{"vendors.llm.provider", c.Vendors.LLM.Provider},
		{"vendors.tts.provider", c.Vendors.TTS.Provider},
	} {
		if err := configutil.RequireString(v.value, v.path); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Worker.DrainTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("worker.drain_timeout_ms must not be negative"))
	}
	if c.Turn.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("turn.max_history must not be negative"))
	}
	if c.Twilio.Enabled && strings.TrimSpace(c.Twilio.PublicURL) == "" {
		errs = append(errs, fmt.Errorf("twilio.public_url is required when twilio is enabled"))
	}
	return errors.Join(errs...)
}

func settingString(settings map[string]any, key string) string {
	s, _ := settings[key].(string)
	return strings.TrimSpace(s)
}

func withSetting(settings map[string]any, key string, value any) map[string]any {
	if settings == nil {
		settings = make(map[string]any)
	}
	settings[key] = value
	return settings
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.VAD.Settings = expandSettings(cfg.Vendors.VAD.Settings)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
