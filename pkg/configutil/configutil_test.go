package configutil

import (
	"strings"
	"testing"
	"time"
)

type sampleSettings struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	Rate    *int          `mapstructure:"sample_rate"`
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"model": "x", "colour": "red"}, Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "missing: api_key") || !strings.Contains(msg, "unknown: colour") {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestLoadNormalizesKeys(t *testing.T) {
	var out sampleSettings
	err := Load("vendors.stt.settings", map[string]any{
		"API-Key":    "k",
		"sampleRate": "16000",
		"timeout":    "2s",
	}, Schema{Required: []string{"api_key"}, Optional: []string{"sample_rate", "timeout"}}, &out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.APIKey != "k" || IntValue(out.Rate, 0) != 16000 || out.Timeout != 2*time.Second {
		t.Fatalf("unexpected decode %+v", out)
	}
}

func TestLoadPrefixesPath(t *testing.T) {
	var out sampleSettings
	err := Load("vendors.tts.settings", map[string]any{}, Schema{Required: []string{"api_key"}}, &out)
	if err == nil || !strings.HasPrefix(err.Error(), "vendors.tts.settings: ") {
		t.Fatalf("expected path prefix, got %v", err)
	}
}

func TestFallbackHelpers(t *testing.T) {
	if StringValue("  ", "alloy") != "alloy" {
		t.Fatalf("expected fallback")
	}
	v := true
	if !BoolValue(&v, false) || BoolValue(nil, true) != true {
		t.Fatalf("bool fallback broken")
	}
	if FloatValue(nil, 0.5) != 0.5 {
		t.Fatalf("float fallback broken")
	}
}
