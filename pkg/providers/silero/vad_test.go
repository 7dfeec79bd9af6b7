package silero

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/harunnryd/haven/pkg/adapters/vad"
	"github.com/harunnryd/haven/pkg/errorsx"
)

// windowDetector runs the same segmenting loop as speech.Detector, reading
// the speech probability of each window from its first sample.
type windowDetector struct {
	window     int
	threshold  float32
	minSilence int
	lengths    []int
	curr       int
	triggered  bool
	tempEnd    int
	resets     int
	destroyed  bool
}

func newWindowDetector(minSilenceWindows int) *windowDetector {
	return &windowDetector{window: 512, threshold: 0.5, minSilence: minSilenceWindows * 512}
}

func (d *windowDetector) Detect(pcm []float32) ([]speech.Segment, error) {
	d.lengths = append(d.lengths, len(pcm))
	if len(pcm) < d.window {
		return nil, errors.New("not enough samples")
	}
	var segments []speech.Segment
	for i := 0; i < len(pcm)-d.window; i += d.window {
		prob := pcm[i]
		d.curr += d.window
		if prob >= d.threshold && d.tempEnd != 0 {
			d.tempEnd = 0
		}
		if prob >= d.threshold && !d.triggered {
			d.triggered = true
			segments = append(segments, speech.Segment{SpeechStartAt: float64(d.curr-d.window) / SampleRate})
		}
		if prob < d.threshold-0.15 && d.triggered {
			if d.tempEnd == 0 {
				d.tempEnd = d.curr
			}
			if d.curr-d.tempEnd < d.minSilence {
				continue
			}
			end := float64(d.tempEnd) / SampleRate
			d.tempEnd = 0
			d.triggered = false
			if len(segments) < 1 {
				return nil, errors.New("unexpected speech end")
			}
			segments[len(segments)-1].SpeechEndAt = end
		}
	}
	return segments, nil
}

func (d *windowDetector) Reset() error   { d.resets++; return nil }
func (d *windowDetector) Destroy() error { d.destroyed = true; return nil }

func chunk(prob float32) []float32 {
	out := make([]float32, 512)
	for i := range out {
		out[i] = prob
	}
	return out
}

func TestLoadMissingModel(t *testing.T) {
	cases := []string{"", filepath.Join(t.TempDir(), "missing.onnx")}
	for _, path := range cases {
		_, err := Load(Config{ModelPath: path})
		if err == nil {
			t.Fatalf("expected error for %q", path)
		}
		if errorsx.Reason(err) != errorsx.ReasonVADLoad {
			t.Fatalf("expected vad_load reason, got %s", errorsx.Reason(err))
		}
	}
}

func TestDetectorConfigIsValid(t *testing.T) {
	for _, size := range []int{0, 512, 1024, 1536} {
		cfg := detectorConfig(Config{ModelPath: "silero_vad.onnx", WindowSize: size}.withDefaults())
		if err := cfg.IsValid(); err != nil {
			t.Fatalf("window %d: %v", size, err)
		}
	}
	if detectorConfig(Config{ModelPath: "m"}.withDefaults()).WindowSize != DefaultWindowSize {
		t.Fatalf("default window size not applied")
	}
}

func TestLoadRejectsBadWindowSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silero_vad.onnx")
	if err := os.WriteFile(path, []byte("model"), 0o600); err != nil {
		t.Fatalf("write model: %v", err)
	}
	_, err := Load(Config{ModelPath: path, WindowSize: 300})
	if errorsx.Reason(err) != errorsx.ReasonVADLoad {
		t.Fatalf("expected vad_load, got %v", err)
	}
}

func TestDetectFeedsOneWindowPerCall(t *testing.T) {
	det := newWindowDetector(3)
	v := newVAD(det, 512)
	for i := 0; i < 4; i++ {
		if _, err := v.Detect(chunk(0)); err != nil {
			t.Fatalf("detect: %v", err)
		}
	}
	if len(det.lengths) != 3 {
		t.Fatalf("expected 3 detector calls for 4 chunks, got %d", len(det.lengths))
	}
	for _, n := range det.lengths {
		if n != 513 {
			t.Fatalf("detector got %d samples, want 513", n)
		}
	}
}

func TestDetectReportsSpeechEndingInLaterCall(t *testing.T) {
	v := newVAD(newWindowDetector(3), 512)

	var got []vad.Event
	feed := func(prob float32, n int) {
		for i := 0; i < n; i++ {
			events, err := v.Detect(chunk(prob))
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			got = append(got, events...)
		}
	}
	feed(0, 2)
	feed(0.9, 10)
	feed(0, 8)
	feed(0.9, 3)
	feed(0, 8)

	var types []vad.EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	want := []vad.EventType{vad.SpeechStart, vad.SpeechEnd, vad.SpeechStart, vad.SpeechEnd}
	if len(types) != len(want) {
		t.Fatalf("got events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, types[i], want[i])
		}
	}
	if d := got[0].Offset - 64*time.Millisecond; d < -time.Millisecond || d > time.Millisecond {
		t.Fatalf("unexpected start offset %v", got[0].Offset)
	}
	if got[1].Offset != 512*time.Millisecond {
		t.Fatalf("unexpected end offset %v", got[1].Offset)
	}
	if got[1].Offset <= got[0].Offset || got[2].Offset <= got[1].Offset {
		t.Fatalf("offsets not increasing: %v", got)
	}
}

func TestResetDropsBufferedAudio(t *testing.T) {
	det := newWindowDetector(3)
	v := newVAD(det, 512)
	if _, err := v.Detect(make([]float32, 300)); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if err := v.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := v.Detect(make([]float32, 300)); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(det.lengths) != 0 || det.resets != 1 {
		t.Fatalf("expected no detector calls and one reset, got %d calls %d resets", len(det.lengths), det.resets)
	}
}

func TestCloseDestroysOnce(t *testing.T) {
	det := newWindowDetector(3)
	v := newVAD(det, 512)
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !det.destroyed {
		t.Fatalf("detector not destroyed")
	}
	if _, err := v.Detect(nil); err == nil {
		t.Fatalf("detect after close should fail")
	}
}
