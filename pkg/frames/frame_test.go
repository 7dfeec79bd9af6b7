package frames

import (
	"testing"
	"time"
)

func TestAudioFrameDuration(t *testing.T) {
	f := NewAudioFrame("s1", 0, make([]byte, 640), 16000, 1, nil)
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %s", got)
	}
	if f.Meta()[MetaStreamID] != "s1" {
		t.Fatalf("expected stream id in meta")
	}
}

func TestMetaIsCopied(t *testing.T) {
	f := NewTextFrame("s1", 0, "hi", map[string]string{MetaIsFinal: "true"})
	m := f.Meta()
	m[MetaIsFinal] = "false"
	if !f.IsFinal() {
		t.Fatalf("frame meta mutated through copy")
	}
}

func TestPTSGenAdvance(t *testing.T) {
	g := NewPTSGen()
	a := g.Advance("s", 20*time.Millisecond)
	b := g.Next("s")
	if a != (20 * time.Millisecond).Nanoseconds() {
		t.Fatalf("unexpected first pts %d", a)
	}
	if b <= a {
		t.Fatalf("pts not monotonic: %d then %d", a, b)
	}
	if g.Next("other") != time.Millisecond.Nanoseconds() {
		t.Fatalf("streams must be independent")
	}
}
