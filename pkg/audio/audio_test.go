package audio

import (
	"bytes"
	"testing"
)

func TestPCMBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	out := BytesToInt16(Int16ToBytes(in))
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, in[i], out[i])
		}
	}
}

func TestMulawRoundTripWithinTolerance(t *testing.T) {
	in := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}
	out := MulawDecode(MulawEncode(in))
	for i := range in {
		diff := int(in[i]) - int(out[i])
		if diff < 0 {
			diff = -diff
		}
		limit := int(in[i]) / 16
		if limit < 0 {
			limit = -limit
		}
		if limit < 16 {
			limit = 16
		}
		if diff > limit {
			t.Fatalf("sample %d: %d decoded to %d", i, in[i], out[i])
		}
	}
}

func TestMulawSilence(t *testing.T) {
	if got := MulawEncode([]int16{0})[0]; got != 0xFF {
		t.Fatalf("expected 0xFF for silence, got %#x", got)
	}
}

func TestResamplePreservesDuration(t *testing.T) {
	in := make([]int16, 160)
	for i := range in {
		in[i] = int16(i * 10)
	}
	up := Resample(in, 8000, 16000)
	if len(up) != 320 {
		t.Fatalf("expected 320 samples, got %d", len(up))
	}
	down := Resample(up, 16000, 8000)
	if len(down) != 160 {
		t.Fatalf("expected 160 samples, got %d", len(down))
	}
	if Resample(in, 8000, 8000)[5] != in[5] {
		t.Fatalf("same-rate resample must copy")
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	data, err := EncodeWAV(make([]int16, 1600), 16000)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("missing RIFF header")
	}
	if len(data) < 44+3200 {
		t.Fatalf("wav too short: %d", len(data))
	}
}
