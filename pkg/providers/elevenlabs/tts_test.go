package elevenlabs

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/haven/pkg/adapters/tts"
	"github.com/harunnryd/haven/pkg/frames"
)

func TestFormatRate(t *testing.T) {
	cases := map[string]int{
		"pcm_16000": 16000,
		"pcm_24000": 24000,
		"ulaw_8000": 8000,
		"mp3":       16000,
	}
	for format, want := range cases {
		if got := formatRate(format); got != want {
			t.Fatalf("formatRate(%q) = %d, want %d", format, got, want)
		}
	}
}

func TestSegmentEndsWithAudioReady(t *testing.T) {
	upgrader := websocket.Upgrader{}
	texts := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		if !strings.HasSuffix(r.URL.Path, "/text-to-speech/alloy/stream-input") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := 0; i < 3; i++ {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			texts <- msg["text"].(string)
		}
		pcm := base64.StdEncoding.EncodeToString(make([]byte, 640))
		_ = conn.WriteJSON(map[string]any{"audio": pcm})
		_ = conn.WriteJSON(map[string]any{"audio": pcm})
		_ = conn.WriteJSON(map[string]any{"isFinal": true})
	}))
	defer srv.Close()

	s := New(Config{
		Config:  tts.Config{StreamID: "room", Voice: "alloy"},
		APIKey:  "key",
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	if err := s.SendText("speech-1", "Stay in well lit areas."); err != nil {
		t.Fatalf("send: %v", err)
	}

	audioFrames := 0
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-s.Results():
			switch v := f.(type) {
			case frames.AudioFrame:
				audioFrames++
				if v.Rate() != 16000 || v.Duration() != 20*time.Millisecond || v.Meta()[frames.MetaSpeechID] != "speech-1" {
					t.Fatalf("unexpected frame rate=%d dur=%v", v.Rate(), v.Duration())
				}
			case frames.ControlFrame:
				if v.Code() != frames.ControlAudioReady || audioFrames != 2 {
					t.Fatalf("unexpected control %s after %d frames", v.Code(), audioFrames)
				}
				<-texts
				if got := <-texts; got != "Stay in well lit areas. " {
					t.Fatalf("unexpected text %q", got)
				}
				if got := <-texts; got != "" {
					t.Fatalf("expected end of stream marker, got %q", got)
				}
				return
			}
		case <-timeout:
			t.Fatalf("timed out after %d frames", audioFrames)
		}
	}
}

func TestStartRequiresCredentials(t *testing.T) {
	if err := New(Config{}).Start(context.Background()); err == nil {
		t.Fatalf("expected error without api key and voice")
	}
}
