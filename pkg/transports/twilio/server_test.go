package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/haven/pkg/audio"
	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/transports"
	"github.com/harunnryd/haven/pkg/worker"
)

type jobSink struct {
	mu   sync.Mutex
	reqs []worker.JobRequest
	ch   chan worker.JobRequest
}

func newJobSink() *jobSink { return &jobSink{ch: make(chan worker.JobRequest, 4)} }

func (s *jobSink) submit(req worker.JobRequest) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	s.ch <- req
	return nil
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceReturnsStreamTwiML(t *testing.T) {
	s := NewServer(Config{PublicURL: "https://example.com"})
	w := httptest.NewRecorder()
	s.Handler(nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/voice", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Stream url="wss://example.com/ws"/>`) {
		t.Fatalf("unexpected twiml %q", w.Body.String())
	}
}

func TestVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", ValidateSignature: true}
	s := NewServer(cfg)
	h := s.Handler(nil)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := computeSignature(cfg.AuthToken, s.requestURL(req), map[string]string{"CallSid": "CA123", "From": "+123"})
	req.Header.Set("X-Twilio-Signature", sig)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	bad := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	bad.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	bad.Header.Set("X-Twilio-Signature", "invalid")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, bad)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"in-progress": "",
		"ringing":     "",
		"completed":   "completed",
		"busy":        "busy",
		"no-answer":   "no_answer",
		"canceled":    "failed",
		"weird":       "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

type phoneCall struct {
	sink *jobSink
	srv  *Server
	conn *websocket.Conn
	room transports.Room
}

func dialCall(t *testing.T, srv *Server) *phoneCall {
	t.Helper()
	sink := newJobSink()
	hs := httptest.NewServer(srv.Handler(sink.submit))
	t.Cleanup(hs.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	start := StreamEvent{Event: "start", Start: &StreamStart{CallSID: "CA42", StreamSID: "MZ1", From: "+15551234567"}}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("write start: %v", err)
	}
	var req worker.JobRequest
	select {
	case req = <-sink.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("no job submitted")
	}
	if req.Room != "call-CA42" || req.Source != worker.SourceTwilio || req.Meta["call_sid"] != "CA42" {
		t.Fatalf("unexpected job %+v", req)
	}
	room, err := req.Connector.Connect(context.Background(), transports.SubscribeAudioOnly)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := req.Connector.Connect(context.Background(), transports.SubscribeAudioOnly); err == nil {
		t.Fatalf("second connect should fail")
	}
	return &phoneCall{sink: sink, srv: srv, conn: conn, room: room}
}

func readOutbound(t *testing.T, conn *websocket.Conn) outboundMedia {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg outboundMedia
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read outbound: %v", err)
	}
	return msg
}

func TestCallAudioRoundTrip(t *testing.T) {
	call := dialCall(t, NewServer(Config{}))

	mulaw := audio.MulawEncode(make([]int16, 160))
	media := StreamEvent{Event: "media", Media: &StreamMedia{Payload: base64.StdEncoding.EncodeToString(mulaw)}}
	if err := call.conn.WriteJSON(media); err != nil {
		t.Fatalf("write media: %v", err)
	}
	select {
	case f := <-call.room.Audio():
		if f.Rate() != 16000 || len(f.RawPayload()) != 640 {
			t.Fatalf("expected 20ms at 16k, got rate=%d bytes=%d", f.Rate(), len(f.RawPayload()))
		}
		if f.Meta()[frames.MetaCallSID] != "CA42" {
			t.Fatalf("missing call sid meta")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no inbound audio")
	}

	// 40ms at 16 kHz becomes two 20ms mu-law chunks.
	out := frames.NewAudioFrame("agent", 0, make([]byte, 1280), 16000, 1, nil)
	if err := call.room.PublishAudio(out); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		msg := readOutbound(t, call.conn)
		if msg.Event != "media" || msg.StreamSID != "MZ1" || msg.Media == nil {
			t.Fatalf("unexpected outbound %+v", msg)
		}
		raw, _ := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if len(raw) != 160 {
			t.Fatalf("expected 160 byte chunk, got %d", len(raw))
		}
	}

	if err := call.room.ClearAudio(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if msg := readOutbound(t, call.conn); msg.Event != "clear" {
		t.Fatalf("expected clear event, got %+v", msg)
	}
}

func TestStopEventEndsRoom(t *testing.T) {
	call := dialCall(t, NewServer(Config{}))
	if err := call.conn.WriteJSON(StreamEvent{Event: "stop", Stop: &StreamStop{CallSID: "CA42"}}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	select {
	case <-call.room.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("room not closed after stop")
	}
	if err := call.room.PublishAudio(frames.NewAudioFrame("agent", 0, make([]byte, 320), 8000, 1, nil)); err == nil {
		t.Fatalf("publish after stop should fail")
	}
}

func TestStatusCallbackEndsRoom(t *testing.T) {
	srv := NewServer(Config{})
	call := dialCall(t, srv)

	form := url.Values{}
	form.Set("CallSid", "CA42")
	form.Set("CallStatus", "completed")
	req := httptest.NewRequest(http.MethodPost, "/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	srv.Handler(call.sink.submit).ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case <-call.room.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("room not closed after completed status")
	}
	if r, ok := call.room.(*callRoom); !ok || r.endReason() != "completed" {
		t.Fatalf("unexpected end reason")
	}
	if srv.room("CA42") != nil {
		t.Fatalf("room still tracked after end")
	}
}

func TestOutboundMessageShape(t *testing.T) {
	b, err := json.Marshal(outboundMedia{Event: "clear", StreamSID: "MZ1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"event":"clear","streamSid":"MZ1"}` {
		t.Fatalf("unexpected clear payload %s", b)
	}
}
