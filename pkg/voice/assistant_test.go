package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/haven/pkg/audio"
	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/llm"
	"github.com/harunnryd/haven/pkg/metrics"
	"github.com/harunnryd/haven/pkg/providers/mock"
	transportmock "github.com/harunnryd/haven/pkg/transports/mock"
)

const persona = "You are a helpful safety assistant."

type fixture struct {
	room *transportmock.Room
	stt  *mock.StreamingSTT
	tts  *mock.StreamingTTS
	llm  *mock.LLMAdapter
	obs  *metrics.MemoryObserver
	a    *Assistant
	seed *llm.ChatContext
}

func newFixture(t *testing.T, ttsCfg mock.TTSConfig, llmCfg mock.LLMConfig) *fixture {
	t.Helper()
	v, err := mock.NewVAD(mock.VADConfig{})
	if err != nil {
		t.Fatalf("vad: %v", err)
	}
	f := &fixture{
		room: transportmock.NewRoom("safety-agent-room"),
		stt:  mock.NewSTT(mock.STTConfig{}),
		tts:  mock.NewTTS(ttsCfg),
		llm:  mock.NewLLMAdapter(llmCfg),
		obs:  metrics.NewMemoryObserver(),
		seed: llm.NewChatContext().Append(llm.RoleSystem, persona),
	}
	f.a, err = New(Options{
		VAD:        v,
		STT:        f.stt,
		LLM:        f.llm,
		TTS:        f.tts,
		ChatCtx:    f.seed,
		Observer:   f.obs,
		MinBargeIn: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new assistant: %v", err)
	}
	t.Cleanup(func() { _ = f.a.Close() })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func loudFrame() frames.AudioFrame {
	samples := make([]int16, 320)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return frames.NewAudioFrame("user", 0, audio.Int16ToBytes(samples), 16000, 1, nil)
}

func TestNewRequiresEveryProvider(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}

func TestSayBeforeStartFails(t *testing.T) {
	f := newFixture(t, mock.TTSConfig{}, mock.LLMConfig{})
	if _, err := f.a.Say(context.Background(), "hello", SayOptions{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t, mock.TTSConfig{}, mock.LLMConfig{})
	if err := f.a.Start(f.room); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.a.Start(f.room); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSayPlaysToRoomAndRecordsHistory(t *testing.T) {
	f := newFixture(t, mock.TTSConfig{FramesPerText: 3}, mock.LLMConfig{})
	if err := f.a.Start(f.room); err != nil {
		t.Fatalf("start: %v", err)
	}
	greeting := "Hi! I'm your safety assistant. How can I help you stay safe today?"
	h, err := f.a.Say(context.Background(), greeting, SayOptions{AllowInterruptions: true})
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if h.Interrupted() {
		t.Fatalf("speech should not be interrupted")
	}
	if got := len(f.room.Published()); got != 6 {
		t.Fatalf("expected 6 published frames for 2 sentences, got %d", got)
	}
	texts := f.tts.Texts()
	if len(texts) != 2 || texts[0] != "Hi! I'm your safety assistant." {
		t.Fatalf("unexpected tts segments %q", texts)
	}
	msgs := f.a.ChatContext().Messages()
	if len(msgs) != 2 || msgs[1].Role != llm.RoleAssistant || msgs[1].Content != greeting {
		t.Fatalf("unexpected history %+v", msgs)
	}
	if f.seed.Len() != 1 {
		t.Fatalf("seed context was mutated")
	}
}

func TestTranscriptTriggersReplyWithPersona(t *testing.T) {
	f := newFixture(t, mock.TTSConfig{}, mock.LLMConfig{StreamChunks: []string{"Stay on lit streets. ", "Call a friend you trust."}})
	if err := f.a.Start(f.room); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.stt.Inject("I feel unsafe walking home")

	waitFor(t, "llm request", func() bool { return len(f.llm.Requests()) == 1 })
	msgs := f.llm.Requests()[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("expected system + user, got %+v", msgs)
	}
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != persona {
		t.Fatalf("first message must be the persona, got %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleUser || msgs[1].Content != "I feel unsafe walking home" {
		t.Fatalf("unexpected user message %+v", msgs[1])
	}
	waitFor(t, "reply finished", func() bool {
		return len(f.obs.Named(metrics.EventAgentSpeechFinished)) == 1
	})
	texts := f.tts.Texts()
	if len(texts) != 2 || texts[1] != "Call a friend you trust." {
		t.Fatalf("unexpected tts segments %q", texts)
	}
	last := f.a.ChatContext().Messages()
	if last[len(last)-1].Content != "Stay on lit streets. Call a friend you trust." {
		t.Fatalf("reply missing from history: %+v", last)
	}
}

func TestUserSpeechInterruptsInterruptibleSpeech(t *testing.T) {
	f := newFixture(t, mock.TTSConfig{FramesPerText: 50, FrameDelay: 10 * time.Millisecond}, mock.LLMConfig{})
	if err := f.a.Start(f.room); err != nil {
		t.Fatalf("start: %v", err)
	}
	h, err := f.a.Say(context.Background(), "This is a long safety briefing that keeps going.", SayOptions{AllowInterruptions: true})
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	waitFor(t, "audio published", func() bool { return len(f.room.Published()) > 0 })
	for i := 0; i < 10; i++ {
		f.room.Push(loudFrame())
	}
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("speech was not interrupted")
	}
	if !h.Interrupted() {
		t.Fatalf("expected handle marked interrupted")
	}
	if f.room.Clears() == 0 || f.tts.Flushes() == 0 {
		t.Fatalf("expected room cleared and tts flushed, got %d clears %d flushes", f.room.Clears(), f.tts.Flushes())
	}
	if len(f.obs.Named(metrics.EventAgentSpeechInterrupted)) != 1 {
		t.Fatalf("expected one interruption event")
	}
}

func TestNonInterruptibleSpeechPlaysThrough(t *testing.T) {
	f := newFixture(t, mock.TTSConfig{FramesPerText: 10, FrameDelay: 5 * time.Millisecond}, mock.LLMConfig{})
	if err := f.a.Start(f.room); err != nil {
		t.Fatalf("start: %v", err)
	}
	h, err := f.a.Say(context.Background(), "Please listen to this whole message.", SayOptions{AllowInterruptions: false})
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	if err := h.Interrupt(); !errors.Is(err, ErrNotInterruptible) {
		t.Fatalf("expected ErrNotInterruptible, got %v", err)
	}
	waitFor(t, "audio published", func() bool { return len(f.room.Published()) > 0 })
	for i := 0; i < 10; i++ {
		f.room.Push(loudFrame())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if h.Interrupted() || f.room.Clears() != 0 {
		t.Fatalf("non-interruptible speech was cut off")
	}
	if got := len(f.room.Published()); got != 10 {
		t.Fatalf("expected all 10 frames published, got %d", got)
	}
}

func TestRoomDisconnectStopsAssistant(t *testing.T) {
	f := newFixture(t, mock.TTSConfig{}, mock.LLMConfig{})
	if err := f.a.Start(f.room); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = f.room.Disconnect()
	done := make(chan error, 1)
	go func() { done <- f.a.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("close hung after room disconnect")
	}
	if _, err := f.a.Say(context.Background(), "late", SayOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// lingeringTTS keeps segments without a speech open until interrupted, and
// replays what was buffered at flush time ahead of the next segment.
type lingeringTTS struct {
	mu       sync.Mutex
	out      chan frames.Frame
	closed   bool
	hold     map[string]bool
	held     []frames.Frame
	lastID   string
	perText  int
	segments map[string]int
}

func newLingeringTTS(perText int, hold ...string) *lingeringTTS {
	t := &lingeringTTS{
		out:      make(chan frames.Frame, 64),
		hold:     map[string]bool{},
		perText:  perText,
		segments: map[string]int{},
	}
	for _, id := range hold {
		t.hold[id] = true
	}
	return t
}

func (t *lingeringTTS) Name() string                 { return "lingering_tts" }
func (t *lingeringTTS) Start(context.Context) error  { return nil }
func (t *lingeringTTS) SampleRate() int              { return 16000 }
func (t *lingeringTTS) Results() <-chan frames.Frame { return t.out }

func (t *lingeringTTS) segmentsFor(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.segments[id]
}

func (t *lingeringTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.out)
	}
	return nil
}

func (t *lingeringTTS) SendText(speechID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.held {
		t.out <- f
	}
	t.held = nil
	t.lastID = speechID
	t.segments[speechID]++
	meta := map[string]string{frames.MetaSpeechID: speechID}
	if t.hold[speechID] {
		t.out <- frames.NewAudioFrame("tts", 0, make([]byte, 640), 16000, 1, meta)
		return nil
	}
	for i := 0; i < t.perText; i++ {
		t.out <- frames.NewAudioFrame("tts", 0, make([]byte, 640), 16000, 1, meta)
	}
	t.out <- frames.NewControlFrame("tts", 0, frames.ControlAudioReady, meta)
	return nil
}

// Flush leaves the rest of the held segment sitting in the output buffer.
func (t *lingeringTTS) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaSpeechID: t.lastID}
	t.held = []frames.Frame{
		frames.NewAudioFrame("tts", 0, make([]byte, 640), 16000, 1, meta),
		frames.NewAudioFrame("tts", 0, make([]byte, 640), 16000, 1, meta),
		frames.NewControlFrame("tts", 0, frames.ControlAudioReady, meta),
	}
}

func TestFramesFromInterruptedSpeechDoNotReachNextSpeech(t *testing.T) {
	v, err := mock.NewVAD(mock.VADConfig{})
	if err != nil {
		t.Fatalf("vad: %v", err)
	}
	synth := newLingeringTTS(3, "speech-1")
	room := transportmock.NewRoom("safety-agent-room")
	a, err := New(Options{
		VAD:     v,
		STT:     mock.NewSTT(mock.STTConfig{}),
		LLM:     mock.NewLLMAdapter(mock.LLMConfig{}),
		TTS:     synth,
		ChatCtx: llm.NewChatContext().Append(llm.RoleSystem, persona),
	})
	if err != nil {
		t.Fatalf("new assistant: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := a.Start(room); err != nil {
		t.Fatalf("start: %v", err)
	}

	first, err := a.Say(context.Background(), "This briefing gets cut off.", SayOptions{AllowInterruptions: true})
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	waitFor(t, "first audio", func() bool { return len(room.Published()) == 1 })
	if err := first.Interrupt(); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	<-first.Done()

	reply := "Stay where it is bright. Call someone you trust."
	second, err := a.Say(context.Background(), reply, SayOptions{AllowInterruptions: true})
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := second.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	var stale, fresh int
	for _, f := range room.Published() {
		switch f.Meta()[frames.MetaSpeechID] {
		case first.ID():
			stale++
		case second.ID():
			fresh++
		}
	}
	if stale != 1 {
		t.Fatalf("expected only the pre-interrupt frame of %s, got %d", first.ID(), stale)
	}
	if n := synth.segmentsFor(second.ID()); n != 2 || fresh != 6 {
		t.Fatalf("expected 2 segments and 6 frames for %s, got %d segments %d frames", second.ID(), n, fresh)
	}
	msgs := a.ChatContext().Messages()
	if last := msgs[len(msgs)-1]; last.Role != llm.RoleAssistant || last.Content != reply {
		t.Fatalf("reply cut short in history: %+v", msgs)
	}
}
