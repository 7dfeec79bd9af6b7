package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/haven/pkg/adapters/stt"
	"github.com/harunnryd/haven/pkg/adapters/tts"
	"github.com/harunnryd/haven/pkg/adapters/vad"
	"github.com/harunnryd/haven/pkg/aggregators"
	"github.com/harunnryd/haven/pkg/audio"
	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/llm"
	"github.com/harunnryd/haven/pkg/logging"
	"github.com/harunnryd/haven/pkg/metrics"
	"github.com/harunnryd/haven/pkg/redact"
	"github.com/harunnryd/haven/pkg/transports"
	"github.com/harunnryd/haven/pkg/turn"
)

var (
	ErrAlreadyStarted = errors.New("assistant already started")
	ErrNotStarted     = errors.New("assistant not started")
	ErrClosed         = errors.New("assistant closed")
)

type Options struct {
	VAD     vad.Detector
	STT     stt.StreamingSTT
	LLM     llm.LLMAdapter
	TTS     tts.StreamingTTS
	ChatCtx *llm.ChatContext

	Observer metrics.Observer
	Logger   *slog.Logger

	// SampleRate is the rate audio is fed to the STT. Defaults to 16000.
	SampleRate int
	// MinBargeIn is how long user speech must last to cut the agent off.
	MinBargeIn time.Duration
	// MaxHistory bounds non-system messages sent to the LLM. Zero keeps all.
	MaxHistory  int
	Temperature *float64
	// SegmentTimeout bounds the wait for a TTS segment to finish.
	SegmentTimeout time.Duration
}

// Assistant runs the listen, think, speak loop for one room.
type Assistant struct {
	opts    Options
	history *llm.History
	turns   *turn.Manager
	obs     metrics.Observer
	log     *slog.Logger
	ids     atomic.Uint64

	mu           sync.Mutex
	room         transports.Room
	started      bool
	closed       bool
	ctx          context.Context
	cancel       context.CancelFunc
	current      *SpeechHandle
	pendingReply *SpeechHandle

	speeches  chan *SpeechHandle
	inputWG   sync.WaitGroup
	outputWG  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func New(opts Options) (*Assistant, error) {
	switch {
	case opts.VAD == nil:
		return nil, errors.New("voice: vad is required")
	case opts.STT == nil:
		return nil, errors.New("voice: stt is required")
	case opts.LLM == nil:
		return nil, errors.New("voice: llm is required")
	case opts.TTS == nil:
		return nil, errors.New("voice: tts is required")
	case opts.ChatCtx == nil:
		return nil, errors.New("voice: chat context is required")
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = 15 * time.Second
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	a := &Assistant{
		opts:     opts,
		history:  llm.NewHistory(opts.ChatCtx, opts.MaxHistory),
		obs:      obs,
		log:      logging.NewComponentLogger(opts.Logger, "assistant"),
		speeches: make(chan *SpeechHandle, 16),
	}
	a.turns = turn.NewManager(turn.EmitterFunc(a.onTurnControl), turn.ManagerOptions{MinBargeIn: opts.MinBargeIn})
	return a, nil
}

// ChatContext returns the conversation so far.
func (a *Assistant) ChatContext() *llm.ChatContext { return a.history.Snapshot() }

func (a *Assistant) State() turn.State { return a.turns.State() }

// Start attaches the assistant to a connected room and starts the providers.
func (a *Assistant) Start(room transports.Room) error {
	if room == nil {
		return errors.New("voice: room is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.started {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.opts.STT.Start(ctx); err != nil {
		cancel()
		return errorsx.Wrapf(err, errorsx.ReasonSTTConnect, "start %s", a.opts.STT.Name())
	}
	if err := a.opts.TTS.Start(ctx); err != nil {
		cancel()
		return errorsx.Wrapf(err, errorsx.ReasonTTSConnect, "start %s", a.opts.TTS.Name())
	}
	a.room = room
	a.ctx, a.cancel = ctx, cancel
	a.started = true
	a.log = a.log.With(slog.String("room", room.Name()))

	a.inputWG.Add(3)
	go a.inputLoop(ctx, room)
	go a.speechLoop(ctx)
	go a.watchRoom(ctx, room)
	a.outputWG.Add(2)
	go a.transcriptLoop()
	go a.synthesisLoop(room)

	a.log.Info("assistant started",
		"vad", a.opts.VAD.Name(),
		"stt", a.opts.STT.Name(),
		"llm", a.opts.LLM.Name(),
		"tts", a.opts.TTS.Name(),
	)
	return nil
}

// Say queues text to be spoken. Speeches play one at a time in order.
func (a *Assistant) Say(ctx context.Context, text string, opts SayOptions) (*SpeechHandle, error) {
	a.mu.Lock()
	started, closed, actx := a.started, a.closed, a.ctx
	a.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !started {
		return nil, ErrNotStarted
	}
	h := newSpeechHandle(actx, a.nextID(), opts, textSource(text))
	if err := a.enqueue(ctx, h); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSay)
	}
	return h, nil
}

// Close stops every loop and closes the providers. It is safe to call more
// than once.
func (a *Assistant) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		cancel := a.cancel
		started := a.started
		a.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if started {
			a.inputWG.Wait()
		}
		var errs []error
		if err := a.opts.STT.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stt: %w", err))
		}
		if err := a.opts.TTS.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tts: %w", err))
		}
		if started {
			a.outputWG.Wait()
		}
		if err := a.opts.VAD.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vad: %w", err))
		}
		a.drainQueue()
		a.closeErr = errors.Join(errs...)
		a.log.Info("assistant closed")
	})
	return a.closeErr
}

func (a *Assistant) nextID() string {
	return fmt.Sprintf("speech-%d", a.ids.Add(1))
}

func (a *Assistant) enqueue(ctx context.Context, h *SpeechHandle) error {
	select {
	case a.speeches <- h:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrClosed
	}
}

func (a *Assistant) drainQueue() {
	for {
		select {
		case h := <-a.speeches:
			h.cancel()
			close(h.done)
		default:
			return
		}
	}
}

func (a *Assistant) currentSpeech() *SpeechHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Assistant) setCurrent(h *SpeechHandle) {
	a.mu.Lock()
	a.current = h
	if h != nil && a.pendingReply == h {
		a.pendingReply = nil
	}
	a.mu.Unlock()
}

func (a *Assistant) watchRoom(ctx context.Context, room transports.Room) {
	defer a.inputWG.Done()
	select {
	case <-ctx.Done():
	case <-room.Done():
		a.log.Info("room closed, stopping assistant")
		a.cancel()
	}
}

// inputLoop feeds room audio to the STT and the VAD.
func (a *Assistant) inputLoop(ctx context.Context, room transports.Room) {
	defer a.inputWG.Done()
	rate := a.opts.SampleRate
	vadRate := a.opts.VAD.SampleRate()
	window := vadRate * 32 / 1000
	var pending []int16
	sendErrs := 0
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-room.Audio():
			if !ok {
				return
			}
			samples := audio.Resample(audio.BytesToInt16(f.RawPayload()), f.Rate(), rate)
			in := frames.NewAudioFrame(room.Name(), f.PTS(), audio.Int16ToBytes(samples), rate, 1, f.Meta())
			if err := a.opts.STT.SendAudio(in); err != nil {
				sendErrs++
				if sendErrs == 1 || sendErrs%100 == 0 {
					a.log.Warn("stt send failed", "error", err, "count", sendErrs, "reason", errorsx.ReasonSTTSend)
				}
			}
			pending = append(pending, audio.Resample(samples, rate, vadRate)...)
			for len(pending) >= window {
				chunk := audio.Int16ToFloat32(pending[:window])
				pending = append(pending[:0], pending[window:]...)
				events, err := a.opts.VAD.Detect(chunk)
				if err != nil {
					a.log.Warn("vad detect failed", "error", err, "reason", errorsx.ReasonVADDetect)
					continue
				}
				for _, ev := range events {
					a.onVADEvent(ev)
				}
			}
		}
	}
}

func (a *Assistant) onVADEvent(ev vad.Event) {
	tags := map[string]string{"room": a.room.Name()}
	switch ev.Type {
	case vad.SpeechStart:
		metrics.Record(a.obs, metrics.EventUserSpeechStarted, tags, nil)
		if m, ok := a.opts.STT.(stt.SpeechMarker); ok {
			m.MarkSpeechStart()
		}
		a.turns.OnUserSpeechStart()
	case vad.SpeechEnd:
		metrics.Record(a.obs, metrics.EventUserSpeechEnded, tags, nil)
		a.turns.OnUserSpeechEnd()
		if err := a.opts.STT.Flush(); err != nil {
			a.log.Warn("stt flush failed", "error", err)
		}
	}
}

// transcriptLoop turns final transcripts into replies.
func (a *Assistant) transcriptLoop() {
	defer a.outputWG.Done()
	for f := range a.opts.STT.Results() {
		tf, ok := f.(frames.TextFrame)
		if !ok || !tf.IsFinal() {
			continue
		}
		text := strings.TrimSpace(tf.Text())
		if text == "" {
			continue
		}
		a.onTranscript(text)
	}
}

func (a *Assistant) onTranscript(text string) {
	a.log.Info("user transcript", "text", redact.Text(text))
	metrics.Record(a.obs, metrics.EventUserTranscript, map[string]string{"room": a.room.Name()}, map[string]any{"chars": len(text)})
	a.turns.OnUserTranscript()
	a.history.Append(llm.RoleUser, text)

	a.mu.Lock()
	if a.closed || a.ctx == nil {
		a.mu.Unlock()
		return
	}
	if a.pendingReply != nil {
		// The queued reply reads history when it starts, so it will see this too.
		a.mu.Unlock()
		return
	}
	h := newSpeechHandle(a.ctx, a.nextID(), SayOptions{AllowInterruptions: true}, a.replySource)
	a.pendingReply = h
	actx := a.ctx
	a.mu.Unlock()

	if err := a.enqueue(actx, h); err != nil {
		a.mu.Lock()
		if a.pendingReply == h {
			a.pendingReply = nil
		}
		a.mu.Unlock()
	}
}

func (a *Assistant) replySource(ctx context.Context) (<-chan string, error) {
	req := a.history.Snapshot().Request()
	req.Temperature = a.opts.Temperature
	start := time.Now()
	tokens, err := a.opts.LLM.Stream(ctx, req)
	if err != nil {
		metrics.Record(a.obs, metrics.EventLLMError, map[string]string{
			"room":     a.room.Name(),
			"provider": a.opts.LLM.Name(),
			"reason":   string(errorsx.ReasonLLMStream),
		}, nil)
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	out := make(chan string)
	go func() {
		defer close(out)
		first := true
		for tok := range tokens {
			if first {
				first = false
				metrics.Record(a.obs, metrics.EventLLMFirstToken, map[string]string{"room": a.room.Name()},
					map[string]any{"latency_ms": time.Since(start).Milliseconds()})
			}
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// synthesisLoop forwards TTS audio of the current speech to the room. Frames
// left over from an earlier speech are dropped.
func (a *Assistant) synthesisLoop(room transports.Room) {
	defer a.outputWG.Done()
	stale := 0
	for f := range a.opts.TTS.Results() {
		cur := a.currentSpeech()
		if cur == nil || f.Meta()[frames.MetaSpeechID] != cur.id {
			stale++
			if stale == 1 || stale%100 == 0 {
				a.log.Debug("dropped stale tts frame", "speech_id", f.Meta()[frames.MetaSpeechID], "count", stale)
			}
			continue
		}
		switch v := f.(type) {
		case frames.AudioFrame:
			if cur.Interrupted() {
				continue
			}
			if err := room.PublishAudio(v); err != nil {
				if !errors.Is(err, transports.ErrRoomClosed) {
					a.log.Warn("publish audio failed", "error", err, "reason", errorsx.ReasonTransportSend)
				}
				continue
			}
			cur.extendPlayout(v.Duration())
		case frames.ControlFrame:
			if v.Code() == frames.ControlAudioReady {
				cur.segmentReady()
			}
		}
	}
}

func (a *Assistant) speechLoop(ctx context.Context) {
	defer a.inputWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-a.speeches:
			a.play(h)
		}
	}
}

func (a *Assistant) play(h *SpeechHandle) {
	defer close(h.done)
	defer h.cancel()
	if h.ctx.Err() != nil {
		return
	}
	h.mu.Lock()
	h.interruptFn = a.interrupt
	h.mu.Unlock()

	a.setCurrent(h)
	defer a.setCurrent(nil)
	a.turns.OnAgentSpeechStart(h.allowInterruptions)
	tags := map[string]string{"room": a.room.Name(), "speech_id": h.id}
	metrics.Record(a.obs, metrics.EventAgentSpeechStarted, tags, map[string]any{"allow_interruptions": h.allowInterruptions})

	tokens, err := h.source(h.ctx)
	if err != nil {
		h.setErr(err)
		a.log.Error("speech source failed", "speech_id", h.id, "error", err, "reason", errorsx.Reason(err))
		a.turns.OnAgentSpeechEnd()
		return
	}

	agg := aggregators.NewSentenceAggregator(aggregators.SentenceConfig{})
stream:
	for {
		select {
		case <-h.ctx.Done():
			break stream
		case tok, ok := <-tokens:
			if !ok {
				break stream
			}
			h.appendText(tok)
			for _, s := range agg.Add(tok) {
				a.speak(h, s)
			}
		}
	}
	if h.ctx.Err() == nil {
		if tail := agg.Flush(); tail != "" {
			a.speak(h, tail)
		}
	}
	a.awaitPlayout(h)
	a.finish(h, tags)
}

func (a *Assistant) speak(h *SpeechHandle, sentence string) {
	h.addSegment(sentence)
	if err := a.opts.TTS.SendText(h.id, sentence); err != nil {
		a.log.Warn("tts send failed", "speech_id", h.id, "error", err, "reason", errorsx.ReasonTTSSend)
		h.segmentReady()
	}
}

func (a *Assistant) awaitPlayout(h *SpeechHandle) {
	for !h.allReady() {
		timer := time.NewTimer(a.opts.SegmentTimeout)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-h.readyCh:
			timer.Stop()
		case <-timer.C:
			a.log.Warn("tts segment timed out", "speech_id", h.id)
			return
		}
	}
	for {
		rem := h.playoutRemaining()
		if rem <= 0 {
			return
		}
		timer := time.NewTimer(rem)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (a *Assistant) finish(h *SpeechHandle, tags map[string]string) {
	interrupted := h.Interrupted()
	a.turns.OnAgentSpeechEnd()
	text := h.Text()
	if interrupted {
		text = h.spoken()
	}
	if !h.skipHistory && text != "" {
		a.history.Append(llm.RoleAssistant, text)
	}
	metrics.Record(a.obs, metrics.EventAgentSpeechFinished, tags, map[string]any{"interrupted": interrupted})
}

// onTurnControl receives the barge-in decision from the turn manager.
func (a *Assistant) onTurnControl(f frames.Frame) error {
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlStartInterruption {
		return nil
	}
	cur := a.currentSpeech()
	if cur == nil || !cur.allowInterruptions {
		return nil
	}
	return a.interrupt(cur)
}

func (a *Assistant) interrupt(h *SpeechHandle) error {
	playing := a.currentSpeech() == h
	if !h.markInterrupted() {
		return nil
	}
	if playing {
		a.opts.TTS.Flush()
		if err := a.room.ClearAudio(); err != nil {
			a.log.Warn("clear audio failed", "error", err)
		}
	}
	metrics.Record(a.obs, metrics.EventAgentSpeechInterrupted, map[string]string{
		"room":      a.room.Name(),
		"speech_id": h.id,
	}, nil)
	a.log.Info("speech interrupted", "speech_id", h.id)
	return nil
}
