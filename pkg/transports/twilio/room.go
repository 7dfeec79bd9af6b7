package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/haven/pkg/audio"
	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/transports"
)

const (
	phoneRate     = 8000
	roomRate      = 16000
	mulawChunk    = 160 // 20ms at 8 kHz
	sendQueueSize = 512
)

var errAlreadyJoined = errors.New("call already joined")

type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// callRoom is one phone call exposed as a room. Inbound mu-law is delivered
// as 16 kHz PCM; agent speech is sent back as 8 kHz mu-law media events.
type callRoom struct {
	callSID   string
	streamSID string
	from      string
	conn      wsWriter
	log       *slog.Logger

	audioCh chan frames.AudioFrame
	sendCh  chan []byte
	done    chan struct{}
	pts     *frames.PTSGen
	onClose func()

	mu     sync.Mutex
	joined bool
	closed bool
	reason string
}

func newCallRoom(start *StreamStart, conn wsWriter, log *slog.Logger) *callRoom {
	r := &callRoom{
		callSID:   start.CallSID,
		streamSID: start.StreamSID,
		from:      start.From,
		conn:      conn,
		log:       log.With("call_sid", start.CallSID),
		audioCh:   make(chan frames.AudioFrame, 256),
		sendCh:    make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		pts:       frames.NewPTSGen(),
	}
	go r.writeLoop()
	return r
}

// Connect hands the call to the job. The call is already live, so the
// subscribe mode only matters for audio, which phone calls always carry.
func (r *callRoom) Connect(ctx context.Context, mode transports.AutoSubscribe) (transports.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, transports.ErrRoomClosed
	}
	if r.joined {
		return nil, errAlreadyJoined
	}
	r.joined = true
	return r, nil
}

func (r *callRoom) Name() string { return RoomName(r.callSID) }

func (r *callRoom) Audio() <-chan frames.AudioFrame { return r.audioCh }

func (r *callRoom) Done() <-chan struct{} { return r.done }

func (r *callRoom) receive(payload string) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(raw) == 0 {
		return
	}
	pcm := audio.Resample(audio.MulawDecode(raw), phoneRate, roomRate)
	d := time.Duration(len(raw)) * time.Second / phoneRate
	meta := map[string]string{
		frames.MetaSource:   "twilio",
		frames.MetaCallSID:  r.callSID,
		frames.MetaStreamID: r.streamSID,
	}
	f := frames.NewAudioFrame(r.streamSID, r.pts.Advance(r.streamSID, d), audio.Int16ToBytes(pcm), roomRate, 1, meta)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.audioCh <- f:
	default:
		r.log.Warn("inbound audio buffer full, dropping frame")
	}
}

func (r *callRoom) PublishAudio(f frames.AudioFrame) error {
	samples := audio.BytesToInt16(f.RawPayload())
	if rate := f.Rate(); rate != 0 && rate != phoneRate {
		samples = audio.Resample(samples, rate, phoneRate)
	}
	encoded := audio.MulawEncode(samples)
	for len(encoded) > 0 {
		n := mulawChunk
		if len(encoded) < n {
			n = len(encoded)
		}
		msg := outboundMedia{
			Event:     "media",
			StreamSID: r.streamSID,
			Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(encoded[:n])},
		}
		if err := r.enqueue(msg); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

// ClearAudio tells Twilio to drop media it has buffered for playout.
func (r *callRoom) ClearAudio() error {
	r.drainQueue()
	return r.enqueue(outboundMedia{Event: "clear", StreamSID: r.streamSID})
}

func (r *callRoom) Disconnect() error {
	r.shutdown("agent_hangup")
	return nil
}

func (r *callRoom) enqueue(msg outboundMedia) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return transports.ErrRoomClosed
	}
	select {
	case r.sendCh <- b:
		return nil
	default:
		return errors.New("twilio send queue full")
	}
}

// drainQueue drops media not yet written to the socket.
func (r *callRoom) drainQueue() {
	for {
		select {
		case <-r.sendCh:
		default:
			return
		}
	}
}

func (r *callRoom) writeLoop() {
	for msg := range r.sendCh {
		if err := r.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			r.log.Debug("write failed", "error", err)
		}
	}
}

func (r *callRoom) shutdown(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.reason = reason
	close(r.audioCh)
	close(r.sendCh)
	onClose := r.onClose
	r.mu.Unlock()

	_ = r.conn.Close()
	if onClose != nil {
		onClose()
	}
	r.log.Info("call ended", "reason", reason)
	close(r.done)
}

func (r *callRoom) endReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

var (
	_ transports.Room      = (*callRoom)(nil)
	_ transports.Connector = (*callRoom)(nil)
)
