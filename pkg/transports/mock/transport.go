package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/haven/pkg/frames"
	"github.com/harunnryd/haven/pkg/transports"
)

// Room is an in-memory room for local testing. It implements
// transports.Room without any network dependency.
type Room struct {
	name      string
	audioCh   chan frames.AudioFrame
	done      chan struct{}
	closed    atomic.Bool
	mu        sync.Mutex
	published []frames.AudioFrame
	clears    int
}

func NewRoom(name string) *Room {
	return &Room{
		name:    name,
		audioCh: make(chan frames.AudioFrame, 256),
		done:    make(chan struct{}),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) Audio() <-chan frames.AudioFrame { return r.audioCh }

func (r *Room) Done() <-chan struct{} { return r.done }

func (r *Room) PublishAudio(f frames.AudioFrame) error {
	if r.closed.Load() {
		return transports.ErrRoomClosed
	}
	r.mu.Lock()
	r.published = append(r.published, f)
	r.mu.Unlock()
	return nil
}

func (r *Room) ClearAudio() error {
	r.mu.Lock()
	r.clears++
	r.mu.Unlock()
	return nil
}

func (r *Room) Disconnect() error {
	if r.closed.CompareAndSwap(false, true) {
		r.mu.Lock()
		close(r.audioCh)
		close(r.done)
		r.mu.Unlock()
	}
	return nil
}

// Push injects inbound audio as if a participant spoke.
func (r *Room) Push(f frames.AudioFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return
	}
	select {
	case r.audioCh <- f:
	default:
	}
}

// Published returns a copy of the audio the agent has published.
func (r *Room) Published() []frames.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frames.AudioFrame(nil), r.published...)
}

// Clears counts ClearAudio calls.
func (r *Room) Clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clears
}

// Connector hands out a fixed room and records how it was asked to
// subscribe.
type Connector struct {
	Room  *Room
	Err   error
	mu    sync.Mutex
	modes []transports.AutoSubscribe
}

func NewConnector(room *Room) *Connector {
	return &Connector{Room: room}
}

func (c *Connector) Connect(ctx context.Context, mode transports.AutoSubscribe) (transports.Room, error) {
	c.mu.Lock()
	c.modes = append(c.modes, mode)
	c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Room, nil
}

func (c *Connector) Modes() []transports.AutoSubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transports.AutoSubscribe(nil), c.modes...)
}

var _ transports.Room = (*Room)(nil)
var _ transports.Connector = (*Connector)(nil)
