package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/transports"
)

var (
	ErrAlreadyConnected = errors.New("job already connected")
	ErrJobClosed        = errors.New("job shut down")
)

const (
	SourceLiveKit = "livekit"
	SourceTwilio  = "twilio"
	SourceStatic  = "static"
)

// JobRequest is what a dispatcher hands the worker for one room.
type JobRequest struct {
	ID        string
	Room      string
	Identity  string
	Source    string
	Connector transports.Connector
	Meta      map[string]string
}

type JobInfo struct {
	ID       string
	Room     string
	Identity string
	Source   string
	Meta     map[string]string
	Started  time.Time
}

// JobContext is the per-job handle passed to the entrypoint. The worker owns
// it and shuts it down when the room closes or the entrypoint fails.
type JobContext struct {
	info      JobInfo
	connector transports.Connector
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	connecting bool
	room       transports.Room
	callbacks  []func()
	shutdown   bool
	reason     string
}

// NewJobContext builds a job outside a worker. The caller owns Shutdown.
func NewJobContext(parent context.Context, req JobRequest, log *slog.Logger) *JobContext {
	if log == nil {
		log = slog.Default()
	}
	return newJobContext(parent, req, log)
}

func newJobContext(parent context.Context, req JobRequest, log *slog.Logger) *JobContext {
	ctx, cancel := context.WithCancel(parent)
	return &JobContext{
		info: JobInfo{
			ID:       req.ID,
			Room:     req.Room,
			Identity: req.Identity,
			Source:   req.Source,
			Meta:     req.Meta,
			Started:  time.Now(),
		},
		connector: req.Connector,
		log:       log.With(slog.String("job_id", req.ID), slog.String("room", req.Room)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (j *JobContext) Info() JobInfo { return j.info }

func (j *JobContext) Logger() *slog.Logger { return j.log }

// Context ends when the job shuts down.
func (j *JobContext) Context() context.Context { return j.ctx }

// Done is closed once Shutdown has run.
func (j *JobContext) Done() <-chan struct{} { return j.done }

// Room is nil until Connect succeeds.
func (j *JobContext) Room() transports.Room {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.room
}

// Connect joins the job's room. It may be called once.
func (j *JobContext) Connect(ctx context.Context, mode transports.AutoSubscribe) (transports.Room, error) {
	j.mu.Lock()
	if j.shutdown {
		j.mu.Unlock()
		return nil, ErrJobClosed
	}
	if j.connecting || j.room != nil {
		j.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	j.connecting = true
	j.mu.Unlock()

	if j.connector == nil {
		return nil, errorsx.Wrap(errors.New("job has no connector"), errorsx.ReasonRoomConnect)
	}
	room, err := j.connector.Connect(ctx, mode)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonRoomConnect, "connect %s", j.info.Room)
	}

	j.mu.Lock()
	if j.shutdown {
		j.mu.Unlock()
		_ = room.Disconnect()
		return nil, ErrJobClosed
	}
	j.room = room
	j.mu.Unlock()

	j.log.Info("room connected", "auto_subscribe", mode.String())
	go func() {
		select {
		case <-room.Done():
			j.Shutdown("room_closed")
		case <-j.done:
		}
	}()
	return room, nil
}

// AddShutdownCallback registers fn to run on Shutdown. Callbacks run in
// reverse order of registration. Registering after shutdown runs fn at once.
func (j *JobContext) AddShutdownCallback(fn func()) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	if j.shutdown {
		j.mu.Unlock()
		fn()
		return
	}
	j.callbacks = append(j.callbacks, fn)
	j.mu.Unlock()
}

// Shutdown cancels the job context, runs the callbacks and disconnects the
// room. Only the first call has an effect.
func (j *JobContext) Shutdown(reason string) {
	j.mu.Lock()
	if j.shutdown {
		j.mu.Unlock()
		return
	}
	j.shutdown = true
	j.reason = reason
	callbacks := j.callbacks
	j.callbacks = nil
	room := j.room
	j.mu.Unlock()

	j.cancel()
	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i]()
	}
	if room != nil {
		if err := room.Disconnect(); err != nil {
			j.log.Warn("room disconnect failed", "error", err)
		}
	}
	j.log.Info("job shut down", "reason", reason)
	close(j.done)
}

// ShutdownReason is empty while the job is running.
func (j *JobContext) ShutdownReason() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reason
}
