package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var ErrDrainTimeout = errors.New("drain timeout")

type Hooks struct {
	OnStart func(ctx context.Context)
	OnStop  func()
}

type Drainer interface {
	Drain(ctx context.Context) error
}

// LifecycleRunner drives New → Starting → Running → Draining → Stopped.
type LifecycleRunner struct {
	state    int32
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration

	bannerOut io.Writer
	version   string
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:     int32(StateNew),
		ctx:       ctx,
		cancel:    cancel,
		hooks:     hooks,
		drainer:   drainer,
		timeout:   timeout,
		bannerOut: os.Stdout,
		version:   Version,
	}
}

// WithBanner sets where the startup banner goes. A nil writer disables it.
func (r *LifecycleRunner) WithBanner(w io.Writer, version string) *LifecycleRunner {
	r.bannerOut = w
	if version != "" {
		r.version = version
	}
	return r
}

// Run blocks until ctx ends or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("invalid state transition")
	}
	if r.bannerOut != nil {
		PrintBanner(r.bannerOut, r.version)
	}
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart(r.ctx)
	}
	r.setState(StateRunning)
	<-r.ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := r.drainer.Drain(ctx); err != nil {
				r.stopErr = err
			}
			cancel()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}

// Version is stamped at build time with -ldflags.
var Version = "dev"

func PrintBanner(w io.Writer, version string) {
	tpl := "{{ .Title \"HAVEN\" \"\" 0 }}\nSafety voice agent  Version: " + version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
