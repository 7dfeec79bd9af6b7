package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/haven/pkg/errorsx"
	"github.com/harunnryd/haven/pkg/logging"
	"github.com/harunnryd/haven/pkg/metrics"
)

// Entrypoint runs the agent for one job.
type Entrypoint interface {
	Run(ctx context.Context, job *JobContext) error
}

type EntryFunc func(ctx context.Context, job *JobContext) error

func (f EntryFunc) Run(ctx context.Context, job *JobContext) error { return f(ctx, job) }

type SubmitFunc func(JobRequest) error

// Dispatcher produces jobs until ctx ends.
type Dispatcher interface {
	Name() string
	Run(ctx context.Context, submit SubmitFunc) error
}

type Options struct {
	Entry        Entrypoint
	Dispatchers  []Dispatcher
	Observer     metrics.Observer
	Logger       *slog.Logger
	DrainTimeout time.Duration
	// BannerOut receives the startup banner. Nil prints nothing.
	BannerOut io.Writer
	Version   string
}

// Worker accepts jobs from dispatchers and runs one entrypoint per job.
type Worker struct {
	opts      Options
	registry  *Registry
	lifecycle *LifecycleRunner
	obs       metrics.Observer
	log       *slog.Logger

	jobsCtx    context.Context
	cancelJobs context.CancelFunc
	jobs       sync.WaitGroup

	mu   sync.Mutex
	stop context.CancelFunc
}

func New(opts Options) (*Worker, error) {
	if opts.Entry == nil {
		return nil, errors.New("worker: entrypoint is required")
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	w := &Worker{
		opts:       opts,
		registry:   NewRegistry(),
		obs:        obs,
		log:        logging.NewComponentLogger(opts.Logger, "worker"),
		jobsCtx:    jobsCtx,
		cancelJobs: cancelJobs,
	}
	w.lifecycle = NewLifecycleRunner(w, Hooks{OnStart: w.startDispatchers}, opts.DrainTimeout).
		WithBanner(opts.BannerOut, opts.Version)
	return w, nil
}

func (w *Worker) Registry() *Registry { return w.registry }

func (w *Worker) State() State { return w.lifecycle.State() }

// Run starts the dispatchers and blocks until ctx ends, then drains.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.stop = cancel
	w.mu.Unlock()
	w.log.Info("worker starting", "dispatchers", len(w.opts.Dispatchers), "drain_timeout", w.opts.DrainTimeout)
	err := w.lifecycle.Run(ctx)
	w.log.Info("worker stopped", "error", err)
	return err
}

func (w *Worker) startDispatchers(ctx context.Context) {
	for _, d := range w.opts.Dispatchers {
		d := d
		go func() {
			log := w.log.With("dispatcher", d.Name())
			log.Info("dispatcher started")
			err := d.Run(ctx, w.Submit)
			if err != nil && ctx.Err() == nil {
				log.Error("dispatcher failed, stopping worker", "error", err)
				w.mu.Lock()
				stop := w.stop
				w.mu.Unlock()
				if stop != nil {
					stop()
				}
				return
			}
			log.Info("dispatcher stopped")
		}()
	}
}

// Submit registers a job and runs the entrypoint for it in its own
// goroutine. A second job for an active room is refused.
func (w *Worker) Submit(req JobRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	job := newJobContext(w.jobsCtx, req, w.log)
	if err := w.registry.Register(job); err != nil {
		job.cancel()
		w.log.Warn("job refused", "room", req.Room, "source", req.Source, "error", err, "reason", errorsx.Reason(err))
		return err
	}
	w.jobs.Add(1)
	go w.runJob(job)
	return nil
}

func (w *Worker) runJob(job *JobContext) {
	defer w.jobs.Done()
	defer w.registry.Remove(job)

	info := job.Info()
	tags := map[string]string{"room": info.Room, "source": info.Source}
	metrics.Record(w.obs, metrics.EventJobStarted, tags, map[string]any{"job_id": info.ID})
	job.Logger().Info("job started", "source", info.Source, "identity", info.Identity)

	if err := w.runEntry(job); err != nil {
		reason := errorsx.Reason(err)
		job.Logger().Error("job failed", "error", err, "reason", reason)
		metrics.Record(w.obs, metrics.EventJobFailed, map[string]string{
			"room":   info.Room,
			"source": info.Source,
			"reason": string(reason),
		}, nil)
		job.Shutdown("entrypoint_failed")
	}
	<-job.Done()
	metrics.Record(w.obs, metrics.EventJobEnded, tags, map[string]any{
		"duration_ms": time.Since(info.Started).Milliseconds(),
		"reason":      job.ShutdownReason(),
	})
}

func (w *Worker) runEntry(job *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entrypoint panic: %v", r)
		}
	}()
	return w.opts.Entry.Run(job.Context(), job)
}

// Drain stops accepting jobs and waits for active ones. Jobs still running
// when ctx ends are shut down.
func (w *Worker) Drain(ctx context.Context) error {
	w.registry.SetDraining(true)
	w.log.Info("draining", "active_jobs", w.registry.Count())
	var err error
	if !w.registry.WaitForEmpty(ctx, 100*time.Millisecond) {
		w.log.Warn("drain timed out, shutting down jobs", "active_jobs", w.registry.Count())
		w.registry.ShutdownAll("drain_timeout")
		err = ErrDrainTimeout
	}
	w.jobs.Wait()
	w.cancelJobs()
	return err
}
