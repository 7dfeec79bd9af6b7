package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/haven/pkg/errorsx"
)

var ErrDraining = errors.New("worker is draining")

// Registry tracks active jobs by room name. One room has at most one job.
type Registry struct {
	jobs     sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(job *JobContext) error {
	if r.Draining() {
		return ErrDraining
	}
	room := job.Info().Room
	if room == "" {
		return errors.New("job room is required")
	}
	if _, loaded := r.jobs.LoadOrStore(room, job); loaded {
		return errorsx.Wrap(fmt.Errorf("room %s already has an active job", room), errorsx.ReasonJobDuplicate)
	}
	r.count.Add(1)
	return nil
}

func (r *Registry) Get(room string) (*JobContext, bool) {
	if v, ok := r.jobs.Load(room); ok {
		return v.(*JobContext), true
	}
	return nil, false
}

// Remove forgets job if it is still the one registered for its room.
func (r *Registry) Remove(job *JobContext) {
	if r.jobs.CompareAndDelete(job.Info().Room, job) {
		r.count.Add(-1)
	}
}

func (r *Registry) ShutdownAll(reason string) {
	r.jobs.Range(func(_, value any) bool {
		value.(*JobContext).Shutdown(reason)
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
