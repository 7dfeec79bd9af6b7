package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver hands events to a slower sink on its own goroutine. When the
// buffer is full, events are dropped and counted per room. job_ended is
// never dropped, since per-room sinks release their files on it.
type AsyncObserver struct {
	sink  Observer
	queue chan MetricsEvent
	done  chan struct{}

	// mu guards queue against sends racing with Close.
	mu     sync.RWMutex
	closed bool
	total  atomic.Int64
	drops  sync.Map
}

func NewAsyncObserver(sink Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if sink == nil {
		sink = NoopObserver{}
	}
	a := &AsyncObserver{
		sink:  sink,
		queue: make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.deliver()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	if ev.Name == EventJobEnded {
		a.queue <- ev
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.drop(ev.Tags["room"])
	}
}

func (a *AsyncObserver) drop(room string) {
	a.total.Add(1)
	n, _ := a.drops.LoadOrStore(room, new(atomic.Int64))
	n.(*atomic.Int64).Add(1)
}

// Dropped is the number of events lost to a full buffer.
func (a *AsyncObserver) Dropped() int64 { return a.total.Load() }

// DroppedByRoom splits Dropped by the room tag. Events without a room are
// counted under "".
func (a *AsyncObserver) DroppedByRoom() map[string]int64 {
	out := map[string]int64{}
	a.drops.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// Close stops accepting events and waits until buffered ones are delivered.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) deliver() {
	defer close(a.done)
	for ev := range a.queue {
		a.sink.RecordEvent(ev)
	}
}
