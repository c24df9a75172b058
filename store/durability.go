package store

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

// sentinelRequested is the value written to requested to signal shutdown
// (§4.1: "Shutdown is signaled by setting requested = SENTINEL").
const sentinelRequested = math.MaxUint64

// DurabilityWorker is the single auxiliary task permitted to call Sync
// (fsync) on the Store. It owns exactly the shared state named in §5:
// the (requested, committed) pair under a mutex and a condition variable
// for wake-ups.
type DurabilityWorker struct {
	store *Store
	log   *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	requested uint64
	committed uint64
	stopped   bool

	doneCh chan struct{}
}

func NewDurabilityWorker(s *Store, log *zap.Logger) *DurabilityWorker {
	w := &DurabilityWorker{
		store:  s,
		log:    log,
		doneCh: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Request bumps the requested sequence and returns the sequence number a
// Waiter should watch: it fires once CommittedThrough() >= the returned
// value.
func (w *DurabilityWorker) Request() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requested++
	seq := w.requested
	w.cond.Broadcast()
	return seq
}

// CommittedThrough returns the highest sequence number known durable.
func (w *DurabilityWorker) CommittedThrough() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// Shutdown signals the worker to stop and blocks until it has exited.
func (w *DurabilityWorker) Shutdown() {
	w.mu.Lock()
	w.requested = sentinelRequested
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.doneCh
}

// Run is the worker's cooperative loop: it blocks until requested advances
// past committed (or shutdown is requested), then calls Store.Sync(). A
// failed fsync is logged and leaves committed unchanged so the pending
// Waiters stay pending, and the loop retries the fsync straight away (§4.1
// guarantee).
func (w *DurabilityWorker) Run() {
	defer close(w.doneCh)
	for {
		w.mu.Lock()
		for w.requested == w.committed && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped && w.requested == sentinelRequested {
			w.mu.Unlock()
			return
		}
		target := w.requested
		w.mu.Unlock()

		if err := w.store.Sync(); err != nil {
			w.log.Error("durability worker: fsync failed, request stays pending", zap.Error(err))
			continue
		}

		w.mu.Lock()
		if target > w.committed {
			w.committed = target
		}
		w.mu.Unlock()
	}
}
