package claimsync

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/metrics"
)

// Syncer is what the dispatcher runs for each job.
type Syncer interface {
	Sync(ctx context.Context, accountID uint64) error
}

// Dispatcher runs claims pushes on a fixed pool of goroutines so approval
// responses never wait on the provider. Each job gets its own timeout and is
// detached from the request that scheduled it. When the queue is full the
// job is dropped; the reconciliation sweep picks the account up later.
type Dispatcher struct {
	syncer  Syncer
	jobs    chan uint64
	workers int
	timeout time.Duration
	log     logrus.FieldLogger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(syncer Syncer, workers, queueSize int, timeout time.Duration, log logrus.FieldLogger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{
		syncer:  syncer,
		jobs:    make(chan uint64, queueSize),
		workers: workers,
		timeout: timeout,
		log:     log,
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Schedule enqueues a push for accountID without blocking.
func (d *Dispatcher) Schedule(accountID uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.log.WithField("account_id", accountID).Warn("claims sync dropped: dispatcher stopped")
		metrics.ClaimsSyncDropped.Inc()
		return
	}
	select {
	case d.jobs <- accountID:
	default:
		d.log.WithField("account_id", accountID).Warn("claims sync dropped: queue full")
		metrics.ClaimsSyncDropped.Inc()
	}
}

// Stop stops accepting jobs and waits for queued ones to finish or for ctx
// to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for id := range d.jobs {
		d.run(id)
	}
}

func (d *Dispatcher) run(accountID uint64) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("account_id", accountID).Errorf("claims sync panicked: %v", r)
		}
	}()
	if err := d.syncer.Sync(ctx, accountID); err != nil {
		d.log.WithError(err).WithField("account_id", accountID).Warn("claims sync failed")
	}
}
