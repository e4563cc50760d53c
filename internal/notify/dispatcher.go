package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type DispatcherOptions struct {
	QueueSize  int
	MaxRetries int
	Timeout    time.Duration
}

// Dispatcher decouples the transactional path from notification delivery:
// Enqueue never blocks, a worker delivers and retries with exponential backoff.
type Dispatcher struct {
	n    Notifier
	log  *zap.Logger
	opts DispatcherOptions

	newBackOff func() backoff.BackOff

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	wg     sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewDispatcher(n Notifier, log *zap.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		n:     n,
		log:   log,
		opts:  opts,
		queue: make(chan Event, opts.QueueSize),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
	}
}

// Start launches the delivery worker. Retries stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.queue {
			d.deliver(ctx, ev)
		}
	}()
}

func (d *Dispatcher) Enqueue(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		d.log.Warn("notification dropped: dispatcher closed", zap.String("kind", string(ev.Kind)), zap.String("transaction_id", ev.TransactionID))
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.dropped.Add(1)
		d.log.Warn("notification dropped: queue full", zap.String("kind", string(ev.Kind)), zap.String("transaction_id", ev.TransactionID))
		return false
	}
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

type DispatcherStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    len(d.queue),
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
		return d.n.Notify(cctx, ev)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.opts.MaxRetries)), ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		d.log.Warn("notification failed, retrying",
			zap.String("kind", string(ev.Kind)),
			zap.String("transaction_id", ev.TransactionID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		d.failed.Add(1)
		d.log.Error("notification gave up",
			zap.String("kind", string(ev.Kind)),
			zap.String("transaction_id", ev.TransactionID),
			zap.Error(err),
		)
		return
	}
	d.delivered.Add(1)
}
