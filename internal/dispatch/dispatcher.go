// Package dispatch runs jobs on a fixed set of workers while keeping jobs
// that share a key in submission order. Each key is hashed to one shard; a
// shard is a single goroutine draining a buffered queue, so jobs for one
// sender never run concurrently and never overtake each other, while
// different senders proceed in parallel.
package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Close.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

// Defaults used when Options leaves a field zero.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 256
)

// Job is a unit of work. The context is the dispatcher's own and is cancelled
// only when Close gives up waiting.
type Job func(ctx context.Context)

// Options configures a Dispatcher.
type Options struct {
	Workers   int
	QueueSize int // per shard
	// OnPanic is called after a job panics. The worker keeps running.
	OnPanic func(key string, value any)
}

// Dispatcher is a sharded, key-ordered worker pool.
type Dispatcher struct {
	shards  []chan task
	onPanic func(string, any)
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type task struct {
	key string
	job Job
}

// New starts the workers.
func New(opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		shards:  make([]chan task, opts.Workers),
		onPanic: opts.OnPanic,
		logger:  logger.Named("dispatch"),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range d.shards {
		d.shards[i] = make(chan task, opts.QueueSize)
		d.wg.Add(1)
		go d.work(d.shards[i])
	}
	return d
}

// Shard returns the index of the worker that runs jobs for key.
func (d *Dispatcher) Shard(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(len(d.shards)))
}

// Submit queues job behind every earlier job with the same key. It blocks
// while the shard's queue is full, until ctx is done or the dispatcher is
// closed.
func (d *Dispatcher) Submit(ctx context.Context, key string, job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrStopped
	}

	select {
	case d.shards[d.Shard(key)] <- task{key: key, job: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued jobs across all shards.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, s := range d.shards {
		n += len(s)
	}
	return n
}

// Close stops accepting jobs and waits for queued jobs to finish. If ctx ends
// first, running jobs see their context cancelled and Close returns ctx.Err().
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, s := range d.shards {
		close(s)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work(queue <-chan task) {
	defer d.wg.Done()
	for t := range queue {
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked",
				zap.String("key", t.key),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			if d.onPanic != nil {
				d.onPanic(t.key, r)
			}
		}
	}()
	t.job(d.ctx)
}
