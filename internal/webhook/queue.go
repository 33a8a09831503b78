package webhook

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Queue errors.
var (
	ErrQueueFull   = errors.New("webhook queue full")
	ErrQueueClosed = errors.New("webhook queue closed")
)

// Default queue sizing.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 256
	processTimeout   = 30 * time.Second
)

// HandleFunc processes one raw webhook.
type HandleFunc func(ctx context.Context, raw []byte) Result

// Queue is a sharded worker pool. Bodies with the same shard key always land
// on the same worker, so events of one call are processed in arrival order
// while different calls proceed in parallel.
type Queue struct {
	shards []chan []byte
	handle HandleFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts workers goroutines, each with a buffer of size bodies.
func NewQueue(workers, size int, handle HandleFunc, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		shards: make([]chan []byte, workers),
		handle: handle,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range q.shards {
		q.shards[i] = make(chan []byte, size)
		q.wg.Add(1)
		go q.worker(i, q.shards[i])
	}
	logger.Info("webhook queue started", "workers", workers, "queue_size", size)
	return q
}

// Submit enqueues raw without blocking.
func (q *Queue) Submit(raw []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	shard := q.shards[q.shardOf(ShardKey(raw))]
	select {
	case shard <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(q.shards)))
}

func (q *Queue) worker(id int, in <-chan []byte) {
	defer q.wg.Done()
	for raw := range in {
		q.process(id, raw)
	}
}

func (q *Queue) process(worker int, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("webhook worker panic recovered",
				"worker", worker,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(q.ctx, processTimeout)
	defer cancel()
	q.handle(ctx, raw)
}

// Len returns the number of queued bodies across all shards.
func (q *Queue) Len() int {
	n := 0
	for _, s := range q.shards {
		n += len(s)
	}
	return n
}

// Close stops accepting bodies and waits for queued ones to finish, up to
// timeout. Bodies still queued after the timeout are abandoned.
func (q *Queue) Close(timeout time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, s := range q.shards {
		close(s)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("webhook queue drained")
	case <-time.After(timeout):
		q.logger.Warn("webhook queue shutdown timeout", "remaining", q.Len())
	}
	q.cancel()
}
