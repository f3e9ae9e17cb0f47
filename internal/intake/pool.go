package intake

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("intake pool closed")

type task func(ctx context.Context)

// Pool runs tasks on a fixed set of partitions. Tasks with the same key
// always land on the same partition and run one at a time, in order.
type Pool struct {
	partitions []chan task
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool with n partitions, each buffering up to depth tasks.
func NewPool(n, depth int, logger *zap.Logger) *Pool {
	if n <= 0 {
		n = 8
	}
	if depth <= 0 {
		depth = 64
	}
	p := &Pool{partitions: make([]chan task, n), logger: logger}
	for i := range p.partitions {
		p.partitions[i] = make(chan task, depth)
	}
	return p
}

// Start launches one goroutine per partition. Tasks run with a context that
// keeps ctx's values but is not cancelled with it, so buffered work can
// finish during Stop.
func (p *Pool) Start(ctx context.Context) {
	runCtx := context.WithoutCancel(ctx)
	for i, ch := range p.partitions {
		p.wg.Add(1)
		go func(i int, ch chan task) {
			defer p.wg.Done()
			for t := range ch {
				metrics.AddIntakeQueueDepth(-1)
				t(runCtx)
			}
			p.logger.Debug("intake partition drained", zap.Int("partition", i))
		}(i, ch)
	}
	p.logger.Info("intake pool started", zap.Int("partitions", len(p.partitions)))
}

// Submit queues t on the partition for key. It blocks while that partition
// is full, until ctx is done.
func (p *Pool) Submit(ctx context.Context, key string, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.partitions[p.partition(key)] <- t:
		metrics.AddIntakeQueueDepth(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new tasks, lets every partition drain, and waits.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.partitions {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("intake pool stopped")
}

func (p *Pool) partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.partitions)))
}
