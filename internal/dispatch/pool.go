package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/docstream/pkg/metrics"
)

// ErrPoolClosed は停止済みのプールに投入されたことを表します。
var ErrPoolClosed = errors.New("worker pool is shut down")

// Priority はプール内の待ち行列の選択です。
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority は文字列を Priority に変換します。
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Pool はプロセス起動時に一度だけ作られる固定サイズのワーカープールです。
//
// すべてのジョブのチャンクがこのプールを共有します。待ち行列が満杯の場合 Submit はブロックします。
// Shutdown 以降の投入は ErrPoolClosed で拒否され、投入済みのタスクはすべて実行されます。
type Pool struct {
	workers int
	logger  *zap.Logger

	high   chan func()
	normal chan func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool はワーカーを起動してプールを返します。
func NewPool(workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		workers: workers,
		logger:  logger,
		high:    make(chan func(), queueSize),
		normal:  make(chan func(), queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i + 1)
	}
	logger.Info("worker pool started", zap.Int("workers", workers), zap.Int("queue_size", queueSize))
	return p
}

// Size はワーカー数を返します。
func (p *Pool) Size() int {
	return p.workers
}

// Submit はタスクを投入します。待ち行列が満杯の間は ctx が終わるまで待ちます。
func (p *Pool) Submit(ctx context.Context, priority Priority, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	queue := p.normal
	if priority == PriorityHigh {
		queue = p.high
	}
	select {
	case queue <- task:
	default:
		p.logger.Debug("pool queue full, applying backpressure", zap.String("priority", string(priority)))
		select {
		case queue <- task:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.reportDepth()
	return nil
}

// Run はタスクを投入し、ワーカー上で終わるまで待ちます。
// 投入できなかった場合だけエラーを返します。投入後は ctx が終わってもタスクの終了を待ちます。
func (p *Pool) Run(ctx context.Context, priority Priority, task func()) error {
	done := make(chan struct{})
	if err := p.Submit(ctx, priority, func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Shutdown は新規投入を拒否し、投入済みタスクの完了を ctx の期限まで待ちます。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.high)
	close(p.normal)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown interrupted", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	high, normal := p.high, p.normal

	for high != nil || normal != nil {
		// 高優先度の待ち行列を先に見る
		if high != nil {
			select {
			case task, ok := <-high:
				if !ok {
					high = nil
					continue
				}
				p.run(id, task)
				continue
			default:
			}
		}

		select {
		case task, ok := <-high:
			if !ok {
				high = nil
				continue
			}
			p.run(id, task)
		case task, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			p.run(id, task)
		}
	}
	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

func (p *Pool) run(id int, task func()) {
	p.reportDepth()
	metrics.AddPoolBusyWorkers(1)
	defer metrics.AddPoolBusyWorkers(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Int("worker_id", id), zap.Any("panic", r))
		}
	}()
	task()
}

func (p *Pool) reportDepth() {
	metrics.SetPoolQueueDepth(len(p.high) + len(p.normal))
}
