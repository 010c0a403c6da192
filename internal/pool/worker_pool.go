package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 用于限制并发协程数量，避免创建过多协程导致资源耗尽。
// 队列为无缓冲时 Submit 会阻塞到有空闲 worker，形成背压。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	logger     *zap.Logger
	onPanic    func(recovered interface{})
	stopOnce   sync.Once
}

// Option 协程池选项
type Option func(*WorkerPool)

// WithLogger 记录任务 panic
func WithLogger(logger *zap.Logger) Option {
	return func(p *WorkerPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPanicHandler 任务 panic 被恢复后的回调
func WithPanicHandler(fn func(recovered interface{})) Option {
	return func(p *WorkerPool) { p.onPanic = fn }
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小，0 表示无缓冲
func NewWorkerPool(maxWorkers, queueSize int, opts ...Option) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务
//
// 队列已满时阻塞，直到有空位或 ctx 被取消
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收任务并等待已提交的任务执行完毕
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.taskQueue) })
	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.String("panic", fmt.Sprint(r)), zap.Stack("stack"))
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
	}()
	task()
}
