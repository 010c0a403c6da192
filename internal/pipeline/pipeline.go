package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ballance/enron/internal/cas"
	"github.com/ballance/enron/internal/config"
	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/ledger"
	"github.com/ballance/enron/internal/linkage"
	"github.com/ballance/enron/internal/monitoring"
	"github.com/ballance/enron/internal/pool"
	"github.com/ballance/enron/internal/source"
	"github.com/ballance/enron/internal/storage"
)

const (
	defaultBatchTimeout = 2 * time.Minute
	maxBatchSize        = 10000
)

// Options 流水线运行参数
type Options struct {
	Workers               int
	AttachmentConcurrency int
	BatchSize             int
	UnitTimeout           time.Duration
	BatchTimeout          time.Duration
	// ExportDir 未关联邮件的导出目录，为空时不导出
	ExportDir string
	// SkipLedger 为 true 时不登记台账（关系库不持久化时使用）
	SkipLedger bool
}

// OptionsFromConfig 从应用配置提取流水线参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:               cfg.Ingest.Workers,
		AttachmentConcurrency: cfg.Ingest.AttachmentConcurrency,
		BatchSize:             cfg.Ingest.BatchSize,
		UnitTimeout:           cfg.Ingest.UnitTimeout,
		BatchTimeout:          cfg.Database.QueryTimeout,
		ExportDir:             cfg.ExportDir(),
		SkipLedger:            !cfg.Database.Persistent(),
	}
}

func (o Options) normalized() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.AttachmentConcurrency <= 0 {
		o.AttachmentConcurrency = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.BatchSize > maxBatchSize {
		o.BatchSize = maxBatchSize
	}
	if o.UnitTimeout <= 0 {
		o.UnitTimeout = 2 * time.Minute
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = defaultBatchTimeout
	}
	return o
}

// OpenFunc 打开一个输入文件
type OpenFunc func(path string) (source.Source, error)

// UnitReport 单元到达终态时的报告
type UnitReport struct {
	UnitID  string
	InputID string
	State   domain.UnitState
	Kind    domain.ErrorKind // 仅 Failed 时有值
	Err     error
	Links   int
	// SkippedAttachments 因 CAS 写入失败被跳过的附件数
	SkippedAttachments int
}

// Deps 流水线依赖
type Deps struct {
	Blobs   *cas.Store
	Store   storage.Store
	Matcher *linkage.Matcher
	Ledger  *ledger.Ledger
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
	Open    OpenFunc
	// OnUnit 可选，单元到达终态时在提交协程中调用
	OnUnit func(UnitReport)
}

// Pipeline 附件抽取与关联流水线
type Pipeline struct {
	opts    Options
	blobs   *cas.Store
	store   storage.Store
	matcher *linkage.Matcher
	ledger  *ledger.Ledger
	metrics *monitoring.Metrics
	log     *zap.Logger
	open    OpenFunc
	onUnit  func(UnitReport)

	stats   counters
	current atomic.Pointer[runInfo]

	fatalOnce sync.Once
	fatalErr  error
	cancelRun context.CancelFunc
}

type runInfo struct {
	id      string
	started time.Time
}

// New 创建流水线
func New(opts Options, deps Deps) (*Pipeline, error) {
	if deps.Blobs == nil || deps.Store == nil || deps.Matcher == nil || deps.Ledger == nil {
		return nil, errors.New("pipeline: blobs, store, matcher and ledger are required")
	}
	p := &Pipeline{
		opts:    opts.normalized(),
		blobs:   deps.Blobs,
		store:   deps.Store,
		matcher: deps.Matcher,
		ledger:  deps.Ledger,
		metrics: deps.Metrics,
		log:     deps.Logger,
		open:    deps.Open,
		onUnit:  deps.OnUnit,
	}
	if p.metrics == nil {
		p.metrics = monitoring.NewMetrics()
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.open == nil {
		p.open = source.Open
	}
	return p, nil
}

// Run 依次处理输入文件
//
// 返回的统计总是有效的。ctx 取消时已在处理中的单元会完成并提交，
// 台账落盘后返回 ctx.Err()；CAS 不可用时返回该致命错误。
func (p *Pipeline) Run(ctx context.Context, inputs []string) (domain.RunStatistics, error) {
	started := time.Now().UTC()
	runID := uuid.NewString()
	log := p.log.With(zap.String("run_id", runID))
	p.current.Store(&runInfo{id: runID, started: started})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancelRun = cancel

	log.Info("Ingest run started",
		zap.Int("inputs", len(inputs)),
		zap.Int("workers", p.opts.Workers),
		zap.Int("batch_size", p.opts.BatchSize),
	)

	events := make(chan event, p.opts.Workers*2)
	workers := pool.NewWorkerPool(p.opts.Workers, 0,
		pool.WithLogger(log),
		pool.WithPanicHandler(func(interface{}) { p.metrics.RecordPanic() }),
	)
	workers.Start(context.Background())

	export := newUnlinkedExport(p.opts.ExportDir, runID)
	c := newCommitter(p, log, runID, export)
	committerDone := make(chan struct{})
	go func() {
		defer close(committerDone)
		c.run(events)
	}()

	p.dispatch(runCtx, inputs, workers, events, log)

	workers.Stop()
	close(events)
	<-committerDone

	if err := p.ledger.Flush(); err != nil {
		log.Error("Failed to flush ledger", zap.Error(err))
		p.stats.errors.Add(1)
	}

	stats := p.stats.snapshot(runID, started, p.blobs.Stats())
	stats.FinishedAt = time.Now().UTC()
	stats.UnlinkedFile = export.file()

	log.Info("Ingest run finished",
		zap.Int64("units", stats.UnitsSeen),
		zap.Int64("committed", stats.UnitsCommitted),
		zap.Int64("failed", stats.UnitsFailed),
		zap.Int64("links", stats.AttachmentsLinked),
		zap.Duration("elapsed", stats.FinishedAt.Sub(started)),
	)

	if p.fatalErr != nil {
		return stats, p.fatalErr
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Progress 返回当前运行的实时统计，尚未开始时返回零值
func (p *Pipeline) Progress() domain.RunStatistics {
	info := p.current.Load()
	if info == nil {
		return domain.RunStatistics{}
	}
	return p.stats.snapshot(info.id, info.started, p.blobs.Stats())
}

// dispatch 在调用方协程中读取输入并把单元交给 worker
func (p *Pipeline) dispatch(ctx context.Context, inputs []string, workers *pool.WorkerPool, events chan<- event, log *zap.Logger) {
	for _, path := range inputs {
		if ctx.Err() != nil {
			return
		}

		src, err := p.open(path)
		if err != nil {
			p.stats.inputsSeen.Add(1)
			p.stats.errors.Add(1)
			p.metrics.RecordInput("failed")
			log.Error("Failed to open input", zap.String("input", path), zap.Error(err))
			continue
		}

		id := src.ID()
		p.stats.inputsSeen.Add(1)
		if p.ledger.IsProcessed(id) {
			p.stats.inputsSkipped.Add(1)
			p.metrics.RecordInput("skipped")
			log.Info("Input already processed, skipping", zap.String("input", id))
			_ = src.Close()
			continue
		}

		in := &inputTracker{id: id, src: src, started: time.Now()}
		log.Info("Processing input", zap.String("input", id))

		eachErr := src.Each(ctx, func(u source.Unit) error {
			// outstanding 必须先于任务执行增加，提交协程才不会提前收尾
			in.outstanding.Add(1)
			task := func() { events <- p.processUnit(ctx, in, u) }
			if err := workers.Submit(ctx, task); err != nil {
				in.outstanding.Add(-1)
				return err
			}
			p.stats.unitsSeen.Add(1)
			return nil
		})

		events <- event{input: in, done: true, err: eachErr}
	}
}

// fatal 记录首个致命错误并停止派发
func (p *Pipeline) fatal(err error) {
	p.fatalOnce.Do(func() {
		p.fatalErr = err
		p.log.Error("Fatal storage error, stopping run", zap.Error(err))
		if p.cancelRun != nil {
			p.cancelRun()
		}
	})
}
