package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ballance/enron/internal/cas"
	"github.com/ballance/enron/internal/config"
	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/health"
	"github.com/ballance/enron/internal/ledger"
	"github.com/ballance/enron/internal/linkage"
	"github.com/ballance/enron/internal/logger"
	"github.com/ballance/enron/internal/monitoring"
	"github.com/ballance/enron/internal/pipeline"
	"github.com/ballance/enron/internal/source"
	"github.com/ballance/enron/internal/storage"
	"github.com/ballance/enron/internal/storage/filesystem"
	"github.com/ballance/enron/internal/storage/hybrid"
	httptransport "github.com/ballance/enron/internal/transport/http"
)

var rootCmd = &cobra.Command{
	Use:   "enron-ingest [flags] <input>...",
	Short: "Extract attachments from Enron mail archives and link them to messages",
	Long: `Reads EDRM zip archives or .eml files, stores every attachment once in a
content-addressed directory and links it to the matching messages in the
relational database. Inputs already recorded in the ledger are skipped.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runIngest,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("output", "o", "extracted_data", "output directory for attachments, ledger and stats")
	f.Int64("max-attachment-size", 50*1024*1024, "largest attachment to store, in bytes (0 = unlimited)")
	f.Int("batch-size", 100, "units per relational transaction")
	f.IntP("workers", "w", 4, "concurrent units")
	f.Bool("force", false, "reprocess inputs already recorded in the ledger")
	f.BoolP("verbose", "v", false, "debug logging")
	f.String("match-window", "12h", "half-width of the date window for message linkage")
	f.String("db-type", "", "relational store (required): postgres, mysql or memory")
	f.String("dsn", "", "database connection string")
	f.String("redis-addr", "", "redis address for the linkage cache (empty = in-process cache)")
	f.String("metrics-addr", "", "listen address for /metrics, /live, /ready and /stats (empty = disabled)")
	f.String("log-file", "", "also write logs to this file, rotated")

	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("%w: load config: %v", domain.ErrSetup, err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		Compress:    true,
	})
	if err != nil {
		return fmt.Errorf("%w: init logger: %v", domain.ErrSetup, err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting enron-ingest",
		zap.String("version", version),
		zap.String("output", cfg.Ingest.OutputDir),
		zap.String("db_type", cfg.Database.Type),
		zap.Bool("force", cfg.Ingest.Force),
	)

	inputs, err := source.Discover(args)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSetup, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	setupCtx, cancel := context.WithTimeout(ctx, cfg.Database.QueryTimeout)
	backends, err := hybrid.Open(setupCtx, cfg, log, metrics.RecordSlowQuery)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSetup, err)
	}
	defer backends.Close()

	if err := os.MkdirAll(cfg.Ingest.OutputDir, 0o755); err != nil {
		return fmt.Errorf("%w: create output dir: %v", domain.ErrSetup, err)
	}
	files, err := filesystem.NewStore(cfg.AttachmentsDir())
	if err != nil {
		return fmt.Errorf("%w: attachment store: %v", domain.ErrSetup, err)
	}
	index, err := cas.OpenBadgerIndex(cfg.IndexDir(), log)
	if err != nil {
		return fmt.Errorf("%w: blob index: %v", domain.ErrSetup, err)
	}
	blobs := cas.NewStore(files, index, cas.Config{MaxSize: cfg.Ingest.MaxAttachmentSize}, log)
	defer blobs.Close()

	log.Info("relational store ready",
		zap.String("dialect", backends.Dialect),
		zap.Bool("persistent", backends.Persistent),
	)

	checker := health.NewChecker(log, 5*time.Second)
	checker.AddDatabase("database:"+backends.Dialect, backends.Store)
	checker.AddWritable("attachments", files)
	if err := checker.Run(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSetup, err)
	}

	l, err := ledger.Open(cfg.LedgerPath(), cfg.Ingest.Force, log)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSetup, err)
	}

	matcher := linkage.NewMatcher(backends.Store,
		linkage.NewPolicy(cfg.Match.Window, cfg.Match.SubjectPrefixes, cfg.Match.MaxCandidates),
		linkage.WithCache(backends.Cache),
		linkage.WithRateLimit(cfg.Match.MaxLookupsPerSecond),
		linkage.WithQueryTimeout(cfg.Database.QueryTimeout),
		linkage.WithLogger(log),
	)

	p, err := pipeline.New(pipeline.OptionsFromConfig(cfg), pipeline.Deps{
		Blobs:   blobs,
		Store:   backends.Store,
		Matcher: matcher,
		Ledger:  l,
		Metrics: metrics,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSetup, err)
	}

	serveCtx, stopServe := context.WithCancel(context.Background())
	var group errgroup.Group
	if cfg.Metrics.Address != "" {
		if !cfg.Log.Development {
			gin.SetMode(gin.ReleaseMode)
		}
		router := httptransport.NewRouter(httptransport.RouterDependencies{
			Metrics: metrics,
			Health:  checker,
			Stats:   p.Progress,
			Storage: files.GetStorageStats,
			Blobs:   blobs.Read,
			Logger:  log,
		})
		server := httptransport.NewServer(cfg.Metrics.Address, router, log)
		group.Go(func() error { return server.Serve(serveCtx) })
	}

	stats, runErr := p.Run(ctx, inputs)
	stopServe()
	if err := group.Wait(); err != nil {
		log.Warn("ops server stopped with error", zap.Error(err))
	}

	if err := pipeline.SaveStatistics(cfg.StatsPath(), stats); err != nil {
		log.Error("failed to write run statistics", zap.String("path", cfg.StatsPath()), zap.Error(err))
	}

	var counts *storage.Counts
	if counter, ok := backends.Store.(storage.Counter); ok {
		countCtx, cancel := context.WithTimeout(context.Background(), cfg.Database.QueryTimeout)
		if c, err := counter.Counts(countCtx); err == nil {
			counts = &c
		} else {
			log.Warn("failed to count rows", zap.Error(err))
		}
		cancel()
	}

	printSummary(os.Stdout, stats, counts, filepath.Clean(cfg.Ingest.OutputDir))

	if errors.Is(runErr, context.Canceled) {
		log.Warn("run interrupted, ledger saved")
	}
	return runErr
}
