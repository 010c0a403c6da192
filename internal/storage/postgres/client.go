package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ballance/enron/internal/config"
)

// Open 打开 database/sql 连接，返回的 *sql.DB 交给 gorm 的 postgres 方言使用
//
// 默认使用 pgx 驱动并挂载慢查询追踪；Driver 为 "pq" 时改用 lib/pq，
// 供只能使用 lib/pq 的部署（例如依赖其 kerberos 或 .pgpass 行为）。
func Open(cfg *config.DatabaseConfig, log *zap.Logger, onSlow SlowQueryFunc) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	var (
		db      *sql.DB
		dbField zap.Field
	)
	switch cfg.Driver {
	case "", "pgx":
		connConfig, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database DSN: %w", err)
		}
		connConfig.Tracer = NewSlowQueryTracer(log, cfg.SlowQueryThreshold, onSlow)
		db = stdlib.OpenDB(*connConfig)
		dbField = zap.String("database", connConfig.Database)
	case "pq":
		connector, err := pq.NewConnector(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to parse database DSN: %w", err)
		}
		log.Warn("lib/pq driver selected, slow query tracing is disabled")
		db = sql.OpenDB(connector)
		dbField = zap.Skip()
	default:
		return nil, fmt.Errorf("unsupported postgres driver: %s (supported: pgx, pq)", cfg.Driver)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 测试连接
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("connected to PostgreSQL",
		zap.String("driver", driverName(cfg.Driver)),
		dbField,
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return db, nil
}

func driverName(d string) string {
	if d == "" {
		return "pgx"
	}
	return d
}
