package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SlowQueryFunc 慢查询回调（例如记录指标）
type SlowQueryFunc func(sql string, took time.Duration)

type traceKey struct{}

type traceStart struct {
	at  time.Time
	sql string
}

// SlowQueryTracer 慢查询监控 Tracer
type SlowQueryTracer struct {
	logger        *zap.Logger
	slowThreshold time.Duration
	onSlow        SlowQueryFunc
}

// NewSlowQueryTracer 创建慢查询 Tracer，阈值为 0 时使用 200ms
func NewSlowQueryTracer(logger *zap.Logger, slowThreshold time.Duration, onSlow SlowQueryFunc) *SlowQueryTracer {
	if slowThreshold <= 0 {
		slowThreshold = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlowQueryTracer{
		logger:        logger,
		slowThreshold: slowThreshold,
		onSlow:        onSlow,
	}
}

// TraceQueryStart 记录查询开始时间和 SQL
func (t *SlowQueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{at: time.Now(), sql: data.SQL})
}

// TraceQueryEnd 超过阈值时记录告警
func (t *SlowQueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	took := time.Since(start.at)
	if took <= t.slowThreshold {
		return
	}

	sql := truncateSQL(start.sql)
	t.logger.Warn("slow-query",
		zap.String("sql", sql),
		zap.Duration("took", took),
		zap.String("command_tag", data.CommandTag.String()),
		zap.Error(data.Err),
	)
	if t.onSlow != nil {
		t.onSlow(sql, took)
	}
}

func truncateSQL(sql string) string {
	if len(sql) > 200 {
		return sql[:200] + "..."
	}
	return sql
}
