// Package hybrid 按配置组合关系库存储和查找缓存。
package hybrid

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ballance/enron/internal/cache"
	"github.com/ballance/enron/internal/config"
	"github.com/ballance/enron/internal/storage"
	"github.com/ballance/enron/internal/storage/memory"
	"github.com/ballance/enron/internal/storage/postgres"
	"github.com/ballance/enron/internal/storage/redis"
	sqlstore "github.com/ballance/enron/internal/storage/sql"
)

// Backends 一次运行使用的存储组合
type Backends struct {
	Store storage.Store
	Cache cache.Cache
	// Dialect 关系库方言: postgres、mysql 或 memory
	Dialect string
	// Persistent 为 false 时写入只存在于进程内
	Persistent bool

	closers []func() error
}

// Open 根据数据库类型创建存储，Redis 地址非空时使用 Redis 缓存，否则使用本地缓存
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger, onSlow postgres.SlowQueryFunc) (*Backends, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backends{}

	switch cfg.Database.Type {
	case "memory":
		log.Warn("using in-memory relational store, links will not be persisted")
		b.Store = memory.NewStore()
		b.Dialect = "memory"
	case "postgres", "mysql":
		store, err := sqlstore.Open(&cfg.Database, log, onSlow)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		b.Store = store
		b.Dialect = store.Dialect()
		b.Persistent = true
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres, memory)", cfg.Database.Type)
	}
	b.closers = append(b.closers, b.Store.Close)

	if cfg.Redis.Address != "" {
		client, err := redis.New(&cfg.Redis, log)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		b.Cache = client
		b.closers = append(b.closers, client.Close)
	} else {
		local := cache.NewLocalCache(cfg.Match.CacheSize, cfg.Match.CacheTTL)
		b.Cache = local
		b.closers = append(b.closers, func() error { local.Close(); return nil })
	}

	if err := b.Store.Ping(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return b, nil
}

// Close 按打开的逆序关闭
func (b *Backends) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}
