package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 可以检查连接的依赖（关系库、Redis）
type Pinger interface {
	Ping(ctx context.Context) error
}

// WritableChecker 可以检查写权限的依赖（CAS 目录）
type WritableChecker interface {
	CheckWritable() error
}

// Checker 健康检查器
//
// 启动时调用 Run 做一次性检查（失败即为启动错误），运行中通过 Handler 暴露
// /live 和 /ready。
type Checker struct {
	health  healthcheck.Handler
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	checks map[string]healthcheck.Check
}

// NewChecker 创建健康检查器
func NewChecker(logger *zap.Logger, timeout time.Duration) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		health:  healthcheck.NewHandler(),
		logger:  logger,
		timeout: timeout,
		checks:  make(map[string]healthcheck.Check),
	}
}

// AddDatabase 添加数据库连接检查
func (c *Checker) AddDatabase(name string, p Pinger) {
	c.add(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		return p.Ping(ctx)
	})
}

// AddWritable 添加目录可写检查
func (c *Checker) AddWritable(name string, w WritableChecker) {
	c.add(name, healthcheck.Timeout(w.CheckWritable, c.timeout))
}

// AddCheck 添加自定义检查
func (c *Checker) AddCheck(name string, check healthcheck.Check) {
	c.add(name, check)
}

func (c *Checker) add(name string, check healthcheck.Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	c.health.AddReadinessCheck(name, check)
}

// Run 执行全部检查，返回第一个失败
func (c *Checker) Run() error {
	results := c.Results()
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := results[name]; err != nil {
			c.logger.Error("health check failed", zap.String("check", name), zap.Error(err))
			return fmt.Errorf("health check %s: %w", name, err)
		}
	}
	return nil
}

// Results 执行全部检查并返回各自结果
func (c *Checker) Results() map[string]error {
	c.mu.Lock()
	checks := make(map[string]healthcheck.Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.Unlock()

	results := make(map[string]error, len(checks))
	for name, check := range checks {
		results[name] = check()
	}
	return results
}

// Handler 返回健康检查处理器（/live、/ready）
func (c *Checker) Handler() http.Handler {
	return c.health
}
