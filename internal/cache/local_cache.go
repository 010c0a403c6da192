package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LocalCache 本地内存缓存
//
// 特点：
// - 使用 sync.Map 实现无锁读取
// - ttl 为 0 时条目永不过期
// - 容量达到上限后不再接收新条目（已有条目仍可读）
type LocalCache struct {
	data    sync.Map
	size    atomic.Int64
	maxSize int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxSize: 最大缓存条目数，<= 0 表示不限制
//   - ttl: 过期时间，0 表示永不过期
func NewLocalCache(maxSize int, ttl time.Duration) *LocalCache {
	c := &LocalCache{
		maxSize: maxSize,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}

	// 只有设置了 TTL 才需要定期清理
	if ttl > 0 {
		go c.cleanupLoop()
	}

	return c
}

// Get 获取缓存值
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := c.data.Load(key)
	if !ok {
		return nil, false, nil
	}

	entry := val.(*cacheEntry)

	// 检查是否过期
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.delete(key)
		return nil, false, nil
	}

	return entry.value, true, nil
}

// Set 设置缓存值
func (c *LocalCache) Set(_ context.Context, key string, value []byte) error {
	entry := &cacheEntry{value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}

	if _, loaded := c.data.Swap(key, entry); !loaded {
		if c.maxSize > 0 && c.size.Load() >= int64(c.maxSize) {
			c.data.Delete(key)
			return nil
		}
		c.size.Add(1)
	}
	return nil
}

// Len 返回条目数
func (c *LocalCache) Len() int {
	return int(c.size.Load())
}

// Close 停止后台清理
func (c *LocalCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *LocalCache) delete(key string) {
	if _, loaded := c.data.LoadAndDelete(key); loaded {
		c.size.Add(-1)
	}
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.data.Range(func(key, value interface{}) bool {
				entry := value.(*cacheEntry)
				if now.After(entry.expiresAt) {
					c.delete(key.(string))
				}
				return true
			})
		}
	}
}
