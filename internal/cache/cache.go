// Package cache 提供显式传递的查找缓存（关联结果、附件 ID 等）。
// 本范围内缓存条目不失效，除非配置了 TTL。
package cache

import (
	"context"
	"encoding/json"
)

// Cache 键值缓存接口，本地内存与 Redis 实现均满足该接口
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// GetJSON 读取并反序列化缓存值
func GetJSON(ctx context.Context, c Cache, key string, out interface{}) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON 序列化并写入缓存
func SetJSON(ctx context.Context, c Cache, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data)
}
