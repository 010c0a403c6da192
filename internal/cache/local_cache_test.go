package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache(t *testing.T) {
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		c := NewLocalCache(0, 0)
		defer c.Close()

		_, ok, err := c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.Set(ctx, "k", []byte("v")))
		val, ok, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v"), val)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("overwrite keeps size", func(t *testing.T) {
		c := NewLocalCache(0, 0)
		defer c.Close()

		require.NoError(t, c.Set(ctx, "k", []byte("1")))
		require.NoError(t, c.Set(ctx, "k", []byte("2")))
		val, _, _ := c.Get(ctx, "k")
		assert.Equal(t, []byte("2"), val)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("capacity limit", func(t *testing.T) {
		c := NewLocalCache(2, 0)
		defer c.Close()

		require.NoError(t, c.Set(ctx, "a", []byte("1")))
		require.NoError(t, c.Set(ctx, "b", []byte("2")))
		require.NoError(t, c.Set(ctx, "c", []byte("3")))

		_, ok, _ := c.Get(ctx, "c")
		assert.False(t, ok)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("ttl expiry", func(t *testing.T) {
		c := NewLocalCache(0, 20*time.Millisecond)
		defer c.Close()

		require.NoError(t, c.Set(ctx, "k", []byte("v")))
		time.Sleep(40 * time.Millisecond)
		_, ok, _ := c.Get(ctx, "k")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("json helpers", func(t *testing.T) {
		c := NewLocalCache(0, 0)
		defer c.Close()

		require.NoError(t, SetJSON(ctx, c, "ids", []int64{3, 1}))
		var ids []int64
		ok, err := GetJSON(ctx, c, "ids", &ids)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []int64{3, 1}, ids)
	})
}
