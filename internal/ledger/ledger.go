// Package ledger 记录已完整处理的输入，重复运行时跳过。
//
// 台账在启动时加载一次，运行中只在内存里追加，Flush 时原子替换文件
// （写临时文件后 rename），中途崩溃不会留下半个文件。
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidUnit 输入标识为空
var ErrInvalidUnit = errors.New("invalid input identifier")

// Ledger 已处理输入集合
type Ledger struct {
	path  string
	force bool
	log   *zap.Logger

	mu        sync.Mutex
	processed map[string]struct{}
	dirty     bool
}

// Open 加载台账文件，文件不存在时视为空台账
//
// force 为 true 时 IsProcessed 总是返回 false，但 MarkProcessed 仍然记录。
func Open(path string, force bool, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		path:      path,
		force:     force,
		log:       log,
		processed: make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	var ids []string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("parse ledger %s: %w", path, err)
		}
	}
	for _, id := range ids {
		l.processed[id] = struct{}{}
	}
	log.Debug("ledger loaded", zap.String("path", path), zap.Int("entries", len(ids)))
	return l, nil
}

// IsProcessed 输入是否已完整处理
func (l *Ledger) IsProcessed(id string) bool {
	if l.force {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.processed[id]
	return ok
}

// MarkProcessed 标记输入已完整处理（只影响内存，需要 Flush 落盘）
func (l *Ledger) MarkProcessed(id string) error {
	if id == "" {
		return ErrInvalidUnit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.processed[id]; !ok {
		l.processed[id] = struct{}{}
		l.dirty = true
	}
	return nil
}

// Len 已记录的输入数
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processed)
}

// Flush 把台账原子写入磁盘，没有变化时不写
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}

	ids := make([]string, 0, len(l.processed))
	for id := range l.processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(l.path, data, 0o644); err != nil {
		return fmt.Errorf("write ledger %s: %w", l.path, err)
	}
	l.dirty = false
	return nil
}

// WriteFileAtomic 写临时文件后 rename 替换目标文件
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
