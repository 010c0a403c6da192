package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrBlobNotFound 附件文件不存在
var ErrBlobNotFound = errors.New("blob not found")

// Store 按内容摘要分片的附件文件存储
//
// 目录布局: {basePath}/{digest[0:2]}/{digest[2:4]}/{digest}{ext}
type Store struct {
	basePath      string         // 附件存储根目录
	platformUtils *PlatformUtils // 平台兼容性工具
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string) (*Store, error) {
	platformUtils := NewPlatformUtils()

	// 标准化路径（转换为绝对路径后不再包含 ..）
	normalizedPath := platformUtils.NormalizePath(basePath)

	// 验证基础路径
	if err := platformUtils.ValidatePath(normalizedPath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	// 确保基础目录存在
	if err := os.MkdirAll(normalizedPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{
		basePath:      normalizedPath,
		platformUtils: platformUtils,
	}, nil
}

// BasePath 返回存储根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// BlobPath 根据摘要和扩展名计算相对存储路径（两级前缀分片）
func (s *Store) BlobPath(digest, ext string) (string, error) {
	if len(digest) < 4 {
		return "", fmt.Errorf("digest too short for sharding: %q", digest)
	}
	name := digest + s.platformUtils.SanitizeExtension(ext)
	return filepath.ToSlash(filepath.Join(digest[:2], digest[2:4], name)), nil
}

// AbsPath 将相对存储路径转换为绝对路径
func (s *Store) AbsPath(relPath string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(relPath))
}

// Exists 检查附件文件是否已存在
func (s *Store) Exists(relPath string) bool {
	info, err := os.Stat(s.AbsPath(relPath))
	return err == nil && info.Mode().IsRegular()
}

// WriteBlob 写入附件内容，文件已存在时不再写入
//
// 先写临时文件再 rename，保证读者永远看不到写了一半的文件。
// 并发写入同一摘要时最后一次 rename 生效，内容相同。
func (s *Store) WriteBlob(relPath string, data []byte) (bool, error) {
	if err := s.platformUtils.ValidatePath(relPath); err != nil {
		return false, err
	}

	target := s.AbsPath(relPath)
	if s.Exists(relPath) {
		return false, nil
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return false, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return false, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return false, fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return false, fmt.Errorf("failed to chmod blob: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return false, fmt.Errorf("failed to move blob into place: %w", err)
	}

	return true, nil
}

// ReadBlob 读取附件内容
func (s *Store) ReadBlob(relPath string) ([]byte, error) {
	if err := s.platformUtils.ValidatePath(relPath); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.AbsPath(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return content, nil
}

// CheckWritable 检查存储目录可写（用于启动检查）
func (s *Store) CheckWritable() error {
	f, err := os.CreateTemp(s.basePath, ".probe-*")
	if err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// GetStorageStats 获取存储统计信息
func (s *Store) GetStorageStats() (map[string]interface{}, error) {
	var totalSize int64
	var blobCount int

	err := filepath.Walk(s.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // 跳过错误，继续遍历
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		totalSize += info.Size()
		blobCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_size_bytes": totalSize,
		"total_size_mb":    float64(totalSize) / 1024 / 1024,
		"blob_count":       blobCount,
		"base_path":        s.basePath,
	}, nil
}
