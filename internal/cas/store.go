// Package cas 实现按内容寻址的附件存储：计算摘要、按摘要去重，
// 并把载荷写入由摘要推导出的分片路径。
package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/storage/filesystem"
)

var (
	// ErrNotFound 摘要不在索引中
	ErrNotFound = errors.New("blob not found")
	// ErrAttachmentTooLarge 载荷超过配置的大小上限，未写入
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrStorageUnavailable 连续多次写入失败，存储介质不可用
	ErrStorageUnavailable = errors.New("blob storage unavailable")
	// ErrPayloadRead 读取源载荷失败（例如压缩包成员损坏），与存储介质无关
	ErrPayloadRead = errors.New("failed to read payload")
)

const (
	defaultLockShards       = 256
	defaultFailureThreshold = 10
)

// Config CAS 配置
type Config struct {
	MaxSize          int64 // 单个载荷最大字节数，0 表示不限制
	LockShards       int   // 索引插入锁的分片数
	FailureThreshold int   // 连续写入失败多少次后判定存储不可用
}

// Stats CAS 统计快照
type Stats struct {
	Stored       int64 `json:"stored"`
	Deduplicated int64 `json:"deduplicated"`
	TooLarge     int64 `json:"tooLarge"`
	Failed       int64 `json:"failed"`
	BytesWritten int64 `json:"bytesWritten"`
}

// Store 内容寻址存储
type Store struct {
	files *filesystem.Store
	index Index
	cfg   Config
	locks []sync.Mutex
	log   *zap.Logger

	stored       atomic.Int64
	deduplicated atomic.Int64
	tooLarge     atomic.Int64
	failed       atomic.Int64
	bytesWritten atomic.Int64
	failStreak   atomic.Int64
}

// NewStore 创建 CAS 实例
func NewStore(files *filesystem.Store, index Index, cfg Config, log *zap.Logger) *Store {
	if cfg.LockShards <= 0 {
		cfg.LockShards = defaultLockShards
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		files: files,
		index: index,
		cfg:   cfg,
		locks: make([]sync.Mutex, cfg.LockShards),
		log:   log,
	}
}

// TooLargeError 超限载荷的详细信息，摘要仍然计算用于审计
type TooLargeError struct {
	Digest domain.Digest
	Size   int64
	Max    int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("attachment too large: %d bytes (max %d), digest %s", e.Size, e.Max, e.Digest)
}

// Is 使 errors.Is(err, ErrAttachmentTooLarge) 成立
func (e *TooLargeError) Is(target error) bool {
	return target == ErrAttachmentTooLarge
}

// Put 存储载荷并返回其 StoredBlob
//
// 摘要已存在时不写入文件，直接返回已有记录（去重命中只体现在统计中）。
func (s *Store) Put(ctx context.Context, payload []byte, ext string) (domain.StoredBlob, error) {
	return s.PutReader(ctx, bytes.NewReader(payload), ext)
}

// PutReader 流式读取载荷；超过大小上限时只继续计算摘要，不缓存剩余内容
//
// 读取 r 出错时返回 ErrPayloadRead，不计入连续写入失败。
func (s *Store) PutReader(ctx context.Context, r io.Reader, ext string) (domain.StoredBlob, error) {
	if err := ctx.Err(); err != nil {
		return domain.StoredBlob{}, err
	}

	h := newHasher()
	tee := io.TeeReader(r, h)

	var buf bytes.Buffer
	if s.cfg.MaxSize > 0 {
		n, err := io.Copy(&buf, io.LimitReader(tee, s.cfg.MaxSize+1))
		if err != nil {
			return domain.StoredBlob{}, readFailure(err)
		}
		if n > s.cfg.MaxSize {
			buf.Reset()
			rest, err := io.Copy(io.Discard, tee)
			if err != nil {
				return domain.StoredBlob{}, readFailure(err)
			}
			digest := digestOf(h)
			s.tooLarge.Add(1)
			return domain.StoredBlob{Digest: digest, Size: uint64(n + rest)}, &TooLargeError{
				Digest: digest,
				Size:   n + rest,
				Max:    s.cfg.MaxSize,
			}
		}
	} else if _, err := io.Copy(&buf, tee); err != nil {
		return domain.StoredBlob{}, readFailure(err)
	}

	return s.store(digestOf(h), buf.Bytes(), ext)
}

// CheckSize 在读取载荷前按声明大小做预检，size < 0 表示未知
func (s *Store) CheckSize(size int64) bool {
	return s.cfg.MaxSize <= 0 || size < 0 || size <= s.cfg.MaxSize
}

// MaxSize 返回配置的大小上限
func (s *Store) MaxSize() int64 {
	return s.cfg.MaxSize
}

// store 在分片锁保护下完成“存在则复用，否则写入并登记”
func (s *Store) store(digest domain.Digest, data []byte, ext string) (domain.StoredBlob, error) {
	mu := s.lockFor(digest)
	mu.Lock()
	defer mu.Unlock()

	existing, ok, err := s.index.Get(digest)
	if err != nil {
		return domain.StoredBlob{}, s.ioFailure(err)
	}
	if ok {
		// 索引存在但文件丢失时补写，内容由摘要唯一确定
		if !s.files.Exists(existing.StoragePath) {
			if _, err := s.files.WriteBlob(existing.StoragePath, data); err != nil {
				return domain.StoredBlob{}, s.ioFailure(err)
			}
			s.log.Warn("restored missing blob file", zap.String("digest", digest.Short()))
		}
		s.failStreak.Store(0)
		s.deduplicated.Add(1)
		return existing, nil
	}

	relPath, err := s.files.BlobPath(digest.String(), ext)
	if err != nil {
		return domain.StoredBlob{}, s.ioFailure(err)
	}
	written, err := s.files.WriteBlob(relPath, data)
	if err != nil {
		return domain.StoredBlob{}, s.ioFailure(err)
	}

	blob, inserted, err := s.index.PutIfAbsent(domain.StoredBlob{
		Digest:      digest,
		Size:        uint64(len(data)),
		StoragePath: relPath,
	})
	if err != nil {
		return domain.StoredBlob{}, s.ioFailure(err)
	}

	s.failStreak.Store(0)
	if !inserted {
		s.deduplicated.Add(1)
		return blob, nil
	}
	s.stored.Add(1)
	if written {
		s.bytesWritten.Add(int64(len(data)))
	}
	return blob, nil
}

// Lookup 查询摘要对应的 StoredBlob
func (s *Store) Lookup(digest domain.Digest) (domain.StoredBlob, error) {
	if err := ValidateDigest(digest); err != nil {
		return domain.StoredBlob{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	blob, ok, err := s.index.Get(digest)
	if err != nil {
		return domain.StoredBlob{}, err
	}
	if !ok {
		return domain.StoredBlob{}, ErrNotFound
	}
	return blob, nil
}

// GetPath 将摘要解析为磁盘上的绝对路径
func (s *Store) GetPath(digest domain.Digest) (string, error) {
	blob, err := s.Lookup(digest)
	if err != nil {
		return "", err
	}
	return s.files.AbsPath(blob.StoragePath), nil
}

// Read 读取摘要对应的载荷
//
// 索引中有记录但文件缺失时同样返回 ErrNotFound。
func (s *Store) Read(digest domain.Digest) ([]byte, error) {
	blob, err := s.Lookup(digest)
	if err != nil {
		return nil, err
	}
	data, err := s.files.ReadBlob(blob.StoragePath)
	if errors.Is(err, filesystem.ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: %s is indexed but missing from disk", ErrNotFound, digest)
	}
	return data, err
}

// Stats 返回统计快照
func (s *Store) Stats() Stats {
	return Stats{
		Stored:       s.stored.Load(),
		Deduplicated: s.deduplicated.Load(),
		TooLarge:     s.tooLarge.Load(),
		Failed:       s.failed.Load(),
		BytesWritten: s.bytesWritten.Load(),
	}
}

// IndexLen 返回索引条目数
func (s *Store) IndexLen() (int, error) {
	return s.index.Len()
}

// Close 关闭索引
func (s *Store) Close() error {
	return s.index.Close()
}

func (s *Store) lockFor(digest domain.Digest) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(digest))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

func readFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrPayloadRead, err)
}

// ioFailure 记录一次写入失败；连续失败达到阈值时升级为 ErrStorageUnavailable
func (s *Store) ioFailure(err error) error {
	s.failed.Add(1)
	streak := s.failStreak.Add(1)
	if streak >= int64(s.cfg.FailureThreshold) {
		return fmt.Errorf("%w: %d consecutive failures: %v", ErrStorageUnavailable, streak, err)
	}
	return err
}
