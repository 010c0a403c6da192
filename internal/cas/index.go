package cas

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/ballance/enron/internal/domain"
)

const (
	blobKeyPrefix   = "blob:"
	maxTxnConflicts = 5
)

// Index 摘要 → StoredBlob 的持久化索引
type Index interface {
	// Get 查询摘要，不存在时 ok 为 false
	Get(digest domain.Digest) (blob domain.StoredBlob, ok bool, err error)
	// PutIfAbsent 摘要不存在时插入；已存在时返回已有记录且 inserted 为 false
	PutIfAbsent(blob domain.StoredBlob) (stored domain.StoredBlob, inserted bool, err error)
	// Len 返回索引条目数
	Len() (int, error)
	Close() error
}

// BadgerIndex 基于 badger 的持久化索引，进程重启后去重依然有效
type BadgerIndex struct {
	db *badger.DB
}

// OpenBadgerIndex 打开（或创建）目录下的索引；dir 为空时使用内存模式
func OpenBadgerIndex(dir string, log *zap.Logger) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.WithLogger(&badgerLogger{log.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob index: %w", err)
	}
	return &BadgerIndex{db: db}, nil
}

// Get 查询摘要
func (i *BadgerIndex) Get(digest domain.Digest) (domain.StoredBlob, bool, error) {
	var blob domain.StoredBlob
	found := false
	err := i.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = readBlob(txn, digest, &blob)
		return err
	})
	if err != nil {
		return domain.StoredBlob{}, false, fmt.Errorf("failed to read blob index: %w", err)
	}
	return blob, found, nil
}

// PutIfAbsent 仅在摘要不存在时插入
func (i *BadgerIndex) PutIfAbsent(blob domain.StoredBlob) (domain.StoredBlob, bool, error) {
	value, err := json.Marshal(blob)
	if err != nil {
		return domain.StoredBlob{}, false, err
	}

	for attempt := 0; ; attempt++ {
		existing := domain.StoredBlob{}
		inserted := false
		err = i.db.Update(func(txn *badger.Txn) error {
			found, err := readBlob(txn, blob.Digest, &existing)
			if err != nil {
				return err
			}
			if found {
				return nil
			}
			inserted = true
			return txn.Set(blobKey(blob.Digest), value)
		})
		// 并发事务冲突时重试，重试后会读到先写入者的记录
		if errors.Is(err, badger.ErrConflict) && attempt < maxTxnConflicts {
			continue
		}
		if err != nil {
			return domain.StoredBlob{}, false, fmt.Errorf("failed to update blob index: %w", err)
		}
		if inserted {
			return blob, true, nil
		}
		return existing, false, nil
	}
}

// Len 返回索引条目数
func (i *BadgerIndex) Len() (int, error) {
	count := 0
	err := i.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blobKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close 关闭索引
func (i *BadgerIndex) Close() error {
	return i.db.Close()
}

func blobKey(digest domain.Digest) []byte {
	return []byte(blobKeyPrefix + digest.String())
}

func readBlob(txn *badger.Txn, digest domain.Digest, out *domain.StoredBlob) (bool, error) {
	item, err := txn.Get(blobKey(digest))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	return err == nil, err
}

// badgerLogger 将 badger 日志转发到 zap
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
