package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ballance/enron/internal/config"
	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/linkage"
	"github.com/ballance/enron/internal/storage"
	"github.com/ballance/enron/internal/storage/dberr"
	"github.com/ballance/enron/internal/storage/postgres"
)

const maxBatchAttempts = 3

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db           *gorm.DB
	sqlDB        *sql.DB
	dialect      string // "mysql" or "postgres"
	queryTimeout time.Duration
	log          *zap.Logger

	// 已提交的 摘要 -> attachments.id，附件行只增不删
	attachmentIDs sync.Map
}

// Open 按配置连接数据库
func Open(cfg *config.DatabaseConfig, log *zap.Logger, onSlow postgres.SlowQueryFunc) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}

	var (
		sqlDB  *sql.DB
		gormDB *gorm.DB
		err    error
	)
	switch cfg.Type {
	case "postgres":
		sqlDB, err = postgres.Open(cfg, log, onSlow)
		if err != nil {
			return nil, err
		}
		gormDB, err = gorm.Open(gormpg.New(gormpg.Config{Conn: sqlDB}), gormConfig)
	case "mysql":
		sqlDB, err = openMySQL(cfg)
		if err != nil {
			return nil, err
		}
		gormDB, err = gorm.Open(mysql.New(mysql.Config{Conn: sqlDB}), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", cfg.Type)
	}
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	return New(gormDB, cfg.QueryTimeout, log)
}

// New 包装已打开的 gorm 连接
func New(db *gorm.DB, queryTimeout time.Duration, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return &Store{
		db:           db,
		sqlDB:        sqlDB,
		dialect:      db.Dialector.Name(),
		queryTimeout: queryTimeout,
		log:          log,
	}, nil
}

func openMySQL(cfg *config.DatabaseConfig) (*sql.DB, error) {
	mycfg, err := gomysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	// DATETIME 列需要扫描为 time.Time
	mycfg.ParseTime = true
	if mycfg.Loc == nil {
		mycfg.Loc = time.UTC
	}

	db, err := sql.Open("mysql", mycfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.sqlDB != nil {
		return s.sqlDB.Close()
	}
	return nil
}

// Ping 检查数据库健康状态
func (s *Store) Ping(ctx context.Context) error {
	if s.sqlDB == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.sqlDB.PingContext(ctx)
}

// Dialect 返回数据库方言名
func (s *Store) Dialect() string {
	return s.dialect
}

// AutoMigrate 创建本系统读写的四张表，仅供集成测试使用
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&domain.Person{},
		&domain.Message{},
		&domain.Attachment{},
		&domain.MessageAttachment{},
	)
}

// FindMessages 按关联条件查询消息 ID
func (s *Store) FindMessages(ctx context.Context, q linkage.Query) ([]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT m.id FROM messages m
		JOIN people p ON p.id = m.from_person_id
		WHERE LOWER(p.email) = ?
		  AND m.date BETWEEN ? AND ?`
	args := []interface{}{q.FromAddress, q.Start.UTC(), q.End.UTC()}

	if q.NormalizedSubject == "" {
		query += ` AND LOWER(m.subject) = ?`
		args = append(args, q.RawSubject)
	} else {
		query += ` AND (LOWER(m.subject) = ? OR LOWER(m.subject) LIKE ?` + s.likeEscape() + `)`
		args = append(args, q.RawSubject, "%"+escapeLike(q.NormalizedSubject)+"%")
	}
	query += ` ORDER BY m.id`

	var ids []int64
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&ids).Error; err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return ids, nil
}

// WithinBatch 在一个事务中执行 fn；遇到序列化冲突或死锁时整批重试
func (s *Store) WithinBatch(ctx context.Context, fn func(storage.Batch) error) error {
	var err error
	for attempt := 1; attempt <= maxBatchAttempts; attempt++ {
		b := &batch{store: s, pending: map[string]int64{}}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			b.tx = tx
			return fn(b)
		})
		if err == nil {
			for digest, id := range b.pending {
				s.attachmentIDs.Store(digest, id)
			}
			return nil
		}
		if !dberr.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		s.log.Warn("retrying batch after transient conflict",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return err
}

// Counts 返回各表行数
func (s *Store) Counts(ctx context.Context) (storage.Counts, error) {
	var c storage.Counts
	db := s.db.WithContext(ctx)
	for _, item := range []struct {
		model interface{}
		dst   *int64
	}{
		{&domain.Person{}, &c.People},
		{&domain.Message{}, &c.Messages},
		{&domain.Attachment{}, &c.Attachments},
		{&domain.MessageAttachment{}, &c.MessageAttachments},
	} {
		if err := db.Model(item.model).Count(item.dst).Error; err != nil {
			return c, err
		}
	}
	return c, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return context.WithCancel(ctx)
}

// likeEscape PostgreSQL 需要显式声明转义符，MySQL 默认就是反斜杠
func (s *Store) likeEscape() string {
	if s.dialect == "postgres" {
		return ` ESCAPE '\'`
	}
	return ""
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeReplacer.Replace(s)
}

// batch 单个事务内的写操作
type batch struct {
	store   *Store
	tx      *gorm.DB
	pending map[string]int64
}

// UpsertAttachment 按摘要插入附件行，已存在时返回已有 ID
func (b *batch) UpsertAttachment(ctx context.Context, rec domain.AttachmentRecord) (int64, error) {
	digest := rec.Digest.String()
	if id, ok := b.pending[digest]; ok {
		return id, nil
	}
	if v, ok := b.store.attachmentIDs.Load(digest); ok {
		return v.(int64), nil
	}

	tx := b.tx.WithContext(ctx)
	id, err := lookupAttachmentID(tx, digest)
	if err == nil {
		b.pending[digest] = id
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	row := domain.NewAttachmentRow(rec)
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_digest"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil && !dberr.IsDuplicateKey(err) {
		return 0, fmt.Errorf("insert attachment %s: %w", rec.Digest.Short(), err)
	}

	// 并发写入者可能先插入，重新按摘要读取 ID
	id, err = lookupAttachmentID(tx, digest)
	if err != nil {
		return 0, err
	}
	b.pending[digest] = id
	return id, nil
}

// LinkAttachment 插入消息-附件关联，已存在时不做任何事
func (b *batch) LinkAttachment(ctx context.Context, link domain.MessageAttachment) (bool, error) {
	res := b.tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link)
	if res.Error != nil {
		if dberr.IsDuplicateKey(res.Error) {
			return false, nil
		}
		return false, fmt.Errorf("link attachment to message %d: %w", link.MessageID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkHasAttachments 设置消息的 has_attachments 标记
func (b *batch) MarkHasAttachments(ctx context.Context, messageID int64) error {
	err := b.tx.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND has_attachments = ?", messageID, false).
		Update("has_attachments", true).Error
	if err != nil {
		return fmt.Errorf("mark message %d: %w", messageID, err)
	}
	return nil
}

func lookupAttachmentID(tx *gorm.DB, digest string) (int64, error) {
	var row domain.Attachment
	err := tx.Select("id").Where("content_digest = ?", digest).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup attachment: %w", err)
	}
	return row.ID, nil
}

var _ storage.Store = (*Store)(nil)
