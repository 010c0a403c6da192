// Package storage 定义关系库存取接口。
//
// 核心只读取已有消息，并在一个批次事务内追加附件行、消息-附件关联
// 以及 has_attachments 标记。消息本身由外部加载程序写入。
package storage

import (
	"context"
	"errors"

	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/linkage"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrClosed 存储已关闭
	ErrClosed = errors.New("store closed")
)

// Batch 单个事务内的写操作。事务提交前的写入对其他读者不可见。
type Batch interface {
	// UpsertAttachment 按内容摘要插入附件行，已存在时返回已有 ID
	UpsertAttachment(ctx context.Context, rec domain.AttachmentRecord) (int64, error)
	// LinkAttachment 插入消息-附件关联，(message, attachment, order) 已存在时不做任何事
	LinkAttachment(ctx context.Context, link domain.MessageAttachment) (bool, error)
	// MarkHasAttachments 设置消息的 has_attachments 标记
	MarkHasAttachments(ctx context.Context, messageID int64) error
}

// Store 关系库存储
type Store interface {
	linkage.MessageIndex

	// WithinBatch 在一个事务中执行 fn；fn 返回错误时整个批次回滚
	WithinBatch(ctx context.Context, fn func(Batch) error) error
	// Ping 检查连接
	Ping(ctx context.Context) error
	// Close 关闭连接
	Close() error
}

// Counts 各表行数，用于运行汇总和测试断言
type Counts struct {
	People             int64 `json:"people"`
	Messages           int64 `json:"messages"`
	Attachments        int64 `json:"attachments"`
	MessageAttachments int64 `json:"messageAttachments"`
}

// Counter 可以统计行数的存储
type Counter interface {
	Counts(ctx context.Context) (Counts, error)
}
