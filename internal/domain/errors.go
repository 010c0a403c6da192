package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 单元处理失败的分类
type ErrorKind string

const (
	// KindParseFailure 输入单元格式错误，跳过且不重试
	KindParseFailure ErrorKind = "PARSE_FAILURE"
	// KindAttachmentTooLarge 附件超过大小上限，仅跳过该附件
	KindAttachmentTooLarge ErrorKind = "ATTACHMENT_TOO_LARGE"
	// KindStorageIOFailure CAS 写入失败
	KindStorageIOFailure ErrorKind = "STORAGE_IO_FAILURE"
	// KindRelationalWriteFailure 关系库写入失败，整批回滚
	KindRelationalWriteFailure ErrorKind = "RELATIONAL_WRITE_FAILURE"
	// KindLinkageFailure 关联查询失败（超时、连接错误）
	KindLinkageFailure ErrorKind = "LINKAGE_FAILURE"
)

// ErrSetup 启动阶段的致命错误（无输入、存储不可达）
var ErrSetup = errors.New("setup failed")

// IngestError 带分类的单元级错误
type IngestError struct {
	Kind ErrorKind
	Unit string // 单元标识，可能为空
	Err  error
}

// Error 实现 error 接口
func (e *IngestError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Unit, e.Err)
}

// Unwrap 返回底层错误
func (e *IngestError) Unwrap() error {
	return e.Err
}

// NewIngestError 创建分类错误
func NewIngestError(kind ErrorKind, unit string, err error) *IngestError {
	return &IngestError{Kind: kind, Unit: unit, Err: err}
}

// KindOf 返回错误链中第一个 IngestError 的分类
func KindOf(err error) (ErrorKind, bool) {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return "", false
}

// IsKind 判断错误是否属于指定分类
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
