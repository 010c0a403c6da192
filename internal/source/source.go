// Package source 读取输入归档，把每封邮件及其附件转换成流水线单元。
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ballance/enron/internal/domain"
)

var (
	// ErrNoInputs 没有找到任何输入文件
	ErrNoInputs = errors.New("no input files found")
	// ErrNoMetadata 归档中既没有 EDRM 元数据也没有 .eml 成员
	ErrNoMetadata = errors.New("archive has no metadata")
	// ErrPayloadMissing 元数据引用的附件文件不在归档中
	ErrPayloadMissing = errors.New("attachment payload missing from archive")
	// ErrUnsupportedInput 不支持的输入类型
	ErrUnsupportedInput = errors.New("unsupported input type")
)

// Attachment 单元中的一个附件，载荷按需打开
type Attachment struct {
	DocumentID string
	Filename   string
	Extension  string // 带前导点，可能为空
	MimeType   string
	Size       int64 // 已知的载荷大小，-1 表示未知
	IsInline   bool
	ContentID  string
	Order      uint32 // 从 1 开始

	open func() (io.ReadCloser, error)
}

// Open 打开附件载荷
func (a Attachment) Open() (io.ReadCloser, error) {
	if a.open == nil {
		return nil, ErrPayloadMissing
	}
	return a.open()
}

// Record 转换为附件记录（摘要和存储路径由 CAS 写入后填充）
func (a Attachment) Record(parent string) domain.AttachmentRecord {
	mimeType := a.MimeType
	if mimeType == "" {
		mimeType = domain.DefaultMimeType
	}
	size := a.Size
	if size < 0 {
		size = 0
	}
	return domain.AttachmentRecord{
		OriginalFilename: a.Filename,
		MimeType:         mimeType,
		Size:             uint64(size),
		IsInline:         a.IsInline,
		ContentID:        a.ContentID,
		Order:            a.Order,
		ParentDocumentID: parent,
	}
}

// NewAttachment 使用自定义打开函数构造附件
func NewAttachment(a Attachment, open func() (io.ReadCloser, error)) Attachment {
	a.open = open
	return a
}

// NewMemoryAttachment 使用内存载荷构造附件
func NewMemoryAttachment(a Attachment, payload []byte) Attachment {
	a.Size = int64(len(payload))
	return NewAttachment(a, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	})
}

// Unit 一个输入单元：一封邮件和它的附件
type Unit struct {
	ID          string // 输入内唯一: "<input>#<document>"
	InputID     string
	Metadata    domain.EmailMetadata
	Attachments []Attachment
	// Err 非空表示单元无法解析，流水线按 ParseFailure 处理
	Err error
}

// Source 一个输入文件
type Source interface {
	// ID 台账中使用的输入标识（文件名）
	ID() string
	// Each 依次把单元交给 fn；fn 返回错误时停止
	Each(ctx context.Context, fn func(Unit) error) error
	Close() error
}

// Open 按扩展名打开输入文件
func Open(path string) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return OpenZip(path)
	case ".eml":
		return OpenEML(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, path)
	}
}

// Discover 展开输入路径：文件直接使用，目录扫描其中的 *.zip 和 *.eml（不递归）
func Discover(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat input %s: %w", p, err)
		}
		if !info.IsDir() {
			if isInputFile(p) {
				add(filepath.Clean(p))
			}
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read input dir %s: %w", p, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && isInputFile(e.Name()) {
				add(filepath.Join(p, e.Name()))
			}
		}
	}

	if len(out) == 0 {
		return nil, ErrNoInputs
	}
	sort.Strings(out)
	return out, nil
}

func isInputFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip", ".eml":
		return true
	}
	return false
}
