package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ballance/enron/internal/domain"
)

// UnlinkedRecord 没有关联到任何消息的邮件及其已存储附件，JSON Lines 的一行
type UnlinkedRecord struct {
	RunID       string                    `json:"runId"`
	InputID     string                    `json:"inputId"`
	UnitID      string                    `json:"unitId"`
	Reason      string                    `json:"reason"` // unmatched 或 unlinkable
	Email       domain.EmailMetadata      `json:"email"`
	Attachments []domain.AttachmentRecord `json:"attachments"`
}

// unlinkedExport 按运行写出未关联记录，第一条记录到来时才创建文件
//
// 只在提交协程中使用。
type unlinkedExport struct {
	path string

	f     *os.File
	w     *bufio.Writer
	enc   *json.Encoder
	count int64
}

func newUnlinkedExport(dir, runID string) *unlinkedExport {
	if dir == "" {
		return nil
	}
	return &unlinkedExport{path: filepath.Join(dir, "unlinked-"+runID+".jsonl")}
}

func (e *unlinkedExport) write(rec UnlinkedRecord) error {
	if e.f == nil {
		if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
		f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open export %s: %w", e.path, err)
		}
		e.f = f
		e.w = bufio.NewWriter(f)
		e.enc = json.NewEncoder(e.w)
	}
	if err := e.enc.Encode(rec); err != nil {
		return fmt.Errorf("write export %s: %w", e.path, err)
	}
	e.count++
	return nil
}

// flush 把缓冲写入文件，随批次一起落盘
func (e *unlinkedExport) flush() error {
	if e.w == nil {
		return nil
	}
	return e.w.Flush()
}

func (e *unlinkedExport) close() error {
	if e.f == nil {
		return nil
	}
	err := e.w.Flush()
	if cerr := e.f.Close(); err == nil {
		err = cerr
	}
	e.f = nil
	return err
}

// file 返回导出文件路径，没有写出任何记录时为空
func (e *unlinkedExport) file() string {
	if e == nil || e.count == 0 {
		return ""
	}
	return e.path
}
