package pipeline

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ballance/enron/internal/cas"
	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/ledger"
)

// counters 运行中累计的统计，worker 和提交协程并发更新
type counters struct {
	inputsSeen      atomic.Int64
	inputsSkipped   atomic.Int64
	inputsCompleted atomic.Int64

	unitsSeen      atomic.Int64
	unitsParsed    atomic.Int64
	unitsFailed    atomic.Int64
	unitsCommitted atomic.Int64

	attachmentsFound  atomic.Int64
	attachmentsFailed atomic.Int64
	attachmentsLinked atomic.Int64

	emailsMatched    atomic.Int64
	emailsUnmatched  atomic.Int64
	unlinkedExported atomic.Int64

	batchesCommitted atomic.Int64
	batchesFailed    atomic.Int64

	errors atomic.Int64
}

// snapshot 合并 CAS 统计生成运行统计
func (c *counters) snapshot(runID string, started time.Time, blobs cas.Stats) domain.RunStatistics {
	return domain.RunStatistics{
		RunID:     runID,
		StartedAt: started,

		InputsSeen:      c.inputsSeen.Load(),
		InputsSkipped:   c.inputsSkipped.Load(),
		InputsCompleted: c.inputsCompleted.Load(),

		UnitsSeen:      c.unitsSeen.Load(),
		UnitsParsed:    c.unitsParsed.Load(),
		UnitsFailed:    c.unitsFailed.Load(),
		UnitsCommitted: c.unitsCommitted.Load(),

		AttachmentsFound:        c.attachmentsFound.Load(),
		AttachmentsStored:       blobs.Stored,
		AttachmentsDeduplicated: blobs.Deduplicated,
		AttachmentsTooLarge:     blobs.TooLarge,
		AttachmentsFailed:       c.attachmentsFailed.Load(),
		AttachmentsLinked:       c.attachmentsLinked.Load(),

		EmailsMatched:    c.emailsMatched.Load(),
		EmailsUnmatched:  c.emailsUnmatched.Load(),
		UnlinkedExported: c.unlinkedExported.Load(),

		BatchesCommitted: c.batchesCommitted.Load(),
		BatchesFailed:    c.batchesFailed.Load(),

		BytesWritten: blobs.BytesWritten,
		Errors:       c.errors.Load(),
	}
}

// SaveStatistics 把运行统计原子写入 JSON 文件
func SaveStatistics(path string, stats domain.RunStatistics) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	return ledger.WriteFileAtomic(path, data, 0o644)
}
