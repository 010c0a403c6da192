package domain

import "time"

// RunStatistics 一次导入运行结束时持久化的统计快照
type RunStatistics struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	InputsSeen      int64 `json:"inputsSeen"`
	InputsSkipped   int64 `json:"inputsSkipped"` // 台账中已处理
	InputsCompleted int64 `json:"inputsCompleted"`

	UnitsSeen      int64 `json:"unitsSeen"`
	UnitsParsed    int64 `json:"unitsParsed"`
	UnitsFailed    int64 `json:"unitsFailed"`
	UnitsCommitted int64 `json:"unitsCommitted"`

	AttachmentsFound        int64 `json:"attachmentsFound"`
	AttachmentsStored       int64 `json:"attachmentsStored"`
	AttachmentsDeduplicated int64 `json:"attachmentsDeduplicated"`
	AttachmentsTooLarge     int64 `json:"attachmentsTooLarge"`
	AttachmentsFailed       int64 `json:"attachmentsFailed"`
	AttachmentsLinked       int64 `json:"attachmentsLinked"`

	EmailsMatched   int64 `json:"emailsMatched"`
	EmailsUnmatched int64 `json:"emailsUnmatched"`

	// UnlinkedExported 写入 UnlinkedFile 的未关联邮件数
	UnlinkedExported int64  `json:"unlinkedExported"`
	UnlinkedFile     string `json:"unlinkedFile,omitempty"`

	BatchesCommitted int64 `json:"batchesCommitted"`
	BatchesFailed    int64 `json:"batchesFailed"`

	BytesWritten int64 `json:"bytesWritten"`
	Errors       int64 `json:"errors"`
}
