package domain

// Digest 表示载荷内容的 SHA-256 摘要（64 位小写十六进制）。
type Digest string

// String 返回摘要字符串
func (d Digest) String() string {
	return string(d)
}

// Short 返回用于日志的摘要前缀
func (d Digest) Short() string {
	if len(d) > 12 {
		return string(d[:12])
	}
	return string(d)
}

// StoredBlob 表示 CAS 中按内容去重后的唯一一份二进制数据。
// 每个摘要只创建一次，创建后不再修改。
type StoredBlob struct {
	Digest      Digest `json:"digest"`
	Size        uint64 `json:"size"`
	StoragePath string `json:"storagePath"` // 相对 CAS 根目录的路径: ab/cd/<digest><ext>
}

// AttachmentRecord 表示从某个源文档中提取出的一个附件槽位。
// 多个 AttachmentRecord 可以共享同一个 StoredBlob。
type AttachmentRecord struct {
	Digest           Digest `json:"digest"`
	OriginalFilename string `json:"originalFilename"`
	MimeType         string `json:"mimeType"`
	Size             uint64 `json:"size"`
	IsInline         bool   `json:"isInline"`
	ContentID        string `json:"contentId,omitempty"`
	Order            uint32 `json:"order"`
	ParentDocumentID string `json:"parentDocumentId"`
	StoragePath      string `json:"storagePath"`
}

// DefaultMimeType 源数据缺失 MIME 类型时使用的默认值
const DefaultMimeType = "application/octet-stream"

// Attachment 对应 attachments 表的一行（按内容摘要唯一）。
type Attachment struct {
	ID               int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	ContentDigest    string `json:"contentDigest" gorm:"column:content_digest;type:char(64);uniqueIndex;not null"`
	OriginalFilename string `json:"originalFilename" gorm:"type:varchar(500)"`
	MimeType         string `json:"mimeType" gorm:"type:varchar(255)"`
	FileSize         int64  `json:"fileSize"`
	StoragePath      string `json:"storagePath" gorm:"type:varchar(500)"`
	IsInline         bool   `json:"isInline" gorm:"default:false"`
}

// TableName 指定表名
func (Attachment) TableName() string {
	return "attachments"
}

// NewAttachmentRow 由附件记录构造 attachments 表行
func NewAttachmentRow(rec AttachmentRecord) Attachment {
	mimeType := rec.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	return Attachment{
		ContentDigest:    rec.Digest.String(),
		OriginalFilename: rec.OriginalFilename,
		MimeType:         mimeType,
		FileSize:         int64(rec.Size),
		StoragePath:      rec.StoragePath,
		IsInline:         rec.IsInline,
	}
}

// MessageAttachment 对应 message_attachments 表的一行。
// (message_id, attachment_id, attachment_order) 唯一。
type MessageAttachment struct {
	MessageID       int64   `json:"messageId" gorm:"primaryKey;autoIncrement:false"`
	AttachmentID    int64   `json:"attachmentId" gorm:"primaryKey;autoIncrement:false"`
	AttachmentOrder uint32  `json:"order" gorm:"column:attachment_order;primaryKey;autoIncrement:false"`
	Filename        string  `json:"filename" gorm:"type:varchar(500)"`
	ContentID       *string `json:"contentId,omitempty" gorm:"type:varchar(255)"`
}

// TableName 指定表名
func (MessageAttachment) TableName() string {
	return "message_attachments"
}
