package domain

import (
	"strings"
	"time"
)

// Person 对应 people 表（由外部加载程序维护）。
type Person struct {
	ID    int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	Email string `json:"email" gorm:"type:varchar(320);uniqueIndex;not null"`
	Name  string `json:"name,omitempty" gorm:"type:varchar(255)"`
}

// TableName 指定表名
func (Person) TableName() string {
	return "people"
}

// Message 对应 messages 表。核心只读取消息并追加附件关联，从不创建消息。
type Message struct {
	ID             int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	FromPersonID   int64     `json:"fromPersonId" gorm:"index"`
	Subject        string    `json:"subject" gorm:"type:text"`
	Date           time.Time `json:"date" gorm:"index"`
	HasAttachments bool      `json:"hasAttachments" gorm:"default:false"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}

// EmailMetadata 源数据集中一封邮件（文档）的元数据。
// SentAt 为零值表示源数据缺失发送时间。
type EmailMetadata struct {
	DocumentID            string    `json:"documentId"`
	FromAddress           string    `json:"fromAddress"`
	ToAddresses           []string  `json:"toAddresses"`
	CcAddresses           []string  `json:"ccAddresses"`
	Subject               string    `json:"subject"`
	SentAt                time.Time `json:"sentAt"`
	HasAttachments        bool      `json:"hasAttachments"`
	AttachmentCount       int       `json:"attachmentCount"`
	AttachmentDocumentIDs []string  `json:"attachmentDocumentIds"`
}

// Candidate 提取用于关联匹配的键
func (m EmailMetadata) Candidate() CandidateEmail {
	return CandidateEmail{
		Subject:     m.Subject,
		SentAt:      m.SentAt,
		FromAddress: m.FromAddress,
		DocumentID:  m.DocumentID,
	}
}

// CandidateEmail 次数据集中提取的匹配键，仅在关联过程中临时使用。
type CandidateEmail struct {
	Subject     string    `json:"subject"`
	SentAt      time.Time `json:"sentAt"`
	FromAddress string    `json:"fromAddress"`
	DocumentID  string    `json:"documentId"`
}

// Linkable 发件人和发送时间都存在时才允许匹配
func (c CandidateEmail) Linkable() bool {
	return strings.TrimSpace(c.FromAddress) != "" && !c.SentAt.IsZero()
}
