package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/linkage"
	"github.com/ballance/enron/internal/storage"
)

// BatchHook 在批次提交前调用，返回错误时批次回滚（测试中用于注入故障）
type BatchHook func(seq int) error

type linkKey struct {
	messageID    int64
	attachmentID int64
	order        uint32
}

// Store 使用内存保存消息与附件关联，主要用于开发验证和测试。
//
// 批次写入先暂存，fn 成功后才一次性应用，失败时全部丢弃。
type Store struct {
	mu sync.RWMutex

	people        map[int64]domain.Person
	peopleByEmail map[string]int64 // 小写 email -> personID
	messages      map[int64]domain.Message
	attachments   map[int64]domain.Attachment
	byDigest      map[string]int64
	links         map[linkKey]domain.MessageAttachment

	nextPersonID     int64
	nextMessageID    int64
	nextAttachmentID int64

	batchMu  sync.Mutex // 批次串行提交
	batchSeq int
	hook     BatchHook
	closed   bool
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		people:        make(map[int64]domain.Person),
		peopleByEmail: make(map[string]int64),
		messages:      make(map[int64]domain.Message),
		attachments:   make(map[int64]domain.Attachment),
		byDigest:      make(map[string]int64),
		links:         make(map[linkKey]domain.MessageAttachment),
	}
}

// SetBatchHook 设置批次提交钩子
func (s *Store) SetBatchHook(hook BatchHook) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.hook = hook
}

// AddPerson 添加发件人，email 已存在时返回已有 ID
func (s *Store) AddPerson(email, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(email))
	if id, ok := s.peopleByEmail[key]; ok {
		return id
	}
	s.nextPersonID++
	id := s.nextPersonID
	s.people[id] = domain.Person{ID: id, Email: email, Name: name}
	s.peopleByEmail[key] = id
	return id
}

// AddMessage 添加消息（模拟外部加载程序）
func (s *Store) AddMessage(fromEmail, subject string, date time.Time) int64 {
	personID := s.AddPerson(fromEmail, "")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMessageID++
	id := s.nextMessageID
	s.messages[id] = domain.Message{
		ID:           id,
		FromPersonID: personID,
		Subject:      subject,
		Date:         date.UTC(),
	}
	return id
}

// Message 按 ID 获取消息
func (s *Store) Message(id int64) (domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return domain.Message{}, storage.ErrNotFound
	}
	return msg, nil
}

// AttachmentByDigest 按摘要获取附件行
func (s *Store) AttachmentByDigest(digest domain.Digest) (domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDigest[digest.String()]
	if !ok {
		return domain.Attachment{}, storage.ErrNotFound
	}
	return s.attachments[id], nil
}

// Links 返回某条消息的附件关联，按顺序号排序
func (s *Store) Links(messageID int64) []domain.MessageAttachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MessageAttachment
	for k, link := range s.links {
		if k.messageID == messageID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttachmentOrder != out[j].AttachmentOrder {
			return out[i].AttachmentOrder < out[j].AttachmentOrder
		}
		return out[i].AttachmentID < out[j].AttachmentID
	})
	return out
}

// FindMessages 按关联条件查询消息 ID
func (s *Store) FindMessages(ctx context.Context, q linkage.Query) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	var ids []int64
	for id, msg := range s.messages {
		person, ok := s.people[msg.FromPersonID]
		if !ok {
			continue
		}
		if q.Match(person.Email, msg.Subject, msg.Date) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// WithinBatch 在一个"事务"中执行 fn
func (s *Store) WithinBatch(ctx context.Context, fn func(storage.Batch) error) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.batchSeq++

	b := &batch{
		store:       s,
		attachments: make(map[int64]domain.Attachment),
		byDigest:    make(map[string]int64),
		links:       make(map[linkKey]domain.MessageAttachment),
		marks:       make(map[int64]struct{}),
	}
	if err := fn(b); err != nil {
		return err
	}
	if s.hook != nil {
		if err := s.hook(s.batchSeq); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for id, row := range b.attachments {
		s.attachments[id] = row
	}
	for digest, id := range b.byDigest {
		s.byDigest[digest] = id
	}
	for k, link := range b.links {
		s.links[k] = link
	}
	for id := range b.marks {
		msg := s.messages[id]
		msg.HasAttachments = true
		s.messages[id] = msg
	}
	return nil
}

// Counts 返回各表行数
func (s *Store) Counts(_ context.Context) (storage.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.Counts{
		People:             int64(len(s.people)),
		Messages:           int64(len(s.messages)),
		Attachments:        int64(len(s.attachments)),
		MessageAttachments: int64(len(s.links)),
	}, nil
}

// Ping 检查存储是否可用
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

// Close 关闭存储
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// batch 暂存的写入
type batch struct {
	store       *Store
	attachments map[int64]domain.Attachment
	byDigest    map[string]int64
	links       map[linkKey]domain.MessageAttachment
	marks       map[int64]struct{}
}

func (b *batch) UpsertAttachment(ctx context.Context, rec domain.AttachmentRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	digest := rec.Digest.String()
	if id, ok := b.byDigest[digest]; ok {
		return id, nil
	}

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byDigest[digest]; ok {
		return id, nil
	}
	s.nextAttachmentID++
	row := domain.NewAttachmentRow(rec)
	row.ID = s.nextAttachmentID
	b.attachments[row.ID] = row
	b.byDigest[digest] = row.ID
	return row.ID, nil
}

func (b *batch) LinkAttachment(ctx context.Context, link domain.MessageAttachment) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := b.store
	s.mu.RLock()
	_, msgOK := s.messages[link.MessageID]
	_, attOK := s.attachments[link.AttachmentID]
	k := linkKey{link.MessageID, link.AttachmentID, link.AttachmentOrder}
	_, exists := s.links[k]
	s.mu.RUnlock()

	if !msgOK {
		return false, fmt.Errorf("link attachment: message %d: %w", link.MessageID, storage.ErrNotFound)
	}
	if _, staged := b.attachments[link.AttachmentID]; !attOK && !staged {
		return false, fmt.Errorf("link attachment: attachment %d: %w", link.AttachmentID, storage.ErrNotFound)
	}
	if _, staged := b.links[k]; exists || staged {
		return false, nil
	}
	b.links[k] = link
	return true, nil
}

func (b *batch) MarkHasAttachments(ctx context.Context, messageID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := b.store
	s.mu.RLock()
	_, ok := s.messages[messageID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mark message %d: %w", messageID, storage.ErrNotFound)
	}
	b.marks[messageID] = struct{}{}
	return nil
}

var (
	_ storage.Store   = (*Store)(nil)
	_ storage.Counter = (*Store)(nil)
)
