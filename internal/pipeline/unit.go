package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ballance/enron/internal/cas"
	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/source"
)

// inputTracker 跟踪一个输入文件内未完成的单元
//
// outstanding 由派发协程增加、提交协程减少；其余字段只在提交协程中访问。
type inputTracker struct {
	id          string
	src         source.Source
	started     time.Time
	outstanding atomic.Int64

	dispatched bool
	aborted    bool
	failed     bool
	finished   bool
}

// event worker 或派发协程发往提交协程的消息
type event struct {
	input *inputTracker

	// done 为 true 表示该输入的派发已结束，err 为 Each 的返回值
	done bool
	err  error

	unit *unitRun
}

// unitRun 单元在流水线中的工作状态
type unitRun struct {
	id      string
	state   domain.UnitState
	started time.Time

	meta       domain.EmailMetadata
	records    []domain.AttachmentRecord
	messageIDs []int64
	linkable   bool

	// storeFailures 因写入 CAS 失败而跳过的附件数，非零时输入留待重跑
	storeFailures atomic.Int32

	kind domain.ErrorKind
	err  error
}

func (u *unitRun) advance(next domain.UnitState) {
	if !u.state.CanTransition(next) {
		panic(fmt.Sprintf("unit %s: illegal transition %s -> %s", u.id, u.state, next))
	}
	u.state = next
}

func (u *unitRun) fail(kind domain.ErrorKind, err error) {
	u.kind = kind
	u.err = domain.NewIngestError(kind, u.id, err)
	u.advance(domain.UnitFailed)
}

// hasWrites 是否有需要在批次中写入的关联
func (u *unitRun) hasWrites() bool {
	return u.state == domain.UnitLinked && len(u.records) > 0 && len(u.messageIDs) > 0
}

// processUnit 在 worker 中执行：存储附件并查找关联消息
//
// 已开始的单元不受运行取消影响，只受单元超时约束。
func (p *Pipeline) processUnit(runCtx context.Context, in *inputTracker, u source.Unit) event {
	run := &unitRun{id: u.ID, state: domain.UnitParsed, started: time.Now(), meta: u.Metadata}
	ev := event{input: in, unit: run}

	p.metrics.UnitsInFlight.Inc()
	defer p.metrics.UnitsInFlight.Dec()

	if u.Err != nil {
		run.fail(domain.KindParseFailure, u.Err)
		return ev
	}
	p.stats.unitsParsed.Add(1)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), p.opts.UnitTimeout)
	defer cancel()

	meta := u.Metadata
	run.advance(domain.UnitAttachmentsExtracted)
	p.stats.attachmentsFound.Add(int64(len(u.Attachments)))

	records, err := p.storeAttachments(ctx, run, u)
	if err != nil {
		run.fail(domain.KindStorageIOFailure, err)
		if errors.Is(err, cas.ErrStorageUnavailable) {
			p.fatal(err)
		}
		return ev
	}
	run.records = records
	run.advance(domain.UnitBlobsStored)

	if !meta.HasAttachments && len(u.Attachments) == 0 {
		run.advance(domain.UnitLinked)
		return ev
	}

	candidate := meta.Candidate()
	run.linkable = candidate.Linkable()
	if !run.linkable {
		p.stats.emailsUnmatched.Add(1)
		p.metrics.RecordLinkage(false, 0)
		p.log.Debug("Email has no sender or date, cannot link", zap.String("unit", u.ID))
		run.advance(domain.UnitLinked)
		return ev
	}

	start := time.Now()
	ids, err := p.matcher.FindCandidates(ctx, candidate.FromAddress, candidate.Subject, candidate.SentAt)
	if err != nil {
		run.fail(domain.KindLinkageFailure, err)
		return ev
	}
	p.metrics.RecordLinkage(len(ids) > 0, time.Since(start))
	if len(ids) == 0 {
		p.stats.emailsUnmatched.Add(1)
	} else {
		p.stats.emailsMatched.Add(1)
	}
	run.messageIDs = ids
	run.advance(domain.UnitLinked)
	return ev
}

// storeAttachments 并发写入附件；单个附件失败时跳过，兄弟附件照常处理
//
// 返回值按附件在邮件中的顺序排列，只包含已写入 CAS 的附件。
// 只有 cas.ErrStorageUnavailable 会作为错误返回。
func (p *Pipeline) storeAttachments(ctx context.Context, run *unitRun, u source.Unit) ([]domain.AttachmentRecord, error) {
	if len(u.Attachments) == 0 {
		return nil, nil
	}

	slots := make([]*domain.AttachmentRecord, len(u.Attachments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.AttachmentConcurrency)

	for i, att := range u.Attachments {
		g.Go(func() error {
			rec, ok, err := p.storeAttachment(gctx, run, u, att)
			if err != nil {
				return err
			}
			if ok {
				slots[i] = &rec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]domain.AttachmentRecord, 0, len(slots))
	for _, rec := range slots {
		if rec != nil {
			records = append(records, *rec)
		}
	}
	return records, nil
}

func (p *Pipeline) storeAttachment(ctx context.Context, run *unitRun, u source.Unit, att source.Attachment) (domain.AttachmentRecord, bool, error) {
	log := p.log.With(zap.String("unit", u.ID), zap.String("attachment", att.DocumentID))

	if !p.blobs.CheckSize(att.Size) {
		log.Debug("Attachment declared size exceeds limit, hashing only",
			zap.Int64("size", att.Size), zap.Int64("max", p.blobs.MaxSize()))
	}

	r, err := att.Open()
	if err != nil {
		p.stats.attachmentsFailed.Add(1)
		p.stats.errors.Add(1)
		p.metrics.RecordAttachment("missing", 0)
		log.Warn("Attachment payload unavailable, skipping", zap.Error(err))
		return domain.AttachmentRecord{}, false, nil
	}
	defer r.Close()

	br := bufio.NewReaderSize(r, source.SniffLen)
	header, _ := br.Peek(source.SniffLen)
	mimeType := source.DetectMimeType(att.Filename, att.MimeType, header)

	blob, err := p.blobs.PutReader(ctx, br, att.Extension)
	if err != nil {
		var tooLarge *cas.TooLargeError
		if errors.As(err, &tooLarge) {
			p.metrics.RecordAttachment("too_large", tooLarge.Size)
			p.metrics.RecordFailure(string(domain.KindAttachmentTooLarge))
			log.Warn("Attachment too large, skipping",
				zap.String("digest", tooLarge.Digest.String()),
				zap.Int64("size", tooLarge.Size),
				zap.Int64("max", tooLarge.Max),
			)
			return domain.AttachmentRecord{}, false, nil
		}

		p.stats.attachmentsFailed.Add(1)
		p.stats.errors.Add(1)
		switch {
		case errors.Is(err, cas.ErrStorageUnavailable):
			p.metrics.RecordAttachment("failed", 0)
			return domain.AttachmentRecord{}, false, fmt.Errorf("store attachment %s: %w", att.DocumentID, err)
		case errors.Is(err, cas.ErrPayloadRead):
			// 源数据损坏，重跑结果相同
			p.metrics.RecordAttachment("unreadable", 0)
			log.Warn("Attachment payload unreadable, skipping", zap.Error(err))
		default:
			run.storeFailures.Add(1)
			p.metrics.RecordAttachment("failed", 0)
			p.metrics.RecordFailure(string(domain.KindStorageIOFailure))
			log.Warn("Failed to store attachment, skipping", zap.Error(err))
		}
		return domain.AttachmentRecord{}, false, nil
	}

	p.metrics.RecordAttachment("stored", int64(blob.Size))
	rec := att.Record(u.Metadata.DocumentID)
	rec.Digest = blob.Digest
	rec.Size = blob.Size
	rec.StoragePath = blob.StoragePath
	rec.MimeType = mimeType
	return rec, true, nil
}
