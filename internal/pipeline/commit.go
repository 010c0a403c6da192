package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/storage"
)

// committer 单协程：聚合单元为批次写入关系库，并维护输入完成状态和台账
type committer struct {
	p      *Pipeline
	log    *zap.Logger
	runID  string
	export *unlinkedExport

	batch  []event
	inputs []*inputTracker
	seen   map[*inputTracker]struct{}
}

func newCommitter(p *Pipeline, log *zap.Logger, runID string, export *unlinkedExport) *committer {
	return &committer{
		p:      p,
		log:    log,
		runID:  runID,
		export: export,
		seen:   make(map[*inputTracker]struct{}),
	}
}

func (c *committer) run(events <-chan event) {
	for ev := range events {
		c.track(ev.input)
		switch {
		case ev.done:
			c.inputDispatched(ev.input, ev.err)
		case ev.unit.hasWrites():
			c.batch = append(c.batch, ev)
			if len(c.batch) >= c.p.opts.BatchSize {
				c.flush()
			}
		default:
			c.finishUnit(ev, 0)
		}
	}
	c.flush()

	// worker 崩溃等情况下可能有输入未收尾，这里只关闭不登记
	for _, in := range c.inputs {
		if !in.finished {
			c.log.Warn("Input did not complete", zap.String("input", in.id),
				zap.Int64("outstanding", in.outstanding.Load()))
			_ = in.src.Close()
			in.finished = true
		}
	}

	if c.export != nil {
		if err := c.export.close(); err != nil {
			c.p.stats.errors.Add(1)
			c.log.Error("Failed to close unlinked export", zap.Error(err))
		}
	}
}

func (c *committer) track(in *inputTracker) {
	if _, ok := c.seen[in]; ok {
		return
	}
	c.seen[in] = struct{}{}
	c.inputs = append(c.inputs, in)
}

func (c *committer) inputDispatched(in *inputTracker, err error) {
	in.dispatched = true
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			in.aborted = true
		} else {
			in.failed = true
			c.p.stats.errors.Add(1)
			c.log.Error("Failed to read input", zap.String("input", in.id), zap.Error(err))
		}
	}
	c.maybeFinish(in)
}

// flush 在一个事务中写入当前批次；失败时整批单元标记为失败
func (c *committer) flush() {
	if len(c.batch) == 0 {
		return
	}
	batch := c.batch
	c.batch = nil

	ctx, cancel := context.WithTimeout(context.Background(), c.p.opts.BatchTimeout)
	defer cancel()

	start := time.Now()
	links := make([]int, len(batch))
	err := c.p.store.WithinBatch(ctx, func(b storage.Batch) error {
		for i := range links {
			links[i] = 0
		}
		for i, ev := range batch {
			n, err := writeUnit(ctx, b, ev.unit)
			if err != nil {
				return err
			}
			links[i] = n
		}
		return nil
	})
	duration := time.Since(start)
	c.p.metrics.RecordBatch(err == nil, len(batch), duration)

	if err != nil {
		c.p.stats.batchesFailed.Add(1)
		c.p.stats.errors.Add(1)
		c.log.Error("Batch rolled back",
			zap.Int("units", len(batch)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		for _, ev := range batch {
			ev.unit.fail(domain.KindRelationalWriteFailure, err)
			c.finishUnit(ev, 0)
		}
	} else {
		c.p.stats.batchesCommitted.Add(1)
		c.log.Debug("Batch committed", zap.Int("units", len(batch)), zap.Duration("duration", duration))
		for i, ev := range batch {
			c.finishUnit(ev, links[i])
		}
	}

	if c.export != nil {
		if err := c.export.flush(); err != nil {
			c.p.stats.errors.Add(1)
			c.log.Error("Failed to flush unlinked export", zap.Error(err))
		}
	}
	if err := c.p.ledger.Flush(); err != nil {
		c.p.stats.errors.Add(1)
		c.log.Error("Failed to flush ledger", zap.Error(err))
	}
}

// writeUnit 写入一个单元的附件行和关联，返回新增关联数
func writeUnit(ctx context.Context, b storage.Batch, u *unitRun) (int, error) {
	inserted := 0
	for _, rec := range u.records {
		attachmentID, err := b.UpsertAttachment(ctx, rec)
		if err != nil {
			return 0, err
		}
		for _, messageID := range u.messageIDs {
			link := domain.MessageAttachment{
				MessageID:       messageID,
				AttachmentID:    attachmentID,
				AttachmentOrder: rec.Order,
				Filename:        rec.OriginalFilename,
			}
			if rec.ContentID != "" {
				cid := rec.ContentID
				link.ContentID = &cid
			}
			ok, err := b.LinkAttachment(ctx, link)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
			inserted++
			if err := b.MarkHasAttachments(ctx, messageID); err != nil {
				return 0, err
			}
		}
	}
	return inserted, nil
}

// finishUnit 单元进入终态并更新所属输入
func (c *committer) finishUnit(ev event, links int) {
	u := ev.unit
	if u.state == domain.UnitLinked {
		u.advance(domain.UnitCommitted)
	}

	switch u.state {
	case domain.UnitCommitted:
		c.p.stats.unitsCommitted.Add(1)
		c.p.stats.attachmentsLinked.Add(int64(links))
		c.p.metrics.RecordLinks(links)
		c.p.metrics.RecordUnit("committed", time.Since(u.started))
		if len(u.records) > 0 && len(u.messageIDs) == 0 {
			c.exportUnlinked(ev)
		}
	case domain.UnitFailed:
		c.p.stats.unitsFailed.Add(1)
		c.p.stats.errors.Add(1)
		c.p.metrics.RecordUnit("failed", time.Since(u.started))
		c.p.metrics.RecordFailure(string(u.kind))
		// 解析失败是确定性的，重跑也不会成功，不阻止输入登记
		if u.kind != domain.KindParseFailure {
			ev.input.failed = true
		}
		c.log.Warn("Unit failed",
			zap.String("unit", u.id),
			zap.String("kind", string(u.kind)),
			zap.Error(u.err),
		)
	}

	skipped := int(u.storeFailures.Load())
	if skipped > 0 {
		// 附件没写进 CAS，输入不登记，下次运行补齐
		ev.input.failed = true
		c.log.Warn("Unit committed without some attachments",
			zap.String("unit", u.id), zap.Int("skipped", skipped))
	}

	if c.p.onUnit != nil {
		c.p.onUnit(UnitReport{
			UnitID:             u.id,
			InputID:            ev.input.id,
			State:              u.state,
			Kind:               u.kind,
			Err:                u.err,
			Links:              links,
			SkippedAttachments: skipped,
		})
	}

	ev.input.outstanding.Add(-1)
	c.maybeFinish(ev.input)
}

// exportUnlinked 把未关联邮件的附件记录写入导出文件，供事后排查孤立的 blob
func (c *committer) exportUnlinked(ev event) {
	if c.export == nil {
		return
	}
	u := ev.unit
	reason := "unmatched"
	if !u.linkable {
		reason = "unlinkable"
	}
	err := c.export.write(UnlinkedRecord{
		RunID:       c.runID,
		InputID:     ev.input.id,
		UnitID:      u.id,
		Reason:      reason,
		Email:       u.meta,
		Attachments: u.records,
	})
	if err != nil {
		c.p.stats.errors.Add(1)
		c.log.Error("Failed to export unlinked unit", zap.String("unit", u.id), zap.Error(err))
		return
	}
	c.p.stats.unlinkedExported.Add(1)
}

// maybeFinish 输入的所有单元都到达终态后关闭并按结果登记台账
func (c *committer) maybeFinish(in *inputTracker) {
	if in.finished || !in.dispatched || in.outstanding.Load() > 0 {
		return
	}
	in.finished = true
	_ = in.src.Close()

	log := c.log.With(zap.String("input", in.id), zap.Duration("elapsed", time.Since(in.started)))
	switch {
	case in.aborted:
		c.p.metrics.RecordInput("interrupted")
		log.Warn("Input interrupted, will be retried next run")
	case in.failed:
		c.p.metrics.RecordInput("failed")
		log.Warn("Input had failures, will be retried next run")
	case c.p.opts.SkipLedger:
		c.p.stats.inputsCompleted.Add(1)
		c.p.metrics.RecordInput("completed")
		log.Info("Input completed, not recorded in ledger")
	default:
		if err := c.p.ledger.MarkProcessed(in.id); err != nil {
			c.p.stats.errors.Add(1)
			log.Error("Failed to record input in ledger", zap.Error(err))
			return
		}
		c.p.stats.inputsCompleted.Add(1)
		c.p.metrics.RecordInput("completed")
		log.Info("Input completed")
	}
}
