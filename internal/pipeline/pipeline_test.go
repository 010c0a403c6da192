package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballance/enron/internal/cas"
	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/ledger"
	"github.com/ballance/enron/internal/linkage"
	"github.com/ballance/enron/internal/source"
	"github.com/ballance/enron/internal/storage/filesystem"
	"github.com/ballance/enron/internal/storage/memory"
)

var sentAt = time.Date(2001, 5, 30, 16, 13, 31, 0, time.UTC)

// fakeSource 内存输入文件
type fakeSource struct {
	id     string
	units  []source.Unit
	before func()
	closed atomic.Bool
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Each(ctx context.Context, fn func(source.Unit) error) error {
	if f.before != nil {
		f.before()
	}
	for _, u := range f.units {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

type harness struct {
	t          *testing.T
	store      *memory.Store
	blobsRoot  string
	indexDir   string
	ledgerPath string
	sources    map[string]*fakeSource
	reports    []UnitReport
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:          t,
		store:      memory.NewStore(),
		blobsRoot:  t.TempDir(),
		indexDir:   t.TempDir(),
		ledgerPath: filepath.Join(t.TempDir(), "processed_inputs.json"),
		sources:    make(map[string]*fakeSource),
	}
}

func (h *harness) addSource(src *fakeSource) string {
	h.sources[src.id] = src
	return src.id
}

// run 使用新的 CAS、台账和流水线实例执行一次
func (h *harness) run(ctx context.Context, opts Options, casCfg cas.Config, force bool, inputs ...string) (domain.RunStatistics, error) {
	t := h.t
	files, err := filesystem.NewStore(h.blobsRoot)
	require.NoError(t, err)
	index, err := cas.OpenBadgerIndex(h.indexDir, nil)
	require.NoError(t, err)
	blobs := cas.NewStore(files, index, casCfg, nil)
	defer blobs.Close()

	l, err := ledger.Open(h.ledgerPath, force, nil)
	require.NoError(t, err)

	h.reports = nil
	p, err := New(opts, Deps{
		Blobs:   blobs,
		Store:   h.store,
		Matcher: linkage.NewMatcher(h.store, linkage.DefaultPolicy()),
		Ledger:  l,
		Open: func(path string) (source.Source, error) {
			src, ok := h.sources[path]
			if !ok {
				return nil, source.ErrUnsupportedInput
			}
			return src, nil
		},
		OnUnit: func(r UnitReport) { h.reports = append(h.reports, r) },
	})
	require.NoError(t, err)
	return p.Run(ctx, inputs)
}

func (h *harness) processed(id string) bool {
	l, err := ledger.Open(h.ledgerPath, false, nil)
	require.NoError(h.t, err)
	return l.IsProcessed(id)
}

func (h *harness) report(unitID string) UnitReport {
	for _, r := range h.reports {
		if r.UnitID == unitID {
			return r
		}
	}
	h.t.Fatalf("no report for unit %s", unitID)
	return UnitReport{}
}

func attachment(doc string, order uint32, name string, payload []byte) source.Attachment {
	return source.NewMemoryAttachment(source.Attachment{
		DocumentID: doc,
		Filename:   name,
		Extension:  filepath.Ext(name),
		MimeType:   "application/pdf",
		Order:      order,
	}, payload)
}

func email(input, doc, from, subject string, date time.Time, atts ...source.Attachment) source.Unit {
	return source.Unit{
		ID:      input + "#" + doc,
		InputID: input,
		Metadata: domain.EmailMetadata{
			DocumentID:      doc,
			FromAddress:     from,
			Subject:         subject,
			SentAt:          date,
			HasAttachments:  len(atts) > 0,
			AttachmentCount: len(atts),
		},
		Attachments: atts,
	}
}

func defaultOptions() Options {
	return Options{Workers: 2, AttachmentConcurrency: 2, BatchSize: 10, UnitTimeout: time.Minute}
}

func TestRun_LinksAttachmentsToMessage(t *testing.T) {
	h := newHarness(t)
	msgID := h.store.AddMessage("kenneth.lay@enron.com", "Q2 forecast", sentAt)

	src := &fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "Kenneth.Lay@enron.com", "RE: Q2 forecast", sentAt.Add(time.Hour),
			attachment("D1.1", 1, "forecast.xls", []byte("numbers")),
			attachment("D1.2", 2, "memo.doc", []byte("words")),
		),
		email("a.zip", "D2", "jeff.skilling@enron.com", "lunch", sentAt),
	}}
	h.addSource(src)

	stats, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "a.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.InputsSeen)
	assert.Equal(t, int64(1), stats.InputsCompleted)
	assert.Equal(t, int64(2), stats.UnitsSeen)
	assert.Equal(t, int64(2), stats.UnitsCommitted)
	assert.Equal(t, int64(0), stats.UnitsFailed)
	assert.Equal(t, int64(2), stats.AttachmentsFound)
	assert.Equal(t, int64(2), stats.AttachmentsStored)
	assert.Equal(t, int64(2), stats.AttachmentsLinked)
	assert.Equal(t, int64(1), stats.EmailsMatched)
	assert.Equal(t, int64(1), stats.BatchesCommitted)
	assert.NotEmpty(t, stats.RunID)

	links := h.store.Links(msgID)
	require.Len(t, links, 2)
	assert.Equal(t, uint32(1), links[0].AttachmentOrder)
	assert.Equal(t, "forecast.xls", links[0].Filename)
	assert.Equal(t, uint32(2), links[1].AttachmentOrder)

	msg, err := h.store.Message(msgID)
	require.NoError(t, err)
	assert.True(t, msg.HasAttachments)

	att, err := h.store.AttachmentByDigest(cas.ComputeDigest([]byte("numbers")))
	require.NoError(t, err)
	assert.Equal(t, "forecast.xls", att.OriginalFilename)
	assert.FileExists(t, filepath.Join(h.blobsRoot, att.StoragePath))

	assert.True(t, h.processed("a.zip"))
	assert.True(t, src.closed.Load())
}

func TestRun_RerunIsNoop(t *testing.T) {
	h := newHarness(t)
	msgID := h.store.AddMessage("kenneth.lay@enron.com", "budget", sentAt)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "kenneth.lay@enron.com", "budget", sentAt,
			attachment("D1.1", 1, "budget.xls", []byte("budget"))),
	}})

	_, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "a.zip")
	require.NoError(t, err)
	before, err := h.store.Counts(context.Background())
	require.NoError(t, err)

	t.Run("ledger skips processed input", func(t *testing.T) {
		stats, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "a.zip")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.InputsSkipped)
		assert.Equal(t, int64(0), stats.UnitsSeen)
		assert.Equal(t, int64(0), stats.AttachmentsLinked)

		after, err := h.store.Counts(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("forced rerun writes nothing new", func(t *testing.T) {
		stats, err := h.run(context.Background(), defaultOptions(), cas.Config{}, true, "a.zip")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.UnitsCommitted)
		assert.Equal(t, int64(0), stats.AttachmentsLinked)
		assert.Equal(t, int64(1), stats.AttachmentsDeduplicated)

		after, err := h.store.Counts(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Len(t, h.store.Links(msgID), 1)
	})
}

func TestRun_OversizeAttachmentSkipped(t *testing.T) {
	h := newHarness(t)
	msgID := h.store.AddMessage("sara.shackleton@enron.com", "ISDA", sentAt)
	big := make([]byte, 100)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "sara.shackleton@enron.com", "ISDA", sentAt,
			attachment("D1.1", 1, "scan.tif", big),
			attachment("D1.2", 2, "isda.doc", []byte("tiny")),
		),
	}})

	stats, err := h.run(context.Background(), defaultOptions(), cas.Config{MaxSize: 10}, false, "a.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.AttachmentsTooLarge)
	assert.Equal(t, int64(1), stats.AttachmentsStored)
	assert.Equal(t, int64(1), stats.UnitsCommitted)

	links := h.store.Links(msgID)
	require.Len(t, links, 1)
	assert.Equal(t, uint32(2), links[0].AttachmentOrder)
	assert.Equal(t, "isda.doc", links[0].Filename)

	_, err = h.store.AttachmentByDigest(cas.ComputeDigest(big))
	assert.Error(t, err)
	assert.True(t, h.processed("a.zip"))
}

func TestRun_FailedBatchIsIsolated(t *testing.T) {
	h := newHarness(t)
	first := h.store.AddMessage("a@enron.com", "one", sentAt)
	second := h.store.AddMessage("b@enron.com", "two", sentAt)
	h.addSource(&fakeSource{id: "1.zip", units: []source.Unit{
		email("1.zip", "D1", "a@enron.com", "one", sentAt, attachment("D1.1", 1, "one.txt", []byte("one"))),
	}})
	h.addSource(&fakeSource{id: "2.zip", units: []source.Unit{
		email("2.zip", "D2", "b@enron.com", "two", sentAt, attachment("D2.1", 1, "two.txt", []byte("two"))),
	}})
	h.store.SetBatchHook(func(seq int) error {
		if seq == 2 {
			return errors.New("connection reset")
		}
		return nil
	})

	opts := Options{Workers: 1, AttachmentConcurrency: 1, BatchSize: 1, UnitTimeout: time.Minute}
	stats, err := h.run(context.Background(), opts, cas.Config{}, false, "1.zip", "2.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.BatchesCommitted)
	assert.Equal(t, int64(1), stats.BatchesFailed)
	assert.Equal(t, int64(1), stats.UnitsCommitted)
	assert.Equal(t, int64(1), stats.UnitsFailed)
	assert.Len(t, h.store.Links(first), 1)
	assert.Empty(t, h.store.Links(second))

	r := h.report("2.zip#D2")
	assert.Equal(t, domain.UnitFailed, r.State)
	assert.Equal(t, domain.KindRelationalWriteFailure, r.Kind)
	assert.True(t, domain.IsKind(r.Err, domain.KindRelationalWriteFailure))

	assert.True(t, h.processed("1.zip"))
	assert.False(t, h.processed("2.zip"))

	// 故障恢复后重跑只处理失败的输入
	h.store.SetBatchHook(nil)
	stats, err = h.run(context.Background(), opts, cas.Config{}, false, "1.zip", "2.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InputsSkipped)
	assert.Equal(t, int64(1), stats.AttachmentsLinked)
	assert.Len(t, h.store.Links(second), 1)
	assert.Len(t, h.store.Links(first), 1)
	assert.True(t, h.processed("2.zip"))
}

func TestRun_LinksAreUnique(t *testing.T) {
	h := newHarness(t)
	msgID := h.store.AddMessage("a@enron.com", "deal", sentAt)
	payload := []byte("same bytes")
	// 同一封邮件在两个输入中重复出现
	for _, id := range []string{"1.zip", "2.zip"} {
		h.addSource(&fakeSource{id: id, units: []source.Unit{
			email(id, "D1", "a@enron.com", "deal", sentAt, attachment("D1.1", 1, "deal.pdf", payload)),
		}})
	}

	stats, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "1.zip", "2.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.AttachmentsLinked)
	assert.Equal(t, int64(1), stats.AttachmentsStored)
	assert.Equal(t, int64(1), stats.AttachmentsDeduplicated)
	assert.Len(t, h.store.Links(msgID), 1)

	counts, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Attachments)
	assert.Equal(t, int64(1), counts.MessageAttachments)
}

func TestRun_UnmatchedAndParseFailures(t *testing.T) {
	h := newHarness(t)
	h.store.AddMessage("a@enron.com", "known", sentAt)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		{ID: "a.zip#BAD", InputID: "a.zip", Err: errors.New("truncated metadata")},
		email("a.zip", "D1", "a@enron.com", "something else", sentAt, attachment("D1.1", 1, "x.txt", []byte("x"))),
		email("a.zip", "D2", "", "known", sentAt, attachment("D2.1", 1, "y.txt", []byte("y"))),
	}})

	stats, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "a.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.UnitsSeen)
	assert.Equal(t, int64(2), stats.UnitsParsed)
	assert.Equal(t, int64(1), stats.UnitsFailed)
	assert.Equal(t, int64(2), stats.UnitsCommitted)
	assert.Equal(t, int64(2), stats.EmailsUnmatched)
	assert.Equal(t, int64(0), stats.EmailsMatched)
	assert.Equal(t, int64(2), stats.AttachmentsStored)
	assert.Equal(t, int64(0), stats.AttachmentsLinked)
	assert.Equal(t, int64(0), stats.BatchesCommitted)

	r := h.report("a.zip#BAD")
	assert.Equal(t, domain.KindParseFailure, r.Kind)

	// 解析失败不会阻止输入登记
	assert.True(t, h.processed("a.zip"))
}

func TestRun_CancellationFlushesLedger(t *testing.T) {
	h := newHarness(t)
	h.store.AddMessage("a@enron.com", "one", sentAt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.addSource(&fakeSource{id: "1.zip", units: []source.Unit{
		email("1.zip", "D1", "a@enron.com", "one", sentAt, attachment("D1.1", 1, "one.txt", []byte("one"))),
	}})
	h.addSource(&fakeSource{id: "2.zip", before: cancel, units: []source.Unit{
		email("2.zip", "D1", "a@enron.com", "one", sentAt, attachment("D1.1", 1, "two.txt", []byte("two"))),
	}})

	stats, err := h.run(ctx, defaultOptions(), cas.Config{}, false, "1.zip", "2.zip", "3.zip")
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, int64(1), stats.InputsCompleted)
	assert.Equal(t, int64(2), stats.InputsSeen)
	assert.Equal(t, int64(1), stats.UnitsSeen)
	assert.True(t, h.processed("1.zip"))
	assert.False(t, h.processed("2.zip"))
	assert.True(t, h.sources["2.zip"].closed.Load())
}

// blockShard 在摘要的一级分片位置放一个普通文件，使该摘要无法写入
func (h *harness) blockShard(payload []byte) func() {
	shard := filepath.Join(h.blobsRoot, cas.ComputeDigest(payload).String()[:2])
	require.NoError(h.t, os.WriteFile(shard, []byte("blocked"), 0o644))
	return func() { require.NoError(h.t, os.Remove(shard)) }
}

// payloadOutsideShard 返回一个与 blocked 分片不同的载荷
func payloadOutsideShard(t *testing.T, blocked []byte) []byte {
	prefix := cas.ComputeDigest(blocked).String()[:2]
	for i := 0; i < 1000; i++ {
		candidate := []byte(fmt.Sprintf("healthy payload %d", i))
		if cas.ComputeDigest(candidate).String()[:2] != prefix {
			return candidate
		}
	}
	t.Fatal("no payload outside the blocked shard")
	return nil
}

func TestRun_StorageUnavailableStopsRun(t *testing.T) {
	h := newHarness(t)
	h.store.AddMessage("a@enron.com", "one", sentAt)
	payload := []byte("unwritable")
	h.blockShard(payload)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "a@enron.com", "one", sentAt, attachment("D1.1", 1, "x.bin", payload)),
	}})

	stats, err := h.run(context.Background(), defaultOptions(), cas.Config{FailureThreshold: 1}, false, "a.zip")
	require.ErrorIs(t, err, cas.ErrStorageUnavailable)

	assert.Equal(t, int64(1), stats.UnitsFailed)
	assert.Equal(t, domain.KindStorageIOFailure, h.report("a.zip#D1").Kind)
	assert.False(t, h.processed("a.zip"))
}

func TestRun_StoreFailureSkipsOnlyThatAttachment(t *testing.T) {
	h := newHarness(t)
	msgID := h.store.AddMessage("a@enron.com", "contracts", sentAt)
	bad := []byte("contract draft")
	good := payloadOutsideShard(t, bad)
	unblock := h.blockShard(bad)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "a@enron.com", "contracts", sentAt,
			attachment("D1.1", 1, "draft.doc", bad),
			attachment("D1.2", 2, "good.pdf", good),
		),
	}})

	stats, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "a.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.UnitsCommitted)
	assert.Equal(t, int64(0), stats.UnitsFailed)
	assert.Equal(t, int64(1), stats.AttachmentsFailed)
	assert.Equal(t, int64(1), stats.AttachmentsLinked)

	r := h.report("a.zip#D1")
	assert.Equal(t, domain.UnitCommitted, r.State)
	assert.Equal(t, 1, r.SkippedAttachments)

	links := h.store.Links(msgID)
	require.Len(t, links, 1)
	assert.Equal(t, "good.pdf", links[0].Filename)

	// 输入不登记，存储恢复后重跑补齐缺失的附件
	assert.False(t, h.processed("a.zip"))
	unblock()

	stats, err = h.run(context.Background(), defaultOptions(), cas.Config{}, false, "a.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AttachmentsLinked)
	assert.Len(t, h.store.Links(msgID), 2)
	assert.True(t, h.processed("a.zip"))
}

func TestRun_CorruptPayloadsDoNotStopRun(t *testing.T) {
	h := newHarness(t)
	h.store.AddMessage("a@enron.com", "scan", sentAt)

	var units []source.Unit
	for i := 0; i < 12; i++ {
		doc := fmt.Sprintf("D%d", i)
		corrupt := source.NewAttachment(source.Attachment{DocumentID: doc + ".1", Filename: "scan.pdf", Order: 1, Size: -1},
			func() (io.ReadCloser, error) { return io.NopCloser(corruptReader{}), nil })
		units = append(units, email("a.zip", doc, "a@enron.com", "scan", sentAt, corrupt))
	}
	h.addSource(&fakeSource{id: "a.zip", units: units})

	opts := Options{Workers: 1, AttachmentConcurrency: 1, BatchSize: 10, UnitTimeout: time.Minute}
	stats, err := h.run(context.Background(), opts, cas.Config{FailureThreshold: 10}, false, "a.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(12), stats.UnitsSeen)
	assert.Equal(t, int64(12), stats.UnitsCommitted)
	assert.Equal(t, int64(12), stats.AttachmentsFailed)
	assert.Equal(t, int64(0), stats.AttachmentsStored)
	// 损坏的数据重跑结果相同，输入照常登记
	assert.True(t, h.processed("a.zip"))
}

func TestRun_ExportsUnlinkedUnits(t *testing.T) {
	h := newHarness(t)
	h.store.AddMessage("a@enron.com", "known", sentAt)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "a@enron.com", "known", sentAt, attachment("D1.1", 1, "linked.txt", []byte("linked"))),
		email("a.zip", "D2", "a@enron.com", "nobody sent this", sentAt, attachment("D2.1", 1, "orphan.txt", []byte("orphan"))),
		email("a.zip", "D3", "", "no sender", sentAt, attachment("D3.1", 1, "anon.txt", []byte("anon"))),
		email("a.zip", "D4", "a@enron.com", "no attachments", sentAt),
	}})

	opts := defaultOptions()
	opts.ExportDir = filepath.Join(t.TempDir(), "unlinked")
	stats, err := h.run(context.Background(), opts, cas.Config{}, false, "a.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.UnlinkedExported)
	require.NotEmpty(t, stats.UnlinkedFile)
	assert.Equal(t, filepath.Join(opts.ExportDir, "unlinked-"+stats.RunID+".jsonl"), stats.UnlinkedFile)

	f, err := os.Open(stats.UnlinkedFile)
	require.NoError(t, err)
	defer f.Close()

	byUnit := map[string]UnlinkedRecord{}
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec UnlinkedRecord
		require.NoError(t, dec.Decode(&rec))
		byUnit[rec.UnitID] = rec
	}
	require.Len(t, byUnit, 2)

	orphan := byUnit["a.zip#D2"]
	assert.Equal(t, "unmatched", orphan.Reason)
	assert.Equal(t, stats.RunID, orphan.RunID)
	assert.Equal(t, "a.zip", orphan.InputID)
	assert.Equal(t, "nobody sent this", orphan.Email.Subject)
	require.Len(t, orphan.Attachments, 1)
	assert.Equal(t, cas.ComputeDigest([]byte("orphan")), orphan.Attachments[0].Digest)
	assert.NotEmpty(t, orphan.Attachments[0].StoragePath)
	assert.FileExists(t, filepath.Join(h.blobsRoot, orphan.Attachments[0].StoragePath))

	assert.Equal(t, "unlinkable", byUnit["a.zip#D3"].Reason)
}

func TestRun_NoExportWhenEverythingLinks(t *testing.T) {
	h := newHarness(t)
	h.store.AddMessage("a@enron.com", "known", sentAt)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "a@enron.com", "known", sentAt, attachment("D1.1", 1, "linked.txt", []byte("linked"))),
	}})

	opts := defaultOptions()
	opts.ExportDir = filepath.Join(t.TempDir(), "unlinked")
	stats, err := h.run(context.Background(), opts, cas.Config{}, false, "a.zip")
	require.NoError(t, err)

	assert.Empty(t, stats.UnlinkedFile)
	assert.NoDirExists(t, opts.ExportDir)
}

func TestRun_SkipLedger(t *testing.T) {
	h := newHarness(t)
	h.store.AddMessage("a@enron.com", "one", sentAt)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "a@enron.com", "one", sentAt, attachment("D1.1", 1, "one.txt", []byte("one"))),
	}})

	opts := defaultOptions()
	opts.SkipLedger = true
	stats, err := h.run(context.Background(), opts, cas.Config{}, false, "a.zip")
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.InputsCompleted)
	assert.False(t, h.processed("a.zip"))
	assert.NoFileExists(t, h.ledgerPath)
}

func TestRun_MissingPayloadSkipsAttachment(t *testing.T) {
	h := newHarness(t)
	msgID := h.store.AddMessage("a@enron.com", "one", sentAt)
	missing := source.Attachment{DocumentID: "D1.1", Filename: "gone.pdf", Order: 1, Size: -1}
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "a@enron.com", "one", sentAt, missing, attachment("D1.2", 2, "here.pdf", []byte("here"))),
	}})

	stats, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "a.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.AttachmentsFailed)
	assert.Equal(t, int64(1), stats.AttachmentsLinked)
	assert.Len(t, h.store.Links(msgID), 1)
}

func TestRun_UnopenableInputIsNotRecorded(t *testing.T) {
	h := newHarness(t)
	stats, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "missing.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.InputsSeen)
	assert.Equal(t, int64(0), stats.InputsCompleted)
	assert.Equal(t, int64(1), stats.Errors)
	assert.False(t, h.processed("missing.zip"))
}

func TestSaveStatistics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run_stats.json")
	in := domain.RunStatistics{RunID: "r1", UnitsSeen: 3, AttachmentsLinked: 2}
	require.NoError(t, SaveStatistics(path, in))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out domain.RunStatistics
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestOptionsNormalized(t *testing.T) {
	o := Options{BatchSize: 50000}.normalized()
	assert.Equal(t, 1, o.Workers)
	assert.Equal(t, 1, o.AttachmentConcurrency)
	assert.Equal(t, maxBatchSize, o.BatchSize)
	assert.Equal(t, defaultBatchTimeout, o.BatchTimeout)
}

// corruptReader 模拟压缩包成员校验失败
type corruptReader struct{}

func (corruptReader) Read([]byte) (int, error) { return 0, errors.New("zip: checksum error") }

func TestProgress(t *testing.T) {
	h := newHarness(t)
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "a@enron.com", "x", sentAt),
	}})

	files, err := filesystem.NewStore(h.blobsRoot)
	require.NoError(t, err)
	index, err := cas.OpenBadgerIndex("", nil)
	require.NoError(t, err)
	blobs := cas.NewStore(files, index, cas.Config{}, nil)
	defer blobs.Close()
	l, err := ledger.Open(h.ledgerPath, false, nil)
	require.NoError(t, err)

	p, err := New(defaultOptions(), Deps{
		Blobs:   blobs,
		Store:   h.store,
		Matcher: linkage.NewMatcher(h.store, linkage.DefaultPolicy()),
		Ledger:  l,
		Open:    func(path string) (source.Source, error) { return h.sources[path], nil },
	})
	require.NoError(t, err)
	assert.Empty(t, p.Progress().RunID)

	stats, err := p.Run(context.Background(), []string{"a.zip"})
	require.NoError(t, err)

	progress := p.Progress()
	assert.Equal(t, stats.RunID, progress.RunID)
	assert.Equal(t, int64(1), progress.UnitsCommitted)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(defaultOptions(), Deps{})
	assert.Error(t, err)
}

func TestRun_DetectsMissingMimeType(t *testing.T) {
	h := newHarness(t)
	h.store.AddMessage("a@enron.com", "scan", sentAt)
	noType := source.NewMemoryAttachment(source.Attachment{DocumentID: "D1.1", Filename: "scan", Order: 1},
		[]byte("%PDF-1.4\n%binary"))
	h.addSource(&fakeSource{id: "a.zip", units: []source.Unit{
		email("a.zip", "D1", "a@enron.com", "scan", sentAt, noType),
	}})

	_, err := h.run(context.Background(), defaultOptions(), cas.Config{}, false, "a.zip")
	require.NoError(t, err)

	att, err := h.store.AttachmentByDigest(cas.ComputeDigest([]byte("%PDF-1.4\n%binary")))
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", att.MimeType)
}
