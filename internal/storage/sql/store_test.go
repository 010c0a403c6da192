package sql

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ballance/enron/internal/config"
	"github.com/ballance/enron/internal/domain"
	"github.com/ballance/enron/internal/linkage"
	"github.com/ballance/enron/internal/storage"
)

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\% \_done\\`, escapeLike(`100% _done\`))
	assert.Equal(t, "budget", escapeLike("budget"))
}

// setupIntegrationStore 需要 ENRON_TEST_DATABASE_DSN（和可选的 ENRON_TEST_DATABASE_TYPE）
func setupIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ENRON_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("ENRON_TEST_DATABASE_DSN not set, skipping integration test")
	}
	dbType := os.Getenv("ENRON_TEST_DATABASE_TYPE")
	if dbType == "" {
		dbType = "postgres"
	}

	store, err := Open(&config.DatabaseConfig{
		Type:         dbType,
		DSN:          dsn,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		QueryTimeout: 10 * time.Second,
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.AutoMigrate(ctx))
	for _, table := range []string{"message_attachments", "attachments", "messages", "people"} {
		require.NoError(t, store.db.Exec("DELETE FROM "+table).Error)
	}
	return store
}

func TestStore_Integration(t *testing.T) {
	store := setupIntegrationStore(t)
	ctx := context.Background()

	sent := time.Date(2001, 5, 30, 16, 0, 0, 0, time.UTC)
	person := domain.Person{Email: "Kenneth.Lay@enron.com"}
	require.NoError(t, store.db.Create(&person).Error)
	msg := domain.Message{FromPersonID: person.ID, Subject: "RE: 100% budget", Date: sent}
	require.NoError(t, store.db.Create(&msg).Error)

	matcher := linkage.NewMatcher(store, linkage.DefaultPolicy())

	t.Run("关联查询", func(t *testing.T) {
		ids, err := matcher.FindCandidates(ctx, "kenneth.lay@enron.com", "100% Budget", sent.Add(6*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []int64{msg.ID}, ids)

		ids, err = matcher.FindCandidates(ctx, "kenneth.lay@enron.com", "100% Budget", sent.Add(13*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, ids)

		// % 按字面匹配
		ids, err = matcher.FindCandidates(ctx, "kenneth.lay@enron.com", "100x budget", sent)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	rec := domain.AttachmentRecord{
		Digest:           domain.Digest("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"),
		OriginalFilename: "budget.xls",
		Size:             3,
		StoragePath:      "ba/78/ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad.xls",
	}

	t.Run("写入幂等", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			err := store.WithinBatch(ctx, func(b storage.Batch) error {
				id, err := b.UpsertAttachment(ctx, rec)
				if err != nil {
					return err
				}
				if _, err := b.LinkAttachment(ctx, domain.MessageAttachment{
					MessageID: msg.ID, AttachmentID: id, AttachmentOrder: 1, Filename: rec.OriginalFilename,
				}); err != nil {
					return err
				}
				return b.MarkHasAttachments(ctx, msg.ID)
			})
			require.NoError(t, err)
		}

		counts, err := store.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Attachments)
		assert.Equal(t, int64(1), counts.MessageAttachments)

		var reloaded domain.Message
		require.NoError(t, store.db.First(&reloaded, msg.ID).Error)
		assert.True(t, reloaded.HasAttachments)
	})

	t.Run("失败批次整体回滚", func(t *testing.T) {
		other := rec
		other.Digest = domain.Digest("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
		boom := errors.New("boom")

		err := store.WithinBatch(ctx, func(b storage.Batch) error {
			if _, err := b.UpsertAttachment(ctx, other); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		counts, err := store.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Attachments)
	})
}
