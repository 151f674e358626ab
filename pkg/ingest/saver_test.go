package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSaver(t *testing.T) (*Saver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSaver(db), mock
}

func testBatch() Batch {
	return Batch{
		ChannelID: 42,
		UserID:    "9f0f8c1a-8f53-4f7e-9a3f-07a86a33fb11",
		TenantID:  "t1",
		TraceID:   "trace-1",
		Posts: []PostInput{{
			MessageSeq: 1001,
			Text:       "hello world",
			PostedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		}},
	}
}

func TestSaveBatch_ChannelNotFound(t *testing.T) {
	saver, mock := newMockSaver(t)

	mock.ExpectQuery("SELECT id FROM channels WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := saver.SaveBatch(context.Background(), testBatch())
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestSaveBatch_UserNotSubscribed(t *testing.T) {
	saver, mock := newMockSaver(t)

	mock.ExpectQuery("SELECT id FROM channels WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT is_active FROM user_channel").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}))

	_, err := saver.SaveBatch(context.Background(), testBatch())
	assert.ErrorIs(t, err, ErrUserNotSubscribed)
}

func TestSaveBatch_SubscriptionInactive(t *testing.T) {
	saver, mock := newMockSaver(t)

	mock.ExpectQuery("SELECT id FROM channels WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT is_active FROM user_channel").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(false))

	_, err := saver.SaveBatch(context.Background(), testBatch())
	assert.ErrorIs(t, err, ErrSubscriptionInactive)
}

func TestSaveBatch_NewPostQueuesParsedEvent(t *testing.T) {
	saver, mock := newMockSaver(t)

	mock.ExpectQuery("SELECT id FROM channels WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT is_active FROM user_channel").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO posts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("5b67e6f0-0000-4000-8000-000000000001"))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := saver.SaveBatch(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, []string{"5b67e6f0-0000-4000-8000-000000000001"}, res.PostIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatch_DuplicatePostIsNoOp(t *testing.T) {
	saver, mock := newMockSaver(t)

	mock.ExpectQuery("SELECT id FROM channels WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT is_active FROM user_channel").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

	mock.ExpectBegin()
	// Conflict path: RETURNING yields no rows, existing id is fetched and
	// no outbox row is written.
	mock.ExpectQuery("INSERT INTO posts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM posts WHERE channel_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("5b67e6f0-0000-4000-8000-000000000001"))
	mock.ExpectCommit()

	res, err := saver.SaveBatch(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Len(t, res.PostIDs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatch_MediaBumpsRefsOnlyWhenMapped(t *testing.T) {
	saver, mock := newMockSaver(t)

	batch := testBatch()
	batch.Posts[0].Media = []MediaInput{{
		SHA256:    "aa11",
		Key:       "media/t1/aa/aa11.jpg",
		MIME:      "image/jpeg",
		SizeBytes: 100,
	}}

	mock.ExpectQuery("SELECT id FROM channels WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT is_active FROM user_channel").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO posts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("5b67e6f0-0000-4000-8000-000000000001"))
	mock.ExpectExec("INSERT INTO media_objects").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO post_media_map").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE media_objects SET refs_count").
		WithArgs("aa11").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// posts.parsed, then posts.vision.uploaded.
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	_, err := saver.SaveBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlbumKind(t *testing.T) {
	assert.Equal(t, "photo", albumKind([]string{"image/jpeg", "image/png"}))
	assert.Equal(t, "video", albumKind([]string{"video/mp4"}))
	assert.Equal(t, "document", albumKind([]string{"application/pdf", "application/zip"}))
	assert.Equal(t, "mixed", albumKind([]string{"image/jpeg", "video/mp4"}))
	assert.Equal(t, "photo", albumKind(nil))
}

func TestSaveBatch_AlbumKindFromMemberMIMEs(t *testing.T) {
	saver, mock := newMockSaver(t)

	batch := testBatch()
	batch.Posts[0].GroupedID = 777
	batch.Posts[0].Media = []MediaInput{
		{SHA256: "aa11", Key: "media/t1/aa/aa11.jpg", MIME: "image/jpeg", SizeBytes: 100},
		{SHA256: "bb22", Key: "media/t1/bb/bb22.mp4", MIME: "video/mp4", SizeBytes: 200},
	}

	mock.ExpectQuery("SELECT id FROM channels WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT is_active FROM user_channel").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO posts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("5b67e6f0-0000-4000-8000-000000000001"))
	for _, sha := range []string{"aa11", "bb22"} {
		mock.ExpectExec("INSERT INTO media_objects").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO post_media_map").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE media_objects SET refs_count").
			WithArgs(sha).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(2, 1))
	// One image plus one video member classifies the group as mixed.
	mock.ExpectQuery("INSERT INTO media_groups").
		WithArgs(sqlmock.AnyArg(), "t1", int64(42), int64(777), 1, "mixed").
		WillReturnRows(sqlmock.NewRows([]string{"id", "items_count"}).
			AddRow("6c78f7a1-0000-4000-8000-000000000002", 1))
	mock.ExpectQuery("SELECT id FROM posts WHERE channel_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("5b67e6f0-0000-4000-8000-000000000001"))
	mock.ExpectExec("INSERT INTO media_group_items").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	res, err := saver.SaveBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Albums)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatch_MediaMapConflictSkipsRefsBump(t *testing.T) {
	saver, mock := newMockSaver(t)

	batch := testBatch()
	batch.Posts[0].Media = []MediaInput{{
		SHA256: "aa11", Key: "media/t1/aa/aa11.jpg", MIME: "image/jpeg", SizeBytes: 100,
	}}

	mock.ExpectQuery("SELECT id FROM channels WHERE id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery("SELECT is_active FROM user_channel").
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO posts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).
			AddRow("5b67e6f0-0000-4000-8000-000000000001"))
	mock.ExpectExec("INSERT INTO media_objects").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Map row already exists: zero rows affected, no refs bump follows.
	mock.ExpectExec("INSERT INTO post_media_map").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox_events").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	_, err := saver.SaveBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
