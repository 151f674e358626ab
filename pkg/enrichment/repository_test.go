package enrichment

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postID = "3f0f8c1a-8f53-4f7e-9a3f-07a86a33fb11"

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db), mock
}

func TestUpsert_InsertsWithParamsHash(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO post_enrichment")).
		WithArgs(postID, "crawl", "httpfetch",
			sql.NullString{String: "abc123", Valid: true},
			[]byte(`{"url":"https://example.org"}`), "ok",
			sql.NullString{}).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))

	version, err := repo.Upsert(context.Background(), postID, "crawl", "httpfetch",
		json.RawMessage(`{"url":"https://example.org"}`), "ok", "", "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_EmptyParamsHashBecomesNull(t *testing.T) {
	repo, mock := newMockRepo(t)

	// NULL params_hash feeds the COALESCE so an existing hash survives.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO post_enrichment")).
		WithArgs(postID, "general", "pipeline",
			sql.NullString{}, []byte(`{}`), "ok", sql.NullString{}).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))

	version, err := repo.Upsert(context.Background(), postID, "general", "pipeline",
		nil, "ok", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_UnknownKindRejected(t *testing.T) {
	repo, _ := newMockRepo(t)

	_, err := repo.Upsert(context.Background(), postID, "sentiment", "x", nil, "ok", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown enrichment kind")
}

func TestUpsert_VisionSyncsLegacyColumns(t *testing.T) {
	repo, mock := newMockRepo(t)

	data := json.RawMessage(`{"description":"a cat","classification":"photo","ocr":{"text":"hello"}}`)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO post_enrichment")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE posts SET description")).
		WithArgs(postID, "a cat", "photo", "hello").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := repo.Upsert(context.Background(), postID, "vision", "openai", data, "ok", "", "h1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_TagsSyncToArrayColumn(t *testing.T) {
	repo, mock := newMockRepo(t)

	data := json.RawMessage(`{"tags":["ai","golang"]}`)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO post_enrichment")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE posts SET tags")).
		WithArgs(postID, pq.Array([]string{"ai", "golang"})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := repo.Upsert(context.Background(), postID, "tags", "llm", data, "ok", "", "h2")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_ReturnsNoRowsUnchanged(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT post_id, kind").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), postID, "vision")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestComputeParamsHash_Deterministic(t *testing.T) {
	a := ComputeParamsHash("gpt-4o-mini", "v1", map[string]any{"sha256": "aa", "provider": "openai"})
	b := ComputeParamsHash("gpt-4o-mini", "v1", map[string]any{"provider": "openai", "sha256": "aa"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c := ComputeParamsHash("gpt-4o-mini", "v2", map[string]any{"provider": "openai", "sha256": "aa"})
	assert.NotEqual(t, a, c)
}

func TestComputeFeaturesHash_OrderInsensitiveLabels(t *testing.T) {
	a := ComputeFeaturesHash([]string{"cat", "meme"}, "a funny cat")
	b := ComputeFeaturesHash([]string{"meme", "cat"}, "a funny cat")
	assert.Equal(t, a, b)

	c := ComputeFeaturesHash([]string{"meme", "cat"}, "a different caption")
	assert.NotEqual(t, a, c)
}

func TestComputeTagsHash_OrderInsensitive(t *testing.T) {
	assert.Equal(t,
		ComputeTagsHash([]string{"x", "y"}),
		ComputeTagsHash([]string{"y", "x"}))
}
