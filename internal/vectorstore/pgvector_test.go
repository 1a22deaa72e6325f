package vectorstore

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PGVectorStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPGVectorStoreWithDB(db, "", 3)
	require.NoError(t, err)
	return store, mock
}

func TestNewPGVectorStoreWithDB_RejectsBadTable(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewPGVectorStoreWithDB(db, "chunks; DROP TABLE x", 3)
	assert.Error(t, err)
}

func TestPGVectorStore_Search(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "document_id", "content", "metadata", "similarity"}).
		AddRow("c1", "doc1", "use spot instances", []byte(`{"source":"aws.md","provider":"aws"}`), 0.91).
		AddRow("c2", "doc2", "rightsize VMs", []byte(`{}`), 0.42)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, document_id, content, metadata, 1 - (embedding <=> $1) AS similarity")).
		WithArgs(sqlmock.AnyArg(), 5).
		WillReturnRows(rows)

	results, err := store.Search(context.Background(), []float32{0.1, 0.2, 0.3}, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, "aws", results[0].Metadata[MetaProvider])
	assert.InDelta(t, 0.91, results[0].Score, 1e-6)
	assert.Empty(t, results[1].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_SearchValidatesVector(t *testing.T) {
	store, mock := newMockStore(t)

	tests := []struct {
		name   string
		vector []float32
	}{
		{"empty", nil},
		{"wrong dimension", []float32{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Search(context.Background(), tt.vector, 5)
			assert.True(t, errors.Is(err, ErrDimensionMismatch))
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_SearchUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id").WillReturnError(errors.New("connection refused"))

	_, err := store.Search(context.Background(), []float32{1, 0, 0}, 5)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPGVectorStore_UpsertTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cloud_cost_chunks")).
		WithArgs("c1", "doc1", "text", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Upsert(context.Background(), []Chunk{
		{ID: "c1", DocumentID: "doc1", Content: "text", Vector: []float32{1, 0, 0}, Metadata: map[string]string{MetaSource: "a.md"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_UpsertRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.Upsert(context.Background(), []Chunk{{ID: "c1", Vector: []float32{1, 0, 0}}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_Stats(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*), COUNT(DISTINCT document_id)")).
		WillReturnRows(sqlmock.NewRows([]string{"count", "docs"}).AddRow(10, 4))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT metadata->>$1")).
		WithArgs(MetaSource).
		WillReturnRows(sqlmock.NewRows([]string{"k", "count"}).AddRow("aws.md", 6).AddRow("gcp.md", 4))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT metadata->>$1")).
		WithArgs(MetaProvider).
		WillReturnRows(sqlmock.NewRows([]string{"k", "count"}).AddRow("aws", 6).AddRow("gcp", 4))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Chunks)
	assert.Equal(t, 4, stats.Documents)
	assert.Equal(t, 3, stats.Dimension)
	assert.Equal(t, 6, stats.BySource["aws.md"])
	assert.Equal(t, 4, stats.ByProvider["gcp"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_MissingTableIsEmptyCorpus(t *testing.T) {
	missing := &pgconn.PgError{Code: "42P01", Message: `relation "cloud_cost_chunks" does not exist`}

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, document_id, content, metadata")).
		WillReturnError(missing)
	results, err := store.Search(context.Background(), []float32{0.1, 0.2, 0.3}, 5)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*), COUNT(DISTINCT document_id)")).
		WillReturnError(missing)
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Chunks)
	assert.Equal(t, 3, stats.Dimension)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_OtherErrorsAreUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, document_id, content, metadata")).
		WillReturnError(&pgconn.PgError{Code: "57P01", Message: "terminating connection"})

	_, err := store.Search(context.Background(), []float32{0.1, 0.2, 0.3}, 5)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPGVectorStore_DeleteStale(t *testing.T) {
	store, mock := newMockStore(t)
	del := regexp.QuoteMeta("DELETE FROM cloud_cost_chunks")

	mock.ExpectBegin()
	mock.ExpectExec(del).WithArgs("gcp", "run-2").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(del).WithArgs("aws", "run-2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, store.DeleteStale(context.Background(), []string{"gcp", "aws"}, "run-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_DeleteStaleWithoutTable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM")).
		WillReturnError(&pgconn.PgError{Code: "42P01"})
	mock.ExpectRollback()

	require.NoError(t, store.DeleteStale(context.Background(), []string{"gcp"}, "run-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
