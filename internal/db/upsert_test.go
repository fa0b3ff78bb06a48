package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var provisionsUpsert = UpsertConfig{
	Table:        "gazette.provisions",
	Columns:      []string{"document_id", "path", "raw_text"},
	ConflictKeys: []string{"document_id", "path"},
}

func TestBulkUpsert_Validation(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, provisionsUpsert, nil)
	require.NoError(t, err, "no rows is a no-op before touching the pool")
	assert.Zero(t, n)

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{
		Table: "gazette.provisions", ConflictKeys: []string{"path"},
	}, [][]any{{"1"}})
	assert.ErrorContains(t, err, "no columns specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{
		Table: "gazette.provisions", Columns: []string{"path"},
	}, [][]any{{"1"}})
	assert.ErrorContains(t, err, "no conflict keys specified")
}

func TestUpsertConfig_MergeSQL(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "gazette"."provisions" ("document_id", "path", "raw_text") `+
			`SELECT "document_id", "path", "raw_text" FROM "_tmp_upsert_gazette_provisions" `+
			`ON CONFLICT ("document_id", "path") DO UPDATE SET "raw_text" = EXCLUDED."raw_text"`,
		provisionsUpsert.mergeSQL())

	keep := provisionsUpsert
	keep.UpdateCols = []string{}
	assert.Contains(t, keep.mergeSQL(), `ON CONFLICT ("document_id", "path") DO NOTHING`)
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"dead_letters"`, sanitizeTable("dead_letters"))
	assert.Equal(t, `"gazette"."provisions"`, sanitizeTable("gazette.provisions"))
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_gazette_provisions" \(LIKE "gazette"."provisions"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_gazette_provisions"}, provisionsUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "gazette"."provisions"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, provisionsUpsert,
		[][]any{{"nn-2024-012", "1", "Članak 1."}, {"nn-2024-012", "2", "Članak 2."}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_gazette_provisions"}, provisionsUpsert.Columns).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, provisionsUpsert, [][]any{{"nn-2024-012", "1", "x"}})
	assert.ErrorContains(t, err, "COPY into temp table for gazette.provisions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
