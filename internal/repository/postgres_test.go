package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/core/internal/model"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgres_Ping(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectPing()

	err := p.Ping(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateRequest(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO requests").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("req-1", now, now))

	req := &model.Request{Type: model.MediaMovie, CatalogID: 1, Title: "Arrival"}
	err := p.CreateRequest(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, model.StatusPending, req.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func itemRow(id string, status model.Status) *sqlmock.Rows {
	now := time.Now()
	cols := []string{
		"id", "request_id", "kind", "catalog_id", "title", "year", "season", "episode",
		"status", "current_step", "step_context", "checkpoint",
		"attempts", "max_attempts", "last_error", "error_history",
		"next_retry_at", "skip_until", "cooldown_ends_at",
		"download_id", "encoding_job_id",
		"progress", "last_progress_update", "last_progress_value",
		"downloaded_at", "encoded_at", "delivered_at", "completed_at",
		"created_at", "updated_at",
	}
	return sqlmock.NewRows(cols).AddRow(
		id, "req-1", model.KindMovie, int64(1), "Arrival", 2016, 0, 0,
		status, "", []byte(`{}`), []byte(`{}`),
		0, 5, "", []byte(`[]`),
		nil, nil, nil,
		nil, nil,
		0, nil, 0,
		nil, nil, nil, nil,
		now, now,
	)
}

func TestPostgres_FindByID_Found(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT .* FROM items WHERE id = ").
		WillReturnRows(itemRow("item-1", model.StatusPending))

	item, err := p.FindByID(context.Background(), "item-1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, "Arrival", item.Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindByID_NotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT .* FROM items WHERE id = ").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "request_id", "kind", "catalog_id", "title", "year", "season", "episode",
			"status", "current_step", "step_context", "checkpoint",
			"attempts", "max_attempts", "last_error", "error_history",
			"next_retry_at", "skip_until", "cooldown_ends_at",
			"download_id", "encoding_job_id",
			"progress", "last_progress_update", "last_progress_value",
			"downloaded_at", "encoded_at", "delivered_at", "completed_at",
			"created_at", "updated_at",
		}))

	_, err := p.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_UpdateStatus(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT .* FROM items WHERE id = ").
		WillReturnRows(itemRow("item-1", model.StatusDownloading))
	mock.ExpectExec("UPDATE items SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := p.UpdateStatus(context.Background(), "item-1", model.StatusDownloaded, StatusPatch{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDownloaded, updated.Status)
	assert.NotNil(t, updated.DownloadedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateProgress(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec("UPDATE items SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM items WHERE id = ").
		WillReturnRows(itemRow("item-1", model.StatusDownloading))

	updated, err := p.UpdateProgress(context.Background(), "item-1", 50, ProgressPatch{LastProgressValue: 50, LastProgressUpdate: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "item-1", updated.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ResetAttempts(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec("UPDATE items SET attempts = 0").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.ResetAttempts(context.Background(), "item-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetTargetServer_NotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT .* FROM target_servers WHERE id = ").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "transport_kind", "root_path", "concurrency_per_server",
			"endpoint", "region", "access_key", "secret_key", "use_ssl",
		}))

	_, err := p.GetTargetServer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_DeleteRequest_CommitsTransaction(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM items WHERE request_id = ").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM requests WHERE id = ").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.DeleteRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
