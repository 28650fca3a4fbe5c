package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madiyarbolatuly/browserd/internal/browser"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewTaskStoreWithPool(mock, fixedClock{t: testNow})
	require.NoError(t, err)
	return store, mock
}

func TestCreateTaskInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	task := browser.Task{ID: "t1", Kind: browser.TaskKindRender, URL: "https://example.com"}
	taskJSON := []byte(`{"id":"t1","kind":"render","url":"https://example.com"}`)

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("t1", "queued", testNow, "", taskJSON).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateTask(context.Background(), browser.TaskRecord{ID: "t1", Task: task})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTaskRequiresID(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	require.Error(t, store.CreateTask(context.Background(), browser.TaskRecord{}))
}

func TestUpdateTaskStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tasks SET").
		WithArgs("t1", "running", "", testNow, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateTaskStatus(context.Background(), "t1", browser.TaskStatusRunning, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusUnknownTask(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tasks SET").
		WithArgs("ghost", "running", "", testNow, false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM tasks").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	err := store.UpdateTaskStatus(context.Background(), "ghost", browser.TaskStatusRunning, "")
	require.ErrorIs(t, err, browser.ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatusAlreadyTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE tasks SET").
		WithArgs("t1", "failed", "late", testNow, true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM tasks").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("succeeded"))

	err := store.UpdateTaskStatus(context.Background(), "t1", browser.TaskStatusFailed, "late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already succeeded")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultFirstWriteWins(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	res := browser.Result{
		TaskID:      "t1",
		Status:      browser.TaskStatusSucceeded,
		Payload:     []byte("<html></html>"),
		ArtifactURI: "file:///outputs/t1.pdf",
		ContentHash: "abc123",
		DurationMs:  420,
	}

	mock.ExpectExec("INSERT INTO task_results").
		WithArgs("t1", "succeeded", res.Payload, "", res.ArtifactURI, res.ContentHash, res.DurationMs).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.RecordResult(context.Background(), res))

	mock.ExpectExec("INSERT INTO task_results").
		WithArgs("t1", "succeeded", res.Payload, "", res.ArtifactURI, res.ContentHash, res.DurationMs).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	require.Error(t, store.RecordResult(context.Background(), res))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	started := testNow.Add(time.Second)
	mock.ExpectQuery("SELECT status, submitted_at").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"status", "submitted_at", "started_at", "finished_at", "error_text", "task"},
		).AddRow("running", testNow, &started, (*time.Time)(nil), "", []byte(`{"id":"t1","kind":"pdf","url":"https://example.com"}`)))

	rec, err := store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, browser.TaskStatusRunning, rec.Status)
	assert.Equal(t, browser.TaskKindPDF, rec.Task.Kind)
	require.NotNil(t, rec.Started)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, submitted_at").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTask(context.Background(), "ghost")
	require.ErrorIs(t, err, browser.ErrTaskNotFound)
}

func TestGetResult(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, payload").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"status", "payload", "error_text", "artifact_uri", "content_hash", "duration_ms"},
		).AddRow("timed_out", []byte(nil), "task execution timed out", "", "", int64(30000)))

	res, err := store.GetResult(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, browser.TaskStatusTimedOut, res.Status)
	assert.Equal(t, 30*time.Second, res.Duration)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tasks").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
