package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/clock/manual"
	"github.com/JakeFAU/autoapply/internal/jobs"
	"github.com/JakeFAU/autoapply/internal/store"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	now := time.Unix(1700000000, 0).UTC()
	s, err := NewWithPool(mock, "", manual.New(now))
	require.NoError(t, err)
	return s, mock, now
}

func TestSaveUpserts(t *testing.T) {
	t.Parallel()

	s, mock, now := newMockStore(t)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("jobs", "j1", []byte(`{"title":"Engineer"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.Save(context.Background(), "jobs", "j1", map[string]string{"title": "Engineer"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWrapsPersistenceError(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("jobs", "j1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := s.Save(context.Background(), "jobs", "j1", map[string]string{})
	require.ErrorIs(t, err, jobs.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	mock.ExpectQuery("SELECT body FROM documents").
		WithArgs("tasks", "t1").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow([]byte(`{"id":"t1","state":"pending"}`)))
	mock.ExpectQuery("SELECT body FROM documents").
		WithArgs("tasks", "missing").
		WillReturnRows(pgxmock.NewRows([]string{"body"}))

	var task jobs.ApplicationTask
	require.NoError(t, s.Get(context.Background(), "tasks", "t1", &task))
	require.Equal(t, jobs.TaskPending, task.State)

	err := s.Get(context.Background(), "tasks", "missing", &task)
	require.ErrorIs(t, err, jobs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	mock.ExpectQuery("SELECT body FROM documents WHERE collection").
		WithArgs("tasks").
		WillReturnRows(pgxmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"id":"a","session_id":"s1"}`)).
			AddRow([]byte(`{"id":"b","session_id":"s2"}`)))

	raws, err := s.Query(context.Background(), "tasks", store.Field("session_id", "s2"))
	require.NoError(t, err)
	require.Len(t, raws, 1)
	require.JSONEq(t, `{"id":"b","session_id":"s2"}`, string(raws[0]))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAndTableValidation(t *testing.T) {
	t.Parallel()

	s, mock, _ := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	_, err := NewWithPool(mock, "bad-name", nil)
	require.Error(t, err)
	_, err = NewWithPool(nil, "", nil)
	require.Error(t, err)
}
