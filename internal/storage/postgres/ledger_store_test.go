package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/ledger"
)

var _ ledger.Store = (*LedgerStore)(nil)

func newMockStore(t *testing.T) (*LedgerStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewLedgerStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestNewLedgerStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLedgerStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewLedgerStoreWithPool(mock, "results; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")

	_, err = NewLedgerStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestAppendResultsInsertsRowsInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	results := []apply.ApplicationResult{
		{ID: "r1", WorkItemID: "job-1", WorkerID: "worker-1", Outcome: apply.OutcomeSuccess, Attempts: 1, Timestamp: now},
		{ID: "r2", WorkItemID: "job-2", WorkerID: "worker-2", Outcome: apply.OutcomePermanentFailure, Attempts: 1, Detail: "position closed", Timestamp: now},
	}

	mock.ExpectBegin()
	for _, r := range results {
		mock.ExpectExec("INSERT INTO application_results").
			WithArgs(r.ID, r.WorkItemID, r.WorkerID, string(r.Outcome), r.Attempts, r.Detail, r.Timestamp).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.AppendResults(context.Background(), results))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendResultsRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO application_results").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.AppendResults(context.Background(), []apply.ApplicationResult{
		{ID: "r1", WorkItemID: "job-1", Outcome: apply.OutcomeSuccess, Attempts: 1},
	})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendResultsEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	require.NoError(t, store.AppendResults(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadProcessed(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT DISTINCT work_item_id FROM application_results\s+WHERE outcome <> \$1 AND NOT \(outcome = \$2 AND attempts = 0\)`).
		WithArgs(string(apply.OutcomeTransientFailure), string(apply.OutcomeAlreadyProcessed)).
		WillReturnRows(pgxmock.NewRows([]string{"work_item_id"}).AddRow("job-1").AddRow("job-7"))

	ids, err := store.LoadProcessed(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"job-1", "job-7"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerOpenRestoresProcessedSet(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT DISTINCT work_item_id").
		WithArgs(string(apply.OutcomeTransientFailure), string(apply.OutcomeAlreadyProcessed)).
		WillReturnRows(pgxmock.NewRows([]string{"work_item_id"}).AddRow("job-1"))

	ldg, err := ledger.Open(context.Background(), store, nil)
	require.NoError(t, err)
	require.False(t, ldg.TryClaim("job-1"))
	require.True(t, ldg.TryClaim("job-2"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS application_results").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
