package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aevon-lab/queuewatch/internal/jobevents"
	"github.com/stretchr/testify/require"
)

func TestArchiveAdapter_Save(t *testing.T) {
	at := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	events := []jobevents.Event{
		{Queue: "mail", JobID: "1", JobName: "send", Type: jobevents.Active, Offset: jobevents.Offset{Ms: at.UnixMilli()}, Timestamp: at},
		{Queue: "mail", JobID: "1", JobName: "send", Type: jobevents.Completed, Offset: jobevents.Offset{Ms: at.UnixMilli(), Seq: 1}, Timestamp: at},
	}

	tests := []struct {
		name    string
		expect  func(mock sqlmock.Sqlmock)
		wantErr string
	}{
		{
			name: "commits every event",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				for _, e := range events {
					mock.ExpectExec(regexp.QuoteMeta(queryInsertEvent)).
						WithArgs("h1", e.Queue, e.JobID, e.JobName, string(e.Type), e.Offset.Ms, e.Offset.Seq, e.Timestamp).
						WillReturnResult(sqlmock.NewResult(0, 1))
				}
				mock.ExpectCommit()
			},
		},
		{
			name: "insert error rolls back",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(queryInsertEvent)).
					WillReturnError(errors.New("disk full"))
				mock.ExpectRollback()
			},
			wantErr: "failed to archive event",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter, mock, db := newMockAdapter(t)
			defer db.Close()

			tc.expect(mock)
			err := adapter.Save(context.Background(), "h1", events)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestArchiveAdapter_SaveEmptyIsNoop(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	require.NoError(t, adapter.Save(context.Background(), "h1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveAdapter_ReadAfter(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	at := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(queryReadAfter)).
		WithArgs("h1", "mail", int64(100), int64(2), 2).
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow("mail", "7", "send", "active", int64(100), int64(3), at).
			AddRow("mail", "7", "send", "completed", int64(250), int64(0), at.Add(150*time.Millisecond)),
		).RowsWillBeClosed()

	events, err := adapter.ReadAfter(context.Background(), "h1", "mail", jobevents.Offset{Ms: 100, Seq: 2}, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, jobevents.Active, events[0].Type)
	require.Equal(t, jobevents.Offset{Ms: 100, Seq: 3}, events[0].Offset)
	require.Equal(t, jobevents.Completed, events[1].Type)
	require.Equal(t, at.Add(150*time.Millisecond), events[1].Timestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveAdapter_Prune(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	before := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(queryPruneBefore)).
		WithArgs("h1", before).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := adapter.Prune(context.Background(), "h1", before)
	require.NoError(t, err)
	require.Equal(t, int64(12), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewArchiveAdapter_MissingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryTableExists)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = NewArchiveAdapter(db, nil)
	require.ErrorContains(t, err, "did you run migrations")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveAdapter_CloseReturnsDBCloseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	dbCloseErr := errors.New("db close failed")

	mock.ExpectQuery(regexp.QuoteMeta(queryTableExists)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectPrepare(regexp.QuoteMeta(queryReadAfter)).WillBeClosed()
	mock.ExpectPrepare(regexp.QuoteMeta(queryPruneBefore)).WillBeClosed()
	mock.ExpectClose().WillReturnError(dbCloseErr)

	adapter, err := NewArchiveAdapter(db, nil)
	require.NoError(t, err)

	err = adapter.Close()
	require.ErrorContains(t, err, "failed to close database")
	require.ErrorIs(t, err, dbCloseErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func newMockAdapter(t *testing.T) (*ArchiveAdapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(queryTableExists)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectPrepare(regexp.QuoteMeta(queryReadAfter))
	mock.ExpectPrepare(regexp.QuoteMeta(queryPruneBefore))

	adapter, err := NewArchiveAdapter(db, nil)
	require.NoError(t, err)
	return adapter, mock, db
}

func eventRowColumns() []string {
	return []string{
		"queue",
		"job_id",
		"job_name",
		"event_type",
		"offset_ms",
		"offset_seq",
		"occurred_at",
	}
}
