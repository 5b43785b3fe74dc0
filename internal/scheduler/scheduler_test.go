package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/statcan-wds/ingestor/internal/artifact"
	"github.com/statcan-wds/ingestor/internal/contentstore"
	"github.com/stretchr/testify/require"
)

func TestIsNoChangeViolation(t *testing.T) {
	require.True(t, isNoChangeViolation(errors.New(`pq: duplicate key value violates unique constraint "manage_cube_raw_files_productid_file_hash_key"`)))
	require.False(t, isNoChangeViolation(errors.New("connection refused")))
	require.False(t, isNoChangeViolation(nil))
}

func TestFetchLoopAdoptsNewArtifactThenDrains(t *testing.T) {
	dir := t.TempDir()
	store, err := contentstore.New(dir)
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT productid FROM raw_files.cube_status WHERE download_pending").
		WillReturnRows(sqlmock.NewRows([]string{"productid"}).AddRow(int64(10100001)))
	mock.ExpectExec("SAVEPOINT claim_insert").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE raw_files.manage_cube_raw_files SET active = FALSE WHERE productid = \\$1 AND active").
		WithArgs(int64(10100001)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO raw_files.manage_cube_raw_files").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE raw_files.cube_status SET download_pending = FALSE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT productid FROM raw_files.cube_status WHERE download_pending").
		WillReturnRows(sqlmock.NewRows([]string{"productid"}))
	mock.ExpectRollback()

	reg := artifact.New(db)
	sched, err := New(db, store, nil, reg, WithWorkers(1))
	require.NoError(t, err)

	fetch := func(ctx context.Context, productID int64) ([]byte, error) {
		return []byte("csv bytes"), nil
	}

	err = sched.fetchLoop(context.Background(), artifact.FamilyCube, artifact.StatusCube, contentstore.FamilyCube, 1, fetch)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastLoggedDateUsesProvidedNowOnEmptyHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT max\\(change_date\\) FROM raw_files.changed_cubes_log").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery("SELECT date_download FROM raw_files.manage_spine_raw_files WHERE active").
		WillReturnError(sql.ErrNoRows)

	sched := &Scheduler{db: db}
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	got, err := sched.lastLoggedDate(context.Background(), now)
	require.NoError(t, err)
	require.True(t, got.Equal(now.AddDate(0, 0, -2)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastLoggedDatePrefersLaterOfLogAndSpineLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	logDate := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	spineLoad := time.Date(2026, 8, 4, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT max\\(change_date\\) FROM raw_files.changed_cubes_log").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(logDate))
	mock.ExpectQuery("SELECT date_download FROM raw_files.manage_spine_raw_files WHERE active").
		WillReturnRows(sqlmock.NewRows([]string{"date_download"}).AddRow(spineLoad))

	sched := &Scheduler{db: db}
	got, err := sched.lastLoggedDate(context.Background(), time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, got.Equal(spineLoad))
	require.NoError(t, mock.ExpectationsWereMet())
}
