package artifact

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestInsertDeactivatesThenInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE raw_files.manage_cube_raw_files SET active = FALSE WHERE productid = \\$1 AND active").
		WithArgs(int64(10100001)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO raw_files.manage_cube_raw_files").
		WithArgs(int64(10100001), "abc123def456", "/raw/cubes/ab/abc123def456.zip").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	reg := New(db)
	pid := int64(10100001)
	id, err := reg.Insert(context.Background(), FamilyCube, &pid, "abc123def456", "/raw/cubes/ab/abc123def456.zip")
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivePathNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT storage_location, file_hash FROM raw_files.manage_spine_raw_files WHERE active").
		WillReturnRows(sqlmock.NewRows([]string{"storage_location", "file_hash"}))

	reg := New(db)
	_, _, ok, err := reg.ActivePath(context.Background(), FamilySpine, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveRefusesOnlyActiveRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT active FROM raw_files.manage_cube_raw_files WHERE id = \\$1").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"active"}).AddRow(true))

	reg := New(db)
	err = reg.Remove(context.Background(), FamilyCube, 7)
	require.ErrorIs(t, err, ErrOnlyActiveRow)
}
