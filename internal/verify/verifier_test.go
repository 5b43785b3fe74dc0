package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/statcan-wds/ingestor/internal/artifact"
	"github.com/statcan-wds/ingestor/internal/contentstore"
	"github.com/stretchr/testify/require"
)

func TestVerifyFamilyRepairsMissingFile(t *testing.T) {
	dir := t.TempDir()
	store, err := contentstore.New(dir)
	require.NoError(t, err)

	missingPath := filepath.Join(dir, "cubes", "ab", "abc123def456.zip")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT productid, file_hash, storage_location FROM raw_files.manage_cube_raw_files WHERE active").
		WillReturnRows(sqlmock.NewRows([]string{"productid", "file_hash", "storage_location"}).
			AddRow(int64(10100001), "abc123def456", missingPath))
	mock.ExpectExec("DELETE FROM raw_files.manage_cube_raw_files WHERE productid = \\$1 AND active").
		WithArgs(int64(10100001)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE raw_files.cube_status SET download_pending = TRUE WHERE productid = \\$1").
		WithArgs(int64(10100001)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	v := New(store, artifact.New(db), db, nil)
	summary, err := v.VerifyFamily(context.Background(), artifact.FamilyCube)
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, OK: 0, Repaired: 1}, summary)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyFamilyReportsOKOnMatch(t *testing.T) {
	dir := t.TempDir()
	store, err := contentstore.New(dir)
	require.NoError(t, err)

	hash, path, err := store.Put(contentstore.FamilySpine, []byte("spine bytes"))
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT file_hash, storage_location FROM raw_files.manage_spine_raw_files WHERE active").
		WillReturnRows(sqlmock.NewRows([]string{"file_hash", "storage_location"}).
			AddRow(string(hash), path))

	_ = os.MkdirAll(filepath.Dir(path), 0o755)

	v := New(store, artifact.New(db), db, nil)
	summary, err := v.VerifyFamily(context.Background(), artifact.FamilySpine)
	require.NoError(t, err)
	require.Equal(t, Summary{Checked: 1, OK: 1, Repaired: 0}, summary)
}
