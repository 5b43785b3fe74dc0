// Package artifact implements the relational bookkeeping for the three
// artifact families (spine, cube, metadata), component C: insert-then-
// deactivate history rows, active-row lookups, and the paired *_status
// tables that drive the Ingestion Scheduler.
package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/statcan-wds/ingestor/internal/hashutil"
)

// Family identifies which of the three near-identical artifact tables a
// Registry call targets.
type Family string

const (
	FamilySpine    Family = "spine"
	FamilyCube     Family = "cube"
	FamilyMetadata Family = "metadata"
)

// Record is one row of an artifact family, keyed by (family, productid)
// for Cube/Metadata or just (family) for Spine (ProductID is nil).
type Record struct {
	ID              int64
	ProductID       *int64
	FileHash        hashutil.Hash
	StorageLocation string
	DownloadTime    time.Time
	Active          bool
}

// Status is a *_status row: the per-key scheduling state.
type Status struct {
	ProductID       int64
	DownloadPending bool
	LastDownload    *time.Time
	LastFileHash    *hashutil.Hash
}

// ErrOnlyActiveRow is returned by Remove when the row being removed is the
// sole active row for its key, which the caller must reconcile (e.g. by
// marking the status pending again) rather than silently losing history.
var ErrOnlyActiveRow = errors.New("artifact: cannot remove the only active row without reconciliation")

func (f Family) rawTable() string {
	switch f {
	case FamilySpine:
		return "raw_files.manage_spine_raw_files"
	case FamilyCube:
		return "raw_files.manage_cube_raw_files"
	case FamilyMetadata:
		return "raw_files.manage_metadata_raw_files"
	default:
		return ""
	}
}

func (f Family) statusTable() string {
	switch f {
	case FamilyCube:
		return "raw_files.cube_status"
	case FamilyMetadata:
		return "raw_files.metadata_status"
	default:
		return ""
	}
}

// Registry provides CRUD over the three artifact families plus their
// status tables.
type Registry struct {
	db *sql.DB
}

// New returns a Registry backed by db.
func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting the Tx-suffixed
// methods below run inside a caller-managed transaction while the plain
// methods keep opening their own.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Insert deactivates all other rows for key (family, productID) and
// inserts a new active row, inside one transaction it opens and commits
// itself, so the active-row invariant is never observably violated.
func (r *Registry) Insert(ctx context.Context, family Family, productID *int64, hash hashutil.Hash, path string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := r.InsertTx(ctx, tx, family, productID, hash, path)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert transaction: %w", err)
	}
	return id, nil
}

// InsertTx is Insert's logic run against a caller-managed transaction: the
// caller commits or rolls back, which lets the Ingestion Scheduler fold
// the claim, the fetch outcome, and the status update into one atomic
// unit so a claimed productid's row lock is held until that outcome is
// durable (spec.md §4.D/§5's at-most-one-in-flight-fetch guarantee).
func (r *Registry) InsertTx(ctx context.Context, tx execer, family Family, productID *int64, hash hashutil.Hash, path string) (int64, error) {
	table := family.rawTable()
	if table == "" {
		return 0, fmt.Errorf("artifact: unknown family %q", family)
	}

	if productID != nil {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET active = FALSE WHERE productid = $1 AND active", table),
			*productID); err != nil {
			return 0, fmt.Errorf("deactivate existing rows: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET active = FALSE WHERE active", table)); err != nil {
			return 0, fmt.Errorf("deactivate existing rows: %w", err)
		}
	}

	var id int64
	var insertErr error
	if productID != nil {
		insertErr = tx.QueryRowContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (productid, file_hash, storage_location, active)
				VALUES ($1, $2, $3, TRUE) RETURNING id`, table),
			*productID, string(hash), path).Scan(&id)
	} else {
		insertErr = tx.QueryRowContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (file_hash, storage_location, active)
				VALUES ($1, $2, TRUE) RETURNING id`, table),
			string(hash), path).Scan(&id)
	}
	if insertErr != nil {
		return 0, fmt.Errorf("insert artifact row: %w", insertErr)
	}
	return id, nil
}

// ActivePath returns the storage location and hash of the active row for
// key. ok is false if no active row exists.
func (r *Registry) ActivePath(ctx context.Context, family Family, productID *int64) (path string, hash hashutil.Hash, ok bool, err error) {
	table := family.rawTable()
	var query string
	var args []any
	if productID != nil {
		query = fmt.Sprintf("SELECT storage_location, file_hash FROM %s WHERE productid = $1 AND active", table)
		args = []any{*productID}
	} else {
		query = fmt.Sprintf("SELECT storage_location, file_hash FROM %s WHERE active", table)
	}

	var loc, h string
	scanErr := r.db.QueryRowContext(ctx, query, args...).Scan(&loc, &h)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if scanErr != nil {
		return "", "", false, fmt.Errorf("query active artifact: %w", scanErr)
	}
	return loc, hashutil.Hash(h), true, nil
}

// History returns all rows for key ordered oldest-first.
func (r *Registry) History(ctx context.Context, family Family, productID *int64) ([]Record, error) {
	table := family.rawTable()
	var query string
	var args []any
	if productID != nil {
		query = fmt.Sprintf("SELECT id, productid, file_hash, storage_location, date_download, active FROM %s WHERE productid = $1 ORDER BY date_download", table)
		args = []any{*productID}
	} else {
		query = fmt.Sprintf("SELECT id, NULL, file_hash, storage_location, date_download, active FROM %s ORDER BY date_download", table)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifact history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var pid sql.NullInt64
		var h string
		if err := rows.Scan(&rec.ID, &pid, &h, &rec.StorageLocation, &rec.DownloadTime, &rec.Active); err != nil {
			return nil, fmt.Errorf("scan artifact history row: %w", err)
		}
		rec.FileHash = hashutil.Hash(h)
		if pid.Valid {
			v := pid.Int64
			rec.ProductID = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Remove deletes row id from family. If it is the only active row for its
// key, Remove refuses with ErrOnlyActiveRow so the caller can reconcile
// (typically: mark the status row pending) before discarding history.
func (r *Registry) Remove(ctx context.Context, family Family, id int64) error {
	table := family.rawTable()

	var active bool
	if err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT active FROM %s WHERE id = $1", table), id).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("lookup row %d: %w", id, err)
	}

	if active {
		return ErrOnlyActiveRow
	}

	if _, err := r.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id); err != nil {
		return fmt.Errorf("delete row %d: %w", id, err)
	}
	return nil
}

// RemoveActive force-removes the active row for key, used by the Verifier
// when it has independently confirmed the file is gone or corrupted: it
// deletes the key's active row without Remove's only-active-row check and
// leaves the key with no
// active artifact at all (the caller is responsible for marking the
// status row pending afterward).
func (r *Registry) RemoveActive(ctx context.Context, family Family, productID *int64) error {
	table := family.rawTable()
	var err error
	if productID != nil {
		_, err = r.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE productid = $1 AND active", table), *productID)
	} else {
		_, err = r.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE active", table))
	}
	if err != nil {
		return fmt.Errorf("remove active row: %w", err)
	}
	return nil
}
