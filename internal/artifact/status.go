package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/statcan-wds/ingestor/internal/hashutil"
)

// StatusFamily identifies which *_status table MarkPending/MarkFetched/
// PendingKeys operate against. Spine has no status table: its pending
// state is implicit in "does the freshly fetched hash differ from active".
type StatusFamily string

const (
	StatusCube     StatusFamily = StatusFamily(FamilyCube)
	StatusMetadata StatusFamily = StatusFamily(FamilyMetadata)
)

func (f StatusFamily) table() string {
	return Family(f).statusTable()
}

// SeedMissing inserts a pending status row for every productid present in
// ids but absent from the status table, per the "cube-status seeding"
// scheduler rule. It is safe to call repeatedly (ON CONFLICT DO NOTHING).
func (r *Registry) SeedMissing(ctx context.Context, family StatusFamily, ids []int64) (int64, error) {
	table := family.table()
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (productid, download_pending) VALUES ($1, TRUE) ON CONFLICT (productid) DO NOTHING", table))
	if err != nil {
		return 0, fmt.Errorf("prepare seed statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("seed productid %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed transaction: %w", err)
	}
	return inserted, nil
}

// MarkPending sets download_pending=true for productID, used both to
// seed new keys and to re-arm a key after the Verifier finds corruption.
func (r *Registry) MarkPending(ctx context.Context, family StatusFamily, productID int64) error {
	table := family.table()
	_, err := r.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET download_pending = TRUE WHERE productid = $1", table), productID)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	return nil
}

// MarkFetched clears download_pending and records the fetch outcome.
// Called both on a genuinely new hash and on the "no change" case (the
// unique-constraint violation on (productid, fileHash) in spec.md §7),
// where the caller passes the existing active hash.
func (r *Registry) MarkFetched(ctx context.Context, family StatusFamily, productID int64, hash hashutil.Hash, when time.Time) error {
	return r.MarkFetchedTx(ctx, r.db, family, productID, hash, when)
}

// MarkFetchedTx is MarkFetched run against a caller-managed transaction.
func (r *Registry) MarkFetchedTx(ctx context.Context, tx execer, family StatusFamily, productID int64, hash hashutil.Hash, when time.Time) error {
	table := family.table()
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET download_pending = FALSE, last_download = $1, last_file_hash = $2 WHERE productid = $3`, table),
		when, string(hash), productID)
	if err != nil {
		return fmt.Errorf("mark fetched: %w", err)
	}
	return nil
}

// MarkAttempted records that a fetch attempt happened (updating
// last_download) without clearing download_pending, used for transient
// failures that must be retried on the next pass.
func (r *Registry) MarkAttempted(ctx context.Context, family StatusFamily, productID int64, when time.Time) error {
	return r.MarkAttemptedTx(ctx, r.db, family, productID, when)
}

// MarkAttemptedTx is MarkAttempted run against a caller-managed transaction.
func (r *Registry) MarkAttemptedTx(ctx context.Context, tx execer, family StatusFamily, productID int64, when time.Time) error {
	table := family.table()
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET last_download = $1 WHERE productid = $2", table), when, productID)
	if err != nil {
		return fmt.Errorf("mark attempted: %w", err)
	}
	return nil
}

// PendingKeys returns every productid with download_pending=true,
// claiming none of them: callers use ClaimNextPending for the actual worker
// hand-off under concurrency.
func (r *Registry) PendingKeys(ctx context.Context, family StatusFamily) ([]int64, error) {
	table := family.table()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT productid FROM %s WHERE download_pending ORDER BY productid", table))
	if err != nil {
		return nil, fmt.Errorf("query pending keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending key: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimNextPending atomically claims one pending productid for the calling
// worker using SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers
// never race on the same key (spec.md §5's claim pattern). ok is false
// when no pending work remains. The claim itself does not mutate state;
// it must run inside tx, and the caller performs the fetch + state
// transition in the same transaction before committing.
func (r *Registry) ClaimNextPending(ctx context.Context, tx *sql.Tx, family StatusFamily) (productID int64, ok bool, err error) {
	table := family.table()
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT productid FROM %s WHERE download_pending ORDER BY productid FOR UPDATE SKIP LOCKED LIMIT 1", table))
	if scanErr := row.Scan(&productID); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("claim pending key: %w", scanErr)
	}
	return productID, true, nil
}

// LastDownload returns the last_download timestamp recorded for
// productID, or the zero time if the key is unknown or never downloaded.
func (r *Registry) LastDownload(ctx context.Context, family StatusFamily, productID int64) (time.Time, error) {
	table := family.table()
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT last_download FROM %s WHERE productid = $1", table), productID).Scan(&t)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("query last download: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}
