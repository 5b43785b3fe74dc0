// Package verify implements the Verifier (component I): reconciling the
// Content Store against the Artifact Registry and resetting pending
// flags on detected corruption.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/statcan-wds/ingestor/internal/artifact"
	"github.com/statcan-wds/ingestor/internal/contentstore"
	"github.com/statcan-wds/ingestor/internal/hashutil"
)

// Summary reports the outcome of one verification pass, per spec.md
// §4.I's "(checked, ok, repaired)" contract.
type Summary struct {
	Checked  int
	OK       int
	Repaired int
}

// Verifier reconciles one artifact family against the content store.
type Verifier struct {
	store  *contentstore.Store
	reg    *artifact.Registry
	db     *sql.DB
	logger *slog.Logger
}

// New returns a Verifier. logger defaults to a discard handler.
func New(store *contentstore.Store, reg *artifact.Registry, db *sql.DB, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Verifier{store: store, reg: reg, db: db, logger: logger}
}

func statusFamilyOf(f artifact.Family) (artifact.StatusFamily, bool) {
	switch f {
	case artifact.FamilyCube:
		return artifact.StatusCube, true
	case artifact.FamilyMetadata:
		return artifact.StatusMetadata, true
	default:
		return "", false
	}
}

// VerifyFamily walks every active row in family, confirms the file exists
// and hashes correctly, and repairs (file + row removed, status marked
// pending) on mismatch or absence. Spine has no status table to re-arm;
// for spine the scheduler simply notices the missing active row on its
// next pass and re-fetches unconditionally.
func (v *Verifier) VerifyFamily(ctx context.Context, family artifact.Family) (Summary, error) {
	rows, err := v.activeRows(ctx, family)
	if err != nil {
		return Summary{}, fmt.Errorf("list active %s rows: %w", family, err)
	}

	var sum Summary
	statusFamily, hasStatus := statusFamilyOf(family)

	for _, row := range rows {
		sum.Checked++

		ok, verr := v.store.Verify(row.path, hashutil.Hash(row.hash))
		if verr == nil && ok {
			sum.OK++
			continue
		}

		v.logger.Warn("artifact verification failed, repairing",
			"family", family, "productid", row.productID, "path", row.path, "error", verr)

		_ = v.store.Delete(row.path)
		if err := v.reg.RemoveActive(ctx, family, row.productID); err != nil {
			return sum, fmt.Errorf("remove corrupt artifact row: %w", err)
		}
		if hasStatus && row.productID != nil {
			if err := v.reg.MarkPending(ctx, statusFamily, *row.productID); err != nil {
				return sum, fmt.Errorf("mark pending after repair: %w", err)
			}
		}
		sum.Repaired++
	}

	return sum, nil
}

// activeRows lists every active row for family directly (instead of
// reusing artifact.History, which is per-key) since the Verifier must
// sweep the whole family.
func (v *Verifier) activeRows(ctx context.Context, family artifact.Family) ([]verifyRow, error) {
	table := rawTableFor(family)
	hasProductID := family != artifact.FamilySpine

	var query string
	if hasProductID {
		query = fmt.Sprintf("SELECT productid, file_hash, storage_location FROM %s WHERE active ORDER BY productid", table)
	} else {
		query = fmt.Sprintf("SELECT file_hash, storage_location FROM %s WHERE active", table)
	}

	rows, err := v.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []verifyRow
	for rows.Next() {
		var r verifyRow
		var hash, path string
		if hasProductID {
			var pid int64
			if err := rows.Scan(&pid, &hash, &path); err != nil {
				return nil, err
			}
			r.productID = &pid
		} else {
			if err := rows.Scan(&hash, &path); err != nil {
				return nil, err
			}
		}
		r.hash = hash
		r.path = path
		out = append(out, r)
	}
	return out, rows.Err()
}

type verifyRow struct {
	productID *int64
	hash      string
	path      string
}

func rawTableFor(f artifact.Family) string {
	switch f {
	case artifact.FamilySpine:
		return "raw_files.manage_spine_raw_files"
	case artifact.FamilyCube:
		return "raw_files.manage_cube_raw_files"
	case artifact.FamilyMetadata:
		return "raw_files.manage_metadata_raw_files"
	default:
		return ""
	}
}
