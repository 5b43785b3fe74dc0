// Package scheduler implements the Ingestion Scheduler (component D): the
// per-artifact state machine driving the spine, cube, and metadata
// pipelines, each with its own bounded worker pool.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/statcan-wds/ingestor/internal/artifact"
	"github.com/statcan-wds/ingestor/internal/contentstore"
	"github.com/statcan-wds/ingestor/internal/dbtime"
	"github.com/statcan-wds/ingestor/internal/hashutil"
	"github.com/statcan-wds/ingestor/internal/spine"
	"github.com/statcan-wds/ingestor/internal/store"
	"github.com/statcan-wds/ingestor/internal/wds"
)

// NoChangesMarker is the sentinel productid written to changed_cubes_log
// for a calendar date on which ChangedCubeList returned zero qualifying
// entries, so the date is recorded as "checked" without polluting any
// real product's change history.
const NoChangesMarker int64 = -1

// Scheduler wires together the WDS Client, Content Store, and Artifact
// Registry to drive the fetch/discovery pipelines described in spec.md
// §4.D. It holds no state of its own: everything observable lives in the
// database and content store, so a crashed process resumes cleanly.
type Scheduler struct {
	db              *sql.DB
	store           *contentstore.Store
	client          *wds.Client
	reg             *artifact.Registry
	cutoff          dbtime.ReleaseCutoff
	cubeWorkers     int
	metadataWorkers int
	logger          *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the bounded worker-pool size used by FetchCubes.
// Default 4, per spec.md §5's "recommend 4-8 workers".
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.cubeWorkers = n
		}
	}
}

// WithMetadataWorkers sets the bounded worker-pool size used by
// FetchMetadata independently of FetchCubes. Default 4 when unset,
// regardless of WithWorkers.
func WithMetadataWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.metadataWorkers = n
		}
	}
}

// WithReleaseCutoff overrides the default 08:30 America/New_York release
// offset used by DiscoverChanges, per spec.md §9's configurable-cutoff
// open question.
func WithReleaseCutoff(c dbtime.ReleaseCutoff) Option {
	return func(s *Scheduler) { s.cutoff = c }
}

// WithLogger overrides the discard-handler default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a Scheduler. It fails only if the default release cutoff
// cannot be loaded (a missing tzdata install).
func New(db *sql.DB, store *contentstore.Store, client *wds.Client, reg *artifact.Registry, opts ...Option) (*Scheduler, error) {
	cutoff, err := dbtime.DefaultReleaseCutoff()
	if err != nil {
		return nil, fmt.Errorf("load default release cutoff: %w", err)
	}

	s := &Scheduler{
		db:              db,
		store:           store,
		client:          client,
		reg:             reg,
		cutoff:          cutoff,
		cubeWorkers:     4,
		metadataWorkers: 4,
		logger:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunSpine fetches the current spine snapshot, adopts it into the Content
// Store and Artifact Registry if its hash differs from the active spine
// hash, and, when adopted, replaces spine.* via the Spine Loader. Returns
// true if a new snapshot was adopted.
func (s *Scheduler) RunSpine(ctx context.Context) (adopted bool, err error) {
	raw, err := s.client.ListAllCubes(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch spine snapshot: %w", err)
	}

	newHash := hashutil.Of(raw)
	_, activeHash, hasActive, err := s.reg.ActivePath(ctx, artifact.FamilySpine, nil)
	if err != nil {
		return false, fmt.Errorf("lookup active spine hash: %w", err)
	}
	if hasActive && activeHash == newHash {
		s.logger.Debug("spine snapshot unchanged", "hash", newHash)
		return false, nil
	}

	cubes, err := spine.ParseSnapshot(raw)
	if err != nil {
		return false, fmt.Errorf("parse spine snapshot: %w", err)
	}

	var existingCount int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM spine.cube").Scan(&existingCount); err != nil {
		return false, fmt.Errorf("count existing spine rows: %w", err)
	}

	warnings, err := spine.Validate(cubes, existingCount, spine.DefaultThresholds())
	if err != nil {
		return false, fmt.Errorf("spine snapshot failed validation, aborting without mutating state: %w", err)
	}
	for _, w := range warnings {
		s.logger.Warn("spine snapshot validation warning", "warning", w)
	}

	hash, path, err := s.store.Put(contentstore.FamilySpine, raw)
	if err != nil {
		return false, fmt.Errorf("store spine snapshot: %w", err)
	}
	if _, err := s.reg.Insert(ctx, artifact.FamilySpine, nil, hash, path); err != nil {
		return false, fmt.Errorf("record spine artifact: %w", err)
	}

	// The Spine Loader is an exclusive phase per spec.md §5: it holds the
	// advisory lock so it never races its own re-entry, but fetchers
	// (which never take this lock) are unaffected.
	if err := s.withAdvisoryLock(ctx, store.LockSpineLoader, func(ctx context.Context) error {
		return spine.Load(ctx, s.db, cubes)
	}); err != nil {
		return false, fmt.Errorf("load spine snapshot into spine.*: %w", err)
	}

	s.logger.Info("adopted new spine snapshot", "hash", hash, "cubes", len(cubes))
	return true, nil
}

// SeedStatus inserts a pending cube_status/metadata_status row for every
// productid present in spine.cube but absent from either status table,
// per spec.md §4.D's cube-status seeding rule.
func (s *Scheduler) SeedStatus(ctx context.Context) (int64, error) {
	ids, err := s.spineProductIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list spine productids: %w", err)
	}

	cubeSeeded, err := s.reg.SeedMissing(ctx, artifact.StatusCube, ids)
	if err != nil {
		return 0, fmt.Errorf("seed cube_status: %w", err)
	}
	metaSeeded, err := s.reg.SeedMissing(ctx, artifact.StatusMetadata, ids)
	if err != nil {
		return 0, fmt.Errorf("seed metadata_status: %w", err)
	}
	return cubeSeeded + metaSeeded, nil
}

func (s *Scheduler) spineProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT productid FROM spine.cube ORDER BY productid")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DiscoverChanges walks every calendar date from the day after the last
// recorded changed_cubes_log entry through the scheduler's effective
// "today" (per the release cutoff), records each date's changes (or a
// NoChangesMarker row if none), and marks cube_status.download_pending
// for every productid whose change postdates its last_download.
func (s *Scheduler) DiscoverChanges(ctx context.Context, now time.Time) error {
	lastLogged, err := s.lastLoggedDate(ctx, now)
	if err != nil {
		return fmt.Errorf("find last logged change date: %w", err)
	}

	effectiveToday := s.cutoff.EffectiveDate(now)

	start := lastLogged.AddDate(0, 0, 1)
	for d := start; !d.After(effectiveToday); d = d.AddDate(0, 0, 1) {
		if err := s.discoverOneDate(ctx, d); err != nil {
			return fmt.Errorf("discover changes for %s: %w", d.Format("2006-01-02"), err)
		}
	}
	return nil
}

// lastLoggedDate returns max(changed_cubes_log.change_date,
// last_spine_load_date), per spec.md §4.D: a freshly adopted spine can
// move cube_status's "already visible upstream" baseline forward even on
// a day with no changed_cubes_log entries of its own. last_spine_load_date
// is the date_download of the active spine artifact — RunSpine stamps a
// new one every time it adopts a snapshot — rather than a separately
// tracked column, since that row already carries exactly this timestamp.
// now is the caller-supplied clock (never time.Now() directly), so a
// fixed now in a test yields deterministic behaviour even on an empty log.
func (s *Scheduler) lastLoggedDate(ctx context.Context, now time.Time) (time.Time, error) {
	var logMax sql.NullTime
	if err := s.db.QueryRowContext(ctx, "SELECT max(change_date) FROM raw_files.changed_cubes_log").Scan(&logMax); err != nil {
		return time.Time{}, err
	}

	var spineLoad sql.NullTime
	err := s.db.QueryRowContext(ctx, "SELECT date_download FROM raw_files.manage_spine_raw_files WHERE active").Scan(&spineLoad)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("lookup last spine load date: %w", err)
	}

	switch {
	case logMax.Valid && spineLoad.Valid:
		if spineLoad.Time.After(logMax.Time) {
			return spineLoad.Time, nil
		}
		return logMax.Time, nil
	case logMax.Valid:
		return logMax.Time, nil
	case spineLoad.Valid:
		return spineLoad.Time, nil
	default:
		// No history at all: fall back to two days before now, so the walk
		// starts at yesterday rather than attempting to backfill the
		// service's entire history.
		return now.AddDate(0, 0, -2), nil
	}
}

func (s *Scheduler) discoverOneDate(ctx context.Context, date time.Time) error {
	changes, err := s.client.ChangedCubeList(ctx, date)
	if err != nil {
		return fmt.Errorf("fetch changed-cube-list: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin discovery transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if len(changes) == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO raw_files.changed_cubes_log (productid, change_date) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			NoChangesMarker, date); err != nil {
			return fmt.Errorf("write no-changes marker: %w", err)
		}
		return tx.Commit()
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO raw_files.changed_cubes_log (productid, change_date) VALUES ($1, $2) ON CONFLICT DO NOTHING")
	if err != nil {
		return fmt.Errorf("prepare change log insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range changes {
		if _, err := stmt.ExecContext(ctx, c.ProductID, date); err != nil {
			return fmt.Errorf("log change for productid %d: %w", c.ProductID, err)
		}
	}

	cutoffTime := time.Date(date.Year(), date.Month(), date.Day(), s.cutoff.Hour, s.cutoff.Minute, 0, 0, s.cutoff.Location)
	for _, c := range changes {
		var lastDownload sql.NullTime
		err := tx.QueryRowContext(ctx, "SELECT last_download FROM raw_files.cube_status WHERE productid = $1", c.ProductID).Scan(&lastDownload)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup last_download for productid %d: %w", c.ProductID, err)
		}
		stale := !lastDownload.Valid || lastDownload.Time.Before(cutoffTime)
		if !stale {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO raw_files.cube_status (productid, download_pending) VALUES ($1, TRUE)
			 ON CONFLICT (productid) DO UPDATE SET download_pending = TRUE`, c.ProductID); err != nil {
			return fmt.Errorf("mark productid %d pending: %w", c.ProductID, err)
		}
	}

	return tx.Commit()
}

// FetchCubes drains cube_status's pending queue using a bounded worker
// pool, per spec.md §5's "parallel worker pool per pipeline" model.
func (s *Scheduler) FetchCubes(ctx context.Context) error {
	runID := uuid.NewString()
	s.logger.Info("fetch cubes run starting", "run_id", runID, "workers", s.cubeWorkers)
	err := s.fetchLoop(ctx, artifact.FamilyCube, artifact.StatusCube, contentstore.FamilyCube, s.cubeWorkers, s.client.DownloadCubeCsv)
	if err != nil {
		s.logger.Warn("fetch cubes run failed", "run_id", runID, "error", err)
	} else {
		s.logger.Info("fetch cubes run finished", "run_id", runID)
	}
	return err
}

// FetchMetadata drains metadata_status's pending queue using the same
// bounded-worker shape as FetchCubes, against the metadata endpoint, with
// its own independently configurable worker count.
func (s *Scheduler) FetchMetadata(ctx context.Context) error {
	runID := uuid.NewString()
	s.logger.Info("fetch metadata run starting", "run_id", runID, "workers", s.metadataWorkers)
	err := s.fetchLoop(ctx, artifact.FamilyMetadata, artifact.StatusMetadata, contentstore.FamilyMetadata, s.metadataWorkers, s.client.CubeMetadata)
	if err != nil {
		s.logger.Warn("fetch metadata run failed", "run_id", runID, "error", err)
	} else {
		s.logger.Info("fetch metadata run finished", "run_id", runID)
	}
	return err
}

// fetchLoop runs workers concurrent claimants, each repeatedly claiming
// one pending productid via SELECT ... FOR UPDATE SKIP LOCKED and driving
// it through fetch -> store -> registry -> status in one transaction, so
// the state machine never observably splits across a crash (spec.md §4.D).
func (s *Scheduler) fetchLoop(ctx context.Context, family artifact.Family, status artifact.StatusFamily, csFamily contentstore.Family, workers int, fetch func(context.Context, int64) ([]byte, error)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				claimed, err := s.claimAndFetch(ctx, family, status, csFamily, fetch)
				if err != nil {
					return err
				}
				if !claimed {
					return nil
				}
			}
		})
	}

	return g.Wait()
}

// claimAndFetch claims at most one pending productid and drives it to
// completion, returning claimed=false once the queue is empty. The claim
// transaction is held open across the network fetch and committed (or
// rolled back) together with the write that records its outcome: the
// SELECT ... FOR UPDATE SKIP LOCKED row lock taken by ClaimNextPending is
// what guarantees at most one in-flight fetch per productid per family
// (spec.md §4.D/§5) — releasing it before the outcome is durable would let
// a second worker re-claim the same productid while the first is still
// mid-fetch.
func (s *Scheduler) claimAndFetch(ctx context.Context, family artifact.Family, status artifact.StatusFamily, csFamily contentstore.Family, fetch func(context.Context, int64) ([]byte, error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	productID, ok, err := s.reg.ClaimNextPending(ctx, tx, status)
	if err != nil {
		return false, fmt.Errorf("claim pending %s key: %w", family, err)
	}
	if !ok {
		return false, nil
	}

	payload, fetchErr := fetch(ctx, productID)
	now := time.Now()
	if fetchErr != nil {
		s.logger.Warn("transient fetch failure, leaving pending", "family", family, "productid", productID, "error", fetchErr)
		if err := s.reg.MarkAttemptedTx(ctx, tx, status, productID, now); err != nil {
			return true, fmt.Errorf("record failed attempt for productid %d: %w", productID, err)
		}
		if err := tx.Commit(); err != nil {
			return true, fmt.Errorf("commit failed-attempt for productid %d: %w", productID, err)
		}
		return true, nil
	}

	hash, path, err := s.store.Put(csFamily, payload)
	if err != nil {
		return true, fmt.Errorf("store payload for productid %d: %w", productID, err)
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT claim_insert"); err != nil {
		return true, fmt.Errorf("savepoint before insert for productid %d: %w", productID, err)
	}
	if _, err := s.reg.InsertTx(ctx, tx, family, &productID, hash, path); err != nil {
		if !isNoChangeViolation(err) {
			return true, fmt.Errorf("record artifact for productid %d: %w", productID, err)
		}
		// Same (productid, fileHash) already active: "no change" per
		// spec.md §7, not a failure. The failed INSERT aborted the
		// transaction; roll back to the savepoint to keep the claim's row
		// lock and continue in the same transaction.
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT claim_insert"); rbErr != nil {
			return true, fmt.Errorf("rollback to savepoint for productid %d: %w", productID, rbErr)
		}
		if err := s.reg.MarkFetchedTx(ctx, tx, status, productID, hash, now); err != nil {
			return true, fmt.Errorf("mark no-change fetch for productid %d: %w", productID, err)
		}
		if err := tx.Commit(); err != nil {
			return true, fmt.Errorf("commit no-change fetch for productid %d: %w", productID, err)
		}
		return true, nil
	}

	if err := s.reg.MarkFetchedTx(ctx, tx, status, productID, hash, now); err != nil {
		return true, fmt.Errorf("mark fetched for productid %d: %w", productID, err)
	}
	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("commit fetch for productid %d: %w", productID, err)
	}
	s.logger.Info("fetched artifact", "family", family, "productid", productID, "hash", hash)
	return true, nil
}

// withAdvisoryLock mirrors store.DB.WithAdvisoryLock against the plain
// *sql.DB the Scheduler is constructed with, so the Spine Loader phase
// can be exclusive without the Scheduler depending on the store.DB type.
func (s *Scheduler) withAdvisoryLock(ctx context.Context, lockID int64, fn func(context.Context) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for advisory lock: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("acquire advisory lock %d: %w", lockID, err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID); err != nil {
			s.logger.Warn("failed to release advisory lock", "lock_id", lockID, "error", err)
		}
	}()

	return fn(ctx)
}

// isNoChangeViolation reports whether err is the unique-constraint
// violation on (productid, file_hash) that means "downloaded the same
// bytes as the active artifact", per spec.md §7's non-fatal constraint
// violation. Matched on message substring since the pgx driver wraps the
// underlying pgconn.PgError without a stable sentinel exposed here.
func isNoChangeViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
