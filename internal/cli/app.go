// Package cli assembles the ingestor's cobra command tree: one
// subcommand per pipeline stage, sharing a lazily-built dependency set
// attached to the command context by the root command's PersistentPreRunE.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/statcan-wds/ingestor/internal/artifact"
	"github.com/statcan-wds/ingestor/internal/cli/commands"
	"github.com/statcan-wds/ingestor/internal/config"
	"github.com/statcan-wds/ingestor/internal/contentstore"
	"github.com/statcan-wds/ingestor/internal/dbtime"
	"github.com/statcan-wds/ingestor/internal/dimension"
	"github.com/statcan-wds/ingestor/internal/normalize"
	"github.com/statcan-wds/ingestor/internal/scheduler"
	"github.com/statcan-wds/ingestor/internal/store"
	"github.com/statcan-wds/ingestor/internal/verify"
	"github.com/statcan-wds/ingestor/internal/wds"
)

// App bundles every component a pipeline-stage command needs, built once
// per invocation from the loaded Config. It implements commands.App.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	DB         *store.DB
	Store      *contentstore.Store
	Client     *wds.Client
	Registry   *artifact.Registry
	Scheduler  *scheduler.Scheduler
	Verifier   *verify.Verifier
	normalizer normalize.Normalizer
}

func (a *App) DBHandle() *store.DB                { return a.DB }
func (a *App) RegistryHandle() *artifact.Registry { return a.Registry }
func (a *App) Normalizer() normalize.Normalizer   { return a.normalizer }

func (a *App) RunSpine(ctx context.Context) (bool, error) {
	return a.Scheduler.RunSpine(ctx)
}

func (a *App) SeedStatus(ctx context.Context) (int64, error) {
	return a.Scheduler.SeedStatus(ctx)
}

func (a *App) DiscoverChanges(ctx context.Context, now time.Time) error {
	return a.Scheduler.DiscoverChanges(ctx, now)
}

func (a *App) FetchCubes(ctx context.Context) error {
	return a.Scheduler.FetchCubes(ctx)
}

func (a *App) FetchMetadata(ctx context.Context) error {
	return a.Scheduler.FetchMetadata(ctx)
}

func (a *App) VerifyCubes(ctx context.Context) (checked, ok, repaired int, err error) {
	sum, err := a.Verifier.VerifyFamily(ctx, artifact.FamilyCube)
	return sum.Checked, sum.OK, sum.Repaired, err
}

func (a *App) VerifyMetadata(ctx context.Context) (checked, ok, repaired int, err error) {
	sum, err := a.Verifier.VerifyFamily(ctx, artifact.FamilyMetadata)
	return sum.Checked, sum.OK, sum.Repaired, err
}

func (a *App) LoadRawDimensions(ctx context.Context) error {
	_, err := dimension.LoadActiveMetadata(ctx, a.DB.DB, os.ReadFile, func(productID int64, err error) {
		a.Logger.Warn("raw dimension load failed for product, skipping", "productid", productID, "error", err)
	})
	return err
}

func (a *App) BuildRegistry(ctx context.Context, normalizer normalize.Normalizer) (dimension.Summary, error) {
	var summary dimension.Summary
	err := a.DB.WithAdvisoryLock(ctx, store.LockRegistryBuilder, func(ctx context.Context) error {
		builder := dimension.NewBuilder(a.DB.DB, normalizer)
		var err error
		summary, err = builder.Rebuild(ctx)
		return err
	})
	return summary, err
}

type appKey struct{}

// Version information, set at build time via -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

var cfgFile string

// NewRootCmd builds the root "ingestor" command and attaches every
// pipeline-stage subcommand.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "ingestor",
		Short:   "StatCan Web Data Service ingestion and harmonization pipeline",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			app, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, app))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to ingestor.yaml (default: ./ingestor.yaml)")

	root.AddCommand(commands.All(func(ctx context.Context) (commands.App, error) {
		return fromContext(ctx)
	})...)
	return root
}

// newApp loads configuration and constructs every dependency a command
// might need. Commands that don't touch the database (none currently)
// would still pay the connection cost; this mirrors the teacher's
// eagerly-wired PersistentPreRunE rather than per-command lazy init.
func newApp(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	db, err := store.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	cs, err := contentstore.New(cfg.RawFileRoot)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}

	client := wds.New(
		wds.WithBaseURL(cfg.WDSBaseURL),
		wds.WithCallTimeout(cfg.CallTimeout),
		wds.WithMetadataRateLimit(cfg.MetadataRateFloor),
		wds.WithCubeRateLimit(cfg.CubeRateFloor),
	)

	reg := artifact.New(db.DB)

	cutoff, err := releaseCutoffFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build release cutoff: %w", err)
	}

	sched, err := scheduler.New(db.DB, cs, client, reg,
		scheduler.WithWorkers(cfg.CubeWorkers),
		scheduler.WithMetadataWorkers(cfg.MetadataWorkers),
		scheduler.WithReleaseCutoff(cutoff),
		scheduler.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	verifier := verify.New(cs, reg, db.DB, logger)

	return &App{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Store:      cs,
		Client:     client,
		Registry:   reg,
		Scheduler:  sched,
		Verifier:   verifier,
		normalizer: normalize.NewTokenNormalizer(),
	}, nil
}

// releaseCutoffFromConfig honors an operator-supplied release_hour/
// release_minute/release_timezone triple, falling back to
// dbtime.DefaultReleaseCutoff() when release_timezone is unset — the
// "configurable parameter defaulting to Eastern Time" resolution of
// spec.md §9's open question on the 08:30 offset.
func releaseCutoffFromConfig(cfg config.Config) (dbtime.ReleaseCutoff, error) {
	if cfg.ReleaseTimezone == "" {
		return dbtime.DefaultReleaseCutoff()
	}
	loc, err := time.LoadLocation(cfg.ReleaseTimezone)
	if err != nil {
		return dbtime.ReleaseCutoff{}, fmt.Errorf("load release_timezone %q: %w", cfg.ReleaseTimezone, err)
	}
	return dbtime.ReleaseCutoff{Hour: cfg.ReleaseHour, Minute: cfg.ReleaseMinute, Location: loc}, nil
}

// fromContext retrieves the App attached by PersistentPreRunE.
func fromContext(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(appKey{}).(*App)
	if !ok {
		return nil, fmt.Errorf("cli: no app in context (PersistentPreRunE did not run)")
	}
	return app, nil
}
