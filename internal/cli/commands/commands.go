// Package commands implements one cobra.Command per ingestion pipeline
// stage named in spec.md §6's CLI surface.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/statcan-wds/ingestor/internal/artifact"
	"github.com/statcan-wds/ingestor/internal/dimension"
	"github.com/statcan-wds/ingestor/internal/normalize"
	"github.com/statcan-wds/ingestor/internal/store"
)

// All returns every pipeline-stage subcommand, for the root command to
// register. fromContext retrieves the *cli.App the root's
// PersistentPreRunE attached; it is injected here to avoid commands
// importing cli (which imports commands).
func All(fromContext func(context.Context) (App, error)) []*cobra.Command {
	return []*cobra.Command{
		fetchSpineCmd(fromContext),
		loadSpineCmd(fromContext),
		seedStatusCmd(fromContext),
		discoverChangesCmd(fromContext),
		fetchCubesCmd(fromContext),
		fetchMetadataCmd(fromContext),
		verifyFilesCmd(fromContext),
		loadRawDimensionsCmd(fromContext),
		normalizeLabelsCmd(fromContext),
		buildRegistryCmd(fromContext),
	}
}

// App is the subset of cli.App every command needs. Commands depend on
// this interface, not the concrete struct, to avoid the cli<->commands
// import cycle described above.
type App interface {
	DBHandle() *store.DB
	RegistryHandle() *artifact.Registry
	RunSpine(ctx context.Context) (bool, error)
	SeedStatus(ctx context.Context) (int64, error)
	DiscoverChanges(ctx context.Context, now time.Time) error
	FetchCubes(ctx context.Context) error
	FetchMetadata(ctx context.Context) error
	VerifyCubes(ctx context.Context) (checked, ok, repaired int, err error)
	VerifyMetadata(ctx context.Context) (checked, ok, repaired int, err error)
	LoadRawDimensions(ctx context.Context) error
	Normalizer() normalize.Normalizer
	BuildRegistry(ctx context.Context, normalizer normalize.Normalizer) (dimension.Summary, error)
}

func fetchSpineCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-spine",
		Short: "Fetch the spine snapshot and adopt it if it changed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			adopted, err := app.RunSpine(cmd.Context())
			if err != nil {
				return err
			}
			if adopted {
				fmt.Fprintln(cmd.OutOrStdout(), "adopted new spine snapshot")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "spine snapshot unchanged")
			}
			return nil
		},
	}
}

func loadSpineCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "load-spine",
		Short: "Fetch the spine snapshot and load spine.* if it differs from the active one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			// RunSpine fetches fresh bytes and re-materializes spine.* only
			// when their hash differs from the active snapshot's; the
			// active snapshot itself is not reloaded when unchanged.
			_, err = app.RunSpine(cmd.Context())
			return err
		},
	}
}

func seedStatusCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-status",
		Short: "Seed cube_status/metadata_status for every spine productid missing one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			n, err := app.SeedStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d status rows\n", n)
			return nil
		},
	}
}

func discoverChangesCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "discover-changes",
		Short: "Walk the changed-cube-list endpoint and mark affected productids pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			return app.DiscoverChanges(cmd.Context(), time.Now())
		},
	}
}

func fetchCubesCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-cubes",
		Short: "Drain the cube_status pending queue with a bounded worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			return app.FetchCubes(cmd.Context())
		},
	}
}

func fetchMetadataCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-metadata",
		Short: "Drain the metadata_status pending queue with a bounded worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			return app.FetchMetadata(cmd.Context())
		},
	}
}

func verifyFilesCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-files",
		Short: "Reconcile the content store against the artifact registry for cubes and metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			cubeChecked, cubeOK, cubeRepaired, err := app.VerifyCubes(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify cubes: %w", err)
			}
			metaChecked, metaOK, metaRepaired, err := app.VerifyMetadata(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify metadata: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cubes: checked=%d ok=%d repaired=%d\n", cubeChecked, cubeOK, cubeRepaired)
			fmt.Fprintf(cmd.OutOrStdout(), "metadata: checked=%d ok=%d repaired=%d\n", metaChecked, metaOK, metaRepaired)
			return nil
		},
	}
}

func loadRawDimensionsCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "load-raw-dimensions",
		Short: "Parse active metadata artifacts into raw dimension/member rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			return app.LoadRawDimensions(cmd.Context())
		},
	}
}

func normalizeLabelsCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize-labels",
		Short: "Recompute memberLabelNorm/memberHash for every raw member (Registry Builder stage 1)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			builder := dimension.NewBuilder(app.DBHandle().DB, app.Normalizer())
			n, err := builder.StageOne(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "normalized %d members\n", n)
			return nil
		},
	}
}

func buildRegistryCmd(fromContext func(context.Context) (App, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "build-registry",
		Short: "Run Registry Builder stages 2-4 under the exclusive advisory lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := app.BuildRegistry(cmd.Context(), app.Normalizer())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dimensions=%d members=%d\n", summary.Dimensions, summary.Members)
			return nil
		},
	}
}
