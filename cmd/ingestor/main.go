// Command ingestor drives the StatCan Web Data Service ingestion and
// harmonization pipeline: one subcommand per pipeline stage, composable
// from cron or a shell loop.
package main

import (
	"fmt"
	"os"

	"github.com/statcan-wds/ingestor/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
