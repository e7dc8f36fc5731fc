package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tanq16/hlsplay/internal/download"
	"github.com/tanq16/hlsplay/internal/output"
	"github.com/tanq16/hlsplay/internal/utils"
)

func newCleanCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clean [--older-than DURATION]",
		Short: "Remove segment caches left behind by interrupted sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := utils.GetLogger("cmd/clean")
			root := appConfig.Cache.Root
			if root == "" {
				root = os.TempDir()
			}
			removed, err := download.CleanStaleCaches(root, olderThan)
			var freed uint64
			for _, c := range removed {
				logger.Debug().Msgf("Removed %s", c.Dir)
				freed += c.Bytes
			}
			if err != nil {
				output.PrintError("Error cleaning up segment caches")
				return err
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d cache director(ies) from %s, freed %s", len(removed), root, utils.FormatBytes(freed)))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "Only remove caches untouched for this long")
	return cmd
}
