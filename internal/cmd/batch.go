package cmd

import (
	"github.com/spf13/cobra"

	"github.com/3leaps/kioskbench/pkg/manifest"
)

var batchOpts campaignOptions

var batchCmd = &cobra.Command{
	Use:   "batch [dir]",
	Short: "Run a batch campaign: one job per image or archive in a directory",
	Long: `Run a batch campaign: upload every image and .zip archive under the
directory (or the single file given), create one job per upload with
staggered starts, and wait until every job has expired.

Hidden files are skipped. --include and --exclude take doublestar globs
relative to the directory.

Examples:
  kioskbench batch ./images --host kiosk.example.com --model NuclearSegmentation:1
  kioskbench batch ./images --include '**/*.tif' --skip-archives --status-addr :9100
  kioskbench batch --manifest batch.yaml --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCampaignWith(cmd, &batchOpts, manifest.StrategyBatch, args, nil)
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
	addCampaignFlags(batchCmd, &batchOpts)
}
