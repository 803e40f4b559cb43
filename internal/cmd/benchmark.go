package cmd

import (
	"github.com/spf13/cobra"

	"github.com/3leaps/kioskbench/pkg/manifest"
)

var benchmarkOpts campaignOptions

var (
	benchmarkCount  int
	benchmarkUpload bool
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark [file]",
	Short: "Run a burst campaign: many jobs for the same input",
	Long: `Run a burst campaign: create --count jobs for one input file, stagger
their starts by the start delay, and wait until every job has expired.

Without --upload the argument is the name of a file already uploaded to
the cluster. With --upload each job gets its own freshly uploaded copy.

Examples:
  kioskbench benchmark cells.tif --host kiosk.example.com --model NuclearSegmentation:1 --count 100
  kioskbench benchmark cells.tif --upload --count 1000 --upload-target s3://bench/uploads
  kioskbench benchmark --manifest nightly.yaml --count 50 --events -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBenchmark(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)
	addCampaignFlags(benchmarkCmd, &benchmarkOpts)
	benchmarkCmd.Flags().IntVarP(&benchmarkCount, "count", "n", 0, "Number of jobs to create")
	benchmarkCmd.Flags().BoolVar(&benchmarkUpload, "upload", false, "Upload the input once per job before creating it")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	return runCampaignWith(cmd, &benchmarkOpts, manifest.StrategyBurst, args, func(m *manifest.Manifest) {
		if cmd.Flags().Changed("count") {
			m.Campaign.Count = benchmarkCount
		}
		if cmd.Flags().Changed("upload") {
			m.Campaign.Upload = manifest.Bool(benchmarkUpload)
		}
	})
}
