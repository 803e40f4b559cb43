package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/kioskbench/pkg/jobregistry"
)

var (
	campaignsJSON  bool
	campaignsLimit int
)

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Inspect recorded campaigns",
	Long: `Inspect the campaigns recorded by benchmark and batch.

Each campaign writes campaign.json under the registry directory
(registry.dir, default $XDG_DATA_HOME/kioskbench/campaigns). A campaign
whose process disappeared while running is shown as unknown.`,
}

var campaignsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns, newest first",
	Args:  cobra.NoArgs,
	RunE:  runCampaignsList,
}

var campaignsShowCmd = &cobra.Command{
	Use:   "show <campaign-id>",
	Short: "Show one campaign by id or unique id prefix",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignsShow,
}

func init() {
	rootCmd.AddCommand(campaignsCmd)
	campaignsCmd.AddCommand(campaignsListCmd)
	campaignsCmd.AddCommand(campaignsShowCmd)

	campaignsCmd.PersistentFlags().BoolVar(&campaignsJSON, "json", false, "Print JSON instead of a table")
	campaignsListCmd.Flags().IntVar(&campaignsLimit, "limit", 0, "Show at most this many campaigns (0 = all)")
}

func runCampaignsList(cmd *cobra.Command, args []string) error {
	store, err := registryStore()
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "Campaign registry unavailable", err)
	}
	records, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read campaign registry", err)
	}
	if campaignsLimit > 0 && len(records) > campaignsLimit {
		records = records[:campaignsLimit]
	}

	out := cmd.OutOrStdout()
	if campaignsJSON {
		enc := json.NewEncoder(out)
		for i := range records {
			if err := enc.Encode(records[i]); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CAMPAIGN\tNAME\tSTATE\tSTRATEGY\tJOBS\tSTARTED\tELAPSED")
	for _, r := range records {
		started := "-"
		if r.StartedAt != nil {
			started = r.StartedAt.Local().Format(time.DateTime)
		}
		elapsed := "-"
		if d := r.Elapsed(); d > 0 {
			elapsed = d.Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.CampaignID), orDash(r.Name), r.State, r.Strategy, r.NumJobs, started, elapsed)
	}
	return tw.Flush()
}

func runCampaignsShow(cmd *cobra.Command, args []string) error {
	store, err := registryStore()
	if err != nil {
		return exitError(foundry.ExitConfigInvalid, "Campaign registry unavailable", err)
	}
	r, err := store.Resolve(args[0])
	if err != nil {
		if errors.Is(err, jobregistry.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Campaign not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Cannot resolve campaign", err)
	}

	out := cmd.OutOrStdout()
	if campaignsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	row := func(k, v string) { _, _ = fmt.Fprintf(tw, "%s:\t%s\n", k, v) }
	row("Campaign", r.CampaignID)
	row("Name", orDash(r.Name))
	row("State", string(r.State))
	row("Strategy", r.Strategy)
	row("Input", r.Input)
	if r.Count > 0 {
		row("Count", fmt.Sprint(r.Count))
	}
	if r.Target != nil {
		row("Kiosk", r.Target.Host)
		row("Model", orDash(r.Target.Model))
		row("Upload target", orDash(r.Target.UploadTarget))
	}
	row("Jobs", fmt.Sprint(r.NumJobs))
	row("Restarts", fmt.Sprint(r.Restarts))
	if r.StartedAt != nil {
		row("Started", r.StartedAt.Local().Format(time.RFC3339))
	}
	if r.EndedAt != nil {
		row("Ended", r.EndedAt.Local().Format(time.RFC3339))
		row("Elapsed", r.Elapsed().Round(time.Millisecond).String())
	}
	row("Report", orDash(r.ReportPath))
	row("Uploaded as", orDash(r.UploadedAs))
	row("Total cost", orDash(r.TotalCost))
	if r.Error != "" {
		row("Error", r.Error)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
