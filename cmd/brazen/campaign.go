package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nikolaj-Storm/Brazen-email-sub000/internal/models"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignStartCmd = &cobra.Command{
	Use:   "start <campaign_id>",
	Short: "Enroll the campaign's contacts and start sending",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStart,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause a running campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCampaignStatus(cmd, args[0], models.CampaignPaused)
	},
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCampaignStatus(cmd, args[0], models.CampaignRunning)
	},
}

var campaignStatsCmd = &cobra.Command{
	Use:   "stats <campaign_id>",
	Short: "Show execution statistics of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStats,
}

func init() {
	campaignCmd.AddCommand(campaignListCmd, campaignStartCmd, campaignPauseCmd, campaignResumeCmd, campaignStatsCmd)
	rootCmd.AddCommand(campaignCmd)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	campaigns, err := application.Repositories().Campaigns.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(campaigns) == 0 {
		fmt.Println("No campaigns")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSCHEDULE\tDAILY LIMIT")
	for _, c := range campaigns {
		limit := "-"
		if c.DailyLimit > 0 {
			limit = fmt.Sprint(c.DailyLimit)
		}
		sched := c.Schedule.String()
		if c.SendImmediately {
			sched = "immediate"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Status, sched, limit)
	}
	return w.Flush()
}

func runCampaignStart(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	enrolled, err := application.Repositories().Campaigns.Start(cmd.Context(), args[0], time.Now())
	if err != nil {
		return fmt.Errorf("failed to start campaign: %w", err)
	}
	fmt.Printf("Campaign %s started, %d contacts enrolled\n", args[0], enrolled)
	return nil
}

func setCampaignStatus(cmd *cobra.Command, id, status string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	campaigns := application.Repositories().Campaigns
	c, err := campaigns.GetByID(cmd.Context(), id)
	if err != nil {
		return err
	}
	if c.Status == models.CampaignDraft {
		return fmt.Errorf("campaign %s was never started", id)
	}
	if err := campaigns.SetStatus(cmd.Context(), id, status); err != nil {
		return err
	}
	fmt.Printf("Campaign %s is now %s\n", id, status)
	return nil
}

func runCampaignStats(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	stats, err := application.Repositories().Campaigns.Stats(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Campaign %s: %d contacts\n\n", stats.CampaignID, stats.Total)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, k := range sortedKeys(stats.ByStatus) {
		fmt.Fprintf(w, "%s\t%d\n", k, stats.ByStatus[k])
	}
	fmt.Fprintln(w, "\t")
	fmt.Fprintln(w, "EVENT\tCOUNT")
	for _, k := range sortedKeys(stats.Events) {
		fmt.Fprintf(w, "%s\t%d\n", k, stats.Events[k])
	}
	return w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
