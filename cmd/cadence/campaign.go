package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/cadence/internal/api"
	"github.com/foxzi/cadence/internal/campaign"
	"github.com/foxzi/cadence/internal/client"
)

var (
	campaignListStatus string
	campaignListLimit  int
	campaignActivateAt string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Create a campaign from a JSON or YAML definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignCreate,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign_id>",
	Short: "Show campaign status and stage executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignStatus,
}

var campaignScheduleCmd = &cobra.Command{
	Use:   "schedule <campaign_id>",
	Short: "Schedule a draft campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignSchedule,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Pause an active campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  campaignAction("paused", (*client.Client).Pause),
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Resume a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  campaignAction("resumed", (*client.Client).Resume),
}

var campaignCancelCmd = &cobra.Command{
	Use:   "cancel <campaign_id>",
	Short: "Cancel a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  campaignAction("cancelled", (*client.Client).Cancel),
}

var failedStagesCmd = &cobra.Command{
	Use:   "failed",
	Short: "List stages that exhausted their dispatch retries",
	RunE:  runFailedStages,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, scheduled, active, paused, completed, cancelled)")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")
	campaignScheduleCmd.Flags().StringVar(&campaignActivateAt, "at", "", "Activation time in RFC 3339 (default: now)")

	campaignCmd.AddCommand(campaignCreateCmd, campaignListCmd, campaignStatusCmd, campaignScheduleCmd,
		campaignPauseCmd, campaignResumeCmd, campaignCancelCmd, failedStagesCmd)
	rootCmd.AddCommand(campaignCmd)
}

// loadCampaignRequest reads a campaign definition. YAML is converted to JSON
// first so that stage offsets decode the same way in both formats.
func loadCampaignRequest(path string) (*api.CreateCampaignRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse campaign file: %w", err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert campaign file: %w", err)
		}
	}

	var req api.CreateCampaignRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse campaign file: %w", err)
	}
	return &req, nil
}

func runCampaignCreate(cmd *cobra.Command, args []string) error {
	req, err := loadCampaignRequest(args[0])
	if err != nil {
		return err
	}

	c, err := newClient().CreateCampaign(context.Background(), req)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	fmt.Printf("Campaign %s created (%s, %d stages)\n", color.GreenString(c.ID), c.Status, len(c.Stages))
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	campaigns, err := newClient().ListCampaigns(context.Background(), campaign.Status(campaignListStatus), campaignListLimit)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(campaigns) == 0 {
		fmt.Println("No campaigns found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTAGES\tACTIVATION\tTITLE")
	for _, c := range campaigns {
		activation := "-"
		if c.ActivationTime != nil {
			activation = c.ActivationTime.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", c.ID, statusColor(string(c.Status)), len(c.Stages), activation, c.Title)
	}
	return w.Flush()
}

func runCampaignStatus(cmd *cobra.Command, args []string) error {
	st, err := newClient().CampaignStatus(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	c := st.Campaign
	fmt.Printf("Campaign:  %s\n", c.ID)
	fmt.Printf("Title:     %s\n", c.Title)
	fmt.Printf("Status:    %s\n", statusColor(string(c.Status)))
	if c.ActivationTime != nil {
		fmt.Printf("Activated: %s\n", c.ActivationTime.Format(time.RFC3339))
	}
	fmt.Printf("Sent: %d  Opened: %d  Clicked: %d  Replied: %d  Bounced: %d\n\n",
		st.Summary.Sent, st.Summary.Opened, st.Summary.Clicked, st.Summary.Replied, st.Summary.Bounced)

	if len(st.Executions) == 0 {
		fmt.Println("No stage executions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tSTATUS\tSCHEDULED\tATTEMPTS\tSENT\tOPENED\tREPLIED\tERROR")
	for _, e := range st.Executions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			e.Stage, statusColor(string(e.Status)), e.ScheduledAt.Format(time.RFC3339), e.DispatchAttempts,
			e.Summary.Sent, e.Summary.Opened, e.Summary.Replied, e.LastError)
	}
	return w.Flush()
}

func runCampaignSchedule(cmd *cobra.Command, args []string) error {
	var activation *time.Time
	if campaignActivateAt != "" {
		t, err := time.Parse(time.RFC3339, campaignActivateAt)
		if err != nil {
			return fmt.Errorf("invalid --at value: %w", err)
		}
		activation = &t
	}

	resp, err := newClient().Schedule(context.Background(), args[0], activation)
	if err != nil {
		return fmt.Errorf("failed to schedule campaign: %w", err)
	}

	c := resp.Campaign
	fmt.Printf("Campaign %s %s", c.ID, color.GreenString("scheduled"))
	if c.ActivationTime != nil {
		fmt.Printf(" for %s", c.ActivationTime.Format(time.RFC3339))
	}
	fmt.Println()
	if resp.SeededDrafts > 0 {
		fmt.Printf("  %d draft(s) seeded from templates, approve them before the stages are due\n", resp.SeededDrafts)
	}
	return nil
}

// campaignAction runs one of the client's state transition calls
func campaignAction(done string, fn func(*client.Client, context.Context, string) (*campaign.Campaign, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := fn(newClient(), context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to update campaign: %w", err)
		}
		fmt.Printf("Campaign %s %s (status: %s)\n", c.ID, done, statusColor(string(c.Status)))
		return nil
	}
}

func runFailedStages(cmd *cobra.Command, args []string) error {
	execs, err := newClient().FailedStages(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list failed stages: %w", err)
	}

	if len(execs) == 0 {
		fmt.Println("No failed stages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAMPAIGN\tSTAGE\tATTEMPTS\tERROR")
	for _, e := range execs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.CampaignID, e.Stage, e.DispatchAttempts, color.RedString(e.LastError))
	}
	return w.Flush()
}

// statusColor colors a campaign or stage status for terminal output
func statusColor(status string) string {
	switch status {
	case "active", "completed", "dispatched":
		return color.GreenString(status)
	case "paused", "settling", "scheduled", "pending":
		return color.YellowString(status)
	case "failed", "cancelled":
		return color.RedString(status)
	default:
		return status
	}
}
