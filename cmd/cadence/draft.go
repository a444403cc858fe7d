package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/foxzi/cadence/internal/api"
	"github.com/foxzi/cadence/internal/campaign"
)

var (
	draftSubject  string
	draftBodyFile string
	draftHTMLFile string
	draftApprove  bool
)

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Stage content draft commands",
}

var draftListCmd = &cobra.Command{
	Use:   "list <campaign_id> <stage>",
	Short: "List draft versions of a stage",
	Args:  cobra.ExactArgs(2),
	RunE:  runDraftList,
}

var draftAddCmd = &cobra.Command{
	Use:   "add <campaign_id> <stage>",
	Short: "Add a hand-written draft",
	Args:  cobra.ExactArgs(2),
	RunE:  runDraftAdd,
}

var draftGenerateCmd = &cobra.Command{
	Use:   "generate <campaign_id> <stage>",
	Short: "Generate an initial draft with the content generator",
	Args:  cobra.ExactArgs(2),
	RunE:  runDraftGenerate,
}

var draftApproveCmd = &cobra.Command{
	Use:   "approve <campaign_id> <stage> <version>",
	Short: "Approve a draft version for dispatch",
	Args:  cobra.ExactArgs(3),
	RunE:  runDraftApprove,
}

var stageMetricsCmd = &cobra.Command{
	Use:   "metrics <campaign_id> <stage>",
	Short: "Show stage performance against the baseline",
	Args:  cobra.ExactArgs(2),
	RunE:  runStageMetrics,
}

func init() {
	draftAddCmd.Flags().StringVar(&draftSubject, "subject", "", "Subject line (required)")
	draftAddCmd.Flags().StringVar(&draftBodyFile, "body", "", "Path to the plain text body (required)")
	draftAddCmd.Flags().StringVar(&draftHTMLFile, "html", "", "Path to the HTML body")
	draftAddCmd.Flags().BoolVar(&draftApprove, "approve", false, "Approve the draft immediately")
	draftAddCmd.MarkFlagRequired("subject")
	draftAddCmd.MarkFlagRequired("body")

	draftCmd.AddCommand(draftListCmd, draftAddCmd, draftGenerateCmd, draftApproveCmd, stageMetricsCmd)
	rootCmd.AddCommand(draftCmd)
}

func runDraftList(cmd *cobra.Command, args []string) error {
	drafts, err := newClient().ListDrafts(context.Background(), args[0], campaign.StageType(args[1]))
	if err != nil {
		return fmt.Errorf("failed to list drafts: %w", err)
	}

	if len(drafts) == 0 {
		fmt.Println("No drafts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tORIGIN\tAPPROVED\tCREATED\tSUBJECT")
	for _, d := range drafts {
		approved := "no"
		if d.Approved {
			approved = color.GreenString("yes")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", d.Version, d.Origin, approved, d.CreatedAt.Format(time.RFC3339), d.Subject)
	}
	return w.Flush()
}

func runDraftAdd(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(draftBodyFile)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	req := &api.CreateDraftRequest{
		Subject:  draftSubject,
		Body:     string(body),
		Approved: draftApprove,
	}
	if draftHTMLFile != "" {
		html, err := os.ReadFile(draftHTMLFile)
		if err != nil {
			return fmt.Errorf("failed to read html: %w", err)
		}
		req.HTML = string(html)
	}

	d, err := newClient().CreateDraft(context.Background(), args[0], campaign.StageType(args[1]), req)
	if err != nil {
		return fmt.Errorf("failed to add draft: %w", err)
	}

	printDraft(d)
	return nil
}

func runDraftGenerate(cmd *cobra.Command, args []string) error {
	d, err := newClient().GenerateDraft(context.Background(), args[0], campaign.StageType(args[1]))
	if err != nil {
		return fmt.Errorf("failed to generate draft: %w", err)
	}

	printDraft(d)
	fmt.Println()
	fmt.Println(d.Body)
	return nil
}

func runDraftApprove(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[2])
	if err != nil || version < 1 {
		return fmt.Errorf("invalid version %q", args[2])
	}

	d, err := newClient().ApproveDraft(context.Background(), args[0], campaign.StageType(args[1]), version)
	if err != nil {
		return fmt.Errorf("failed to approve draft: %w", err)
	}

	printDraft(d)
	return nil
}

func printDraft(d *campaign.ContentDraft) {
	state := color.YellowString("pending approval")
	if d.Approved {
		state = color.GreenString("approved")
	}
	fmt.Printf("Draft %s/%s v%d (%s, %s)\n", d.CampaignID, d.Stage, d.Version, d.Origin, state)
	fmt.Printf("  Subject: %s\n", d.Subject)
}

func runStageMetrics(cmd *cobra.Command, args []string) error {
	m, err := newClient().StageMetrics(context.Background(), args[0], campaign.StageType(args[1]))
	if err != nil {
		return fmt.Errorf("failed to get stage metrics: %w", err)
	}

	fmt.Printf("Stage:    %s\n", m.Key)
	fmt.Printf("Status:   %s\n", statusColor(string(m.Status)))
	fmt.Printf("Attempts: %d\n", m.Attempts)
	if m.LastError != "" {
		fmt.Printf("Error:    %s\n", color.RedString(m.LastError))
	}
	fmt.Printf("Sent: %d  Failed: %d  Bounced: %d\n\n", m.Summary.Sent, m.Failed, m.Summary.Bounced)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RATE\tSTAGE\tBASELINE")
	fmt.Fprintf(w, "open\t%s\t%.1f%%\n", rateColor(m.Rates.Open, m.Baseline.Open), m.Baseline.Open*100)
	fmt.Fprintf(w, "click\t%s\t%.1f%%\n", rateColor(m.Rates.Click, m.Baseline.Click), m.Baseline.Click*100)
	fmt.Fprintf(w, "reply\t%s\t%.1f%%\n", rateColor(m.Rates.Reply, m.Baseline.Reply), m.Baseline.Reply*100)
	if err := w.Flush(); err != nil {
		return err
	}

	if !m.Final {
		fmt.Println("\nMetrics are live and may still change")
	}
	return nil
}

func rateColor(rate, baseline float64) string {
	s := fmt.Sprintf("%.1f%%", rate*100)
	if rate < baseline {
		return color.RedString(s)
	}
	return color.GreenString(s)
}
