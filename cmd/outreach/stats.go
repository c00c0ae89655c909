package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Usage statistics commands",
}

var statsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show send counters",
	RunE:  runStatsShow,
}

var statsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Zero all send counters",
	RunE:  runStatsReset,
}

var admissionCmd = &cobra.Command{
	Use:   "admission",
	Short: "Check whether a send is allowed right now",
	RunE:  runAdmission,
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Send budget commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active budget and remaining capacity",
	RunE:  runRatelimitShow,
}

func init() {
	statsCmd.AddCommand(statsShowCmd, statsResetCmd)
	ratelimitCmd.AddCommand(ratelimitShowCmd)
	rootCmd.AddCommand(statsCmd, admissionCmd, ratelimitCmd)
}

func runStatsShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	stats, err := application.Ledger().Current(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total sent:\t%d\n", stats.TotalSent)
	fmt.Fprintf(w, "Total failed:\t%d\n", stats.TotalFailed)
	fmt.Fprintf(w, "Sent this hour:\t%d\n", stats.SentInCurrentHour)
	fmt.Fprintf(w, "Sent today:\t%d\n", stats.SentInCurrentDay)
	fmt.Fprintf(w, "Last sent:\t%s\n", formatTime(stats.LastSentAt))
	return w.Flush()
}

func runStatsReset(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.Ledger().Reset(context.Background()); err != nil {
		return fmt.Errorf("failed to reset stats: %w", err)
	}

	fmt.Println("Usage statistics reset")
	return nil
}

func runAdmission(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	decision, err := application.Limiter().CanSend(context.Background())
	if err != nil {
		return fmt.Errorf("failed to check admission: %w", err)
	}

	if decision.Allowed {
		fmt.Println("Allowed")
		return nil
	}

	fmt.Printf("Denied: %s (retry in %s)\n", decision.Reason, decision.RetryAfter.Round(time.Second))
	return nil
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	budget, err := application.Limiter().Estimate(context.Background())
	if err != nil {
		return fmt.Errorf("failed to estimate budget: %w", err)
	}

	p := budget.Policy

	fmt.Println("Send Budget")
	fmt.Println("===========")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tLIMIT\tUSED\tREMAINING")
	fmt.Fprintln(w, "------\t-----\t----\t---------")
	fmt.Fprintf(w, "Hour\t%d\t%d\t%d\n", p.MaxPerHour, budget.Stats.SentInCurrentHour, budget.RemainingHour)
	fmt.Fprintf(w, "Day\t%d\t%d\t%d\n", p.MaxPerDay, budget.Stats.SentInCurrentDay, budget.RemainingDay)
	w.Flush()

	fmt.Println()
	fmt.Printf("Min delay between sends: %s\n", p.MinDelayBetweenSends)
	fmt.Printf("Recipient cooldown:      %s\n", p.CooldownPerRecipient)
	fmt.Printf("Next allowed at:         %s\n", budget.NextAllowedAt.Format(time.RFC3339))

	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
