package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/delivery"
)

var (
	sandboxListRecipient string
	sandboxListLimit     int
	sandboxClearDays     int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Sandbox transport commands",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListRecipient, "recipient", "", "Filter by recipient ID")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear messages older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

// openSandbox returns the capture storage. The caller must call the returned
// close function.
func openSandbox() (*delivery.CaptureStorage, func(), error) {
	application, err := openApp()
	if err != nil {
		return nil, nil, err
	}

	sb := application.Sandbox()
	if sb == nil {
		application.Close()
		return nil, nil, fmt.Errorf("sandbox transport is not active (delivery.transport must be sandbox)")
	}
	return sb.Storage(), func() { application.Close() }, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	st, closeFn, err := openSandbox()
	if err != nil {
		return err
	}
	defer closeFn()

	captures, err := st.List(context.Background(), delivery.CaptureFilter{
		RecipientID: sandboxListRecipient,
		Limit:       sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list captures: %w", err)
	}

	if len(captures) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECIPIENT\tCAPTURED\tSTATUS\tPREVIEW")
	for _, c := range captures {
		status := "captured"
		if c.SimulatedErr != "" {
			status = "simulated error"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncate(c.ID, 12),
			truncate(c.RecipientName, 24),
			c.CapturedAt.Format(time.DateTime),
			status,
			truncate(firstLine(c.Content), 40),
		)
	}
	w.Flush()

	fmt.Printf("\nShowing %d message(s)\n", len(captures))
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	st, closeFn, err := openSandbox()
	if err != nil {
		return err
	}
	defer closeFn()

	olderThan := time.Duration(sandboxClearDays) * 24 * time.Hour
	n, err := st.Clear(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	fmt.Printf("Cleared %d message(s)\n", n)
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	st, closeFn, err := openSandbox()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()

	total, err := st.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count captures: %w", err)
	}

	captures, err := st.List(ctx, delivery.CaptureFilter{})
	if err != nil {
		return fmt.Errorf("failed to list captures: %w", err)
	}

	simulated := 0
	perRecipient := make(map[string]int)
	for _, c := range captures {
		if c.SimulatedErr != "" {
			simulated++
		}
		perRecipient[c.RecipientName]++
	}

	fmt.Println("Sandbox Statistics")
	fmt.Println("==================")
	fmt.Printf("Total messages:   %d\n", total)
	fmt.Printf("Simulated errors: %d\n", simulated)
	fmt.Printf("Recipients:       %d\n", len(perRecipient))

	return nil
}
