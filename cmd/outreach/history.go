package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/history"
)

var (
	historyDrafts    bool
	historyFailed    bool
	historyRecipient string
	historyLimit     int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Dispatch and draft history commands",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List history records, newest first",
	RunE:  runHistoryList,
}

func init() {
	historyListCmd.Flags().BoolVar(&historyDrafts, "drafts", false, "List draft records instead of dispatch records")
	historyListCmd.Flags().BoolVar(&historyFailed, "failed", false, "Only show failed records")
	historyListCmd.Flags().StringVar(&historyRecipient, "recipient", "", "Filter by recipient ID")
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of records to show")

	historyCmd.AddCommand(historyListCmd)
	rootCmd.AddCommand(historyCmd)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	kind := history.KindDispatch
	if historyDrafts {
		kind = history.KindDraft
	}

	records, err := application.History().List(context.Background(), kind, history.ListFilter{
		RecipientID: historyRecipient,
		FailedOnly:  historyFailed,
		Limit:       historyLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No records found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRECIPIENT\tSTATUS\tMODEL\tDETAIL")
	for _, rec := range records {
		status := "ok"
		detail := rec.Content
		if !rec.Success {
			status = "failed"
			detail = rec.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.SentAt.Format(time.DateTime),
			truncate(rec.RecipientName, 24),
			status,
			dash(rec.ModelUsed),
			truncate(firstLine(detail), 60),
		)
	}
	w.Flush()

	fmt.Printf("\nShowing %d record(s)\n", len(records))
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
