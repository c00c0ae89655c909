package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/recipient"
)

var recipientsListEligible bool

var recipientsCmd = &cobra.Command{
	Use:   "recipients",
	Short: "Recipient pool commands",
}

var recipientsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import recipient profiles from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecipientsImport,
}

var recipientsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipients",
	RunE:  runRecipientsList,
}

func init() {
	recipientsListCmd.Flags().BoolVar(&recipientsListEligible, "eligible", false, "Only show recipients the scheduler may contact now")

	recipientsCmd.AddCommand(recipientsImportCmd, recipientsListCmd)
	rootCmd.AddCommand(recipientsCmd)
}

func runRecipientsImport(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	fetched, created, err := application.ImportRecipients(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to import recipients: %w", err)
	}

	fmt.Printf("Imported %d profiles (%d new, %d updated)\n", fetched, created, fetched-created)
	return nil
}

func runRecipientsList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()

	var list []*recipient.Recipient
	if recipientsListEligible {
		list, err = application.Eligible(ctx)
	} else {
		list, err = application.Recipients().List(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to list recipients: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No recipients found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOUNTRY\tAGE\tINTERESTS\tSENT\tLAST CONTACTED")
	for _, r := range list {
		interests := make([]string, 0, len(r.Interests))
		for _, in := range r.Interests {
			interests = append(interests, string(in))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			truncate(r.Name, 24),
			dash(r.Country),
			r.AgeGroup,
			dash(strings.Join(interests, ",")),
			r.MessageCount,
			formatTime(r.LastContactedAt),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d recipient(s)\n", len(list))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	n := maxLen - 3
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
