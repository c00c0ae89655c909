package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/recipient"
)

var sendMessage string

var sendCmd = &cobra.Command{
	Use:   "send <recipient_id>",
	Short: "Send one message to a recipient",
	Long: `Send one message to a recipient. Without --message the text is
generated and pacing applies. Budget limits apply in both cases.`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendMessage, "message", "m", "", "Send this text verbatim instead of generating one")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	// pacing may sleep; let Ctrl-C abort it
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	r, err := application.Recipients().Get(ctx, args[0])
	if err != nil {
		if errors.Is(err, recipient.ErrNotFound) {
			return fmt.Errorf("recipient %s not found", args[0])
		}
		return fmt.Errorf("failed to get recipient: %w", err)
	}

	var override *string
	if cmd.Flags().Changed("message") {
		override = &sendMessage
	}

	res, err := application.Pipeline().Send(ctx, r, override)
	if err != nil {
		return fmt.Errorf("send aborted: %w", err)
	}

	if !res.Success {
		if res.Kind == dispatch.KindAdmissionDenied {
			return fmt.Errorf("send denied: %s (retry in %s)", res.Error, res.RetryAfter.Round(time.Second))
		}
		return fmt.Errorf("send failed (%s): %s", res.Kind, res.Error)
	}

	fmt.Printf("Sent to %s (%s)\n\n%s\n", r.Name, r.ID, res.Content)
	return nil
}
