package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var dataResetYes bool

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Stored data commands",
}

var dataResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete recipients, history and usage statistics",
	Long: `Delete recipients, history, usage statistics and sandbox captures.
Automation settings are kept.`,
	RunE: runDataReset,
}

func init() {
	dataResetCmd.Flags().BoolVar(&dataResetYes, "yes", false, "Confirm the reset")

	dataCmd.AddCommand(dataResetCmd)
	rootCmd.AddCommand(dataCmd)
}

func runDataReset(cmd *cobra.Command, args []string) error {
	if !dataResetYes {
		return fmt.Errorf("refusing to reset without --yes")
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	if err := application.ResetData(context.Background()); err != nil {
		return err
	}

	fmt.Println("All data reset")
	return nil
}
