package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/coveragoor/pkg/fsutil"
	"github.com/ethpandaops/coveragoor/pkg/window"
)

const defaultWindowFile = "test-window.json"

var windowFile string

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Manage the test run time window",
	Long: `A window records the time span of a test run. Open one before the
first scenario and close it after the last; collection and trace
queries are then bounded by it.`,
}

var windowOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a new test run window starting now",
	RunE:  runWindowOpen,
}

var windowCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the current test run window",
	RunE:  runWindowClose,
}

func init() {
	rootCmd.AddCommand(windowCmd)
	windowCmd.AddCommand(windowOpenCmd)
	windowCmd.AddCommand(windowCloseCmd)

	windowCmd.PersistentFlags().StringVar(&windowFile, "file",
		defaultWindowFile, "window file path")
}

func runWindowOpen(cmd *cobra.Command, args []string) error {
	w := window.New()

	if err := w.Save(windowFile); err != nil {
		return fmt.Errorf("saving window: %w", err)
	}

	log.WithField("test_run_id", w.TestRunID).
		WithField("file", windowFile).
		Info("Test run window opened")

	return nil
}

func runWindowClose(cmd *cobra.Command, args []string) error {
	// Load without validation: an open window has no end time yet.
	var w window.Window
	if err := fsutil.ReadJSON(windowFile, &w); err != nil {
		return fmt.Errorf("reading window: %w", err)
	}

	if w.StartTime.IsZero() {
		return fmt.Errorf("window in %s has no start time", windowFile)
	}

	w.Close()

	if err := w.Save(windowFile); err != nil {
		return fmt.Errorf("saving window: %w", err)
	}

	log.WithField("test_run_id", w.TestRunID).
		WithField("duration", w.Duration()).
		Info("Test run window closed")

	return nil
}
