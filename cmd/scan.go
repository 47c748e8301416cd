package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatlas/ingest/internal/app"
)

// newScanCmd groups the one-shot schedule triggers. These enqueue onto the
// shared broker, so a running serve instance picks up the resulting jobs.
func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scheduled scan immediately.",
	}
	cmd.AddCommand(newScanRescrapeCmd())
	cmd.AddCommand(newScanDeletionsCmd())
	return cmd
}

func newScanRescrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescrape",
		Short: "Find stale chatbots and enqueue crawls for them.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Rescrapes().RunScheduledScan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("checked=%d triggered=%d failed=%d\n", res.Checked, res.Triggered, res.Failed)
			return nil
		},
	}
}

func newScanDeletionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deletions",
		Short: "Find due deletion requests and enqueue them.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Deletions().RunScheduledScan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("total_found=%d processed=%d\n", res.TotalFound, res.Processed)
			return nil
		},
	}
}
