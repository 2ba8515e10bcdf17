package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/maintenance"
)

func newRepairCountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair-counts",
		Short: "Recomputes stored result counts",
		Long: `Scans every job record and rewrites counters.resultCount where it no
longer matches the number of stored results. Prints {"scanned","repaired"}.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := appInstance.Close(cmd.Context()); cerr != nil {
					appInstance.Logger().Warn("close failed", zap.Error(cerr))
				}
			}()
			report, err := maintenance.RepairCounts(cmd.Context(), appInstance.JobStore(), appInstance.Clock(), appInstance.Logger())
			if err != nil {
				return fmt.Errorf("repair counts: %w", err)
			}
			out, err := json.Marshal(report)
			if err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
