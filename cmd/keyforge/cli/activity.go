package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newActivityCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent audit log entries",
		Long:  "Show the most recent entries from the audit log: license mutations, activations, and admin sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActivity(limit, jsonOutput)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 25, "Number of entries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runActivity(limit int, jsonOutput bool) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := svc.Activity(context.Background(), limit)
	if err != nil {
		return fmt.Errorf("load activity: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("No activity recorded.")
		return nil
	}

	fmt.Printf("%-20s %-10s %-28s %-16s %s\n", "TIME", "ACTION", "LICENSE", "ACTOR", "DETAILS")
	for _, rec := range records {
		key := rec.LicenseKey
		if key == "" {
			key = "-"
		}
		fmt.Printf("%-20s %-10s %-28s %-16s %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Action, key, rec.Actor, rec.Details)
	}
	return nil
}
