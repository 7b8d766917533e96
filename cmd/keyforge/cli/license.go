package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/service"
	"github.com/keyforge/keyforge/internal/store"
)

func newLicenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "license",
		Aliases: []string{"lic"},
		Short:   "Manage licenses",
		Long:    "Mint, inspect, and administer licenses directly against the store, without going through the HTTP API.",
	}

	cmd.AddCommand(newLicenseCreateCmd())
	cmd.AddCommand(newLicenseListCmd())
	cmd.AddCommand(newLicenseShowCmd())
	cmd.AddCommand(newLicenseSearchCmd())
	cmd.AddCommand(newLicenseExtendCmd())
	cmd.AddCommand(newLicenseLockCmd())
	cmd.AddCommand(newLicenseUnlockCmd())
	cmd.AddCommand(newLicenseRevokeCmd())
	cmd.AddCommand(newLicenseResetCmd())
	cmd.AddCommand(newLicenseDeleteCmd())
	cmd.AddCommand(newLicenseStatsCmd())
	cmd.AddCommand(newLicenseExportCmd())

	return cmd
}

// openLicenseService opens the store and wraps it in a LicenseService. The
// caller must Close the returned store.
func openLicenseService() (*service.LicenseService, *store.Store, error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return service.NewLicenseService(st, nil), st, nil
}

// ---------- license create ----------

func newLicenseCreateCmd() *cobra.Command {
	var (
		req   service.CreateLicenseRequest
		count int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint one or more licenses",
		Example: `  keyforge license create --name "Alice" --days 365
  keyforge license create --prefix GAME --format extended --max-devices 3 --multi
  keyforge license create --key CUSTOM-KEY-0001 --name "Site license"
  keyforge license create --count 50 --days 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseCreate(req, count)
		},
	}

	cmd.Flags().StringVar(&req.Name, "name", "", "Licensee name")
	cmd.Flags().StringVar(&req.CustomKey, "key", "", "Use this exact key instead of generating one")
	cmd.Flags().StringVar(&req.Prefix, "prefix", "", "Key prefix for generated keys")
	cmd.Flags().StringVar(&req.Format, "format", "", "Key format: compact, standard, or extended")
	cmd.Flags().IntVar(&req.Days, "days", 0, "Days until expiry (0 = perpetual)")
	cmd.Flags().IntVar(&req.MaxDevices, "max-devices", 1, "Device slot capacity")
	cmd.Flags().BoolVar(&req.AllowMultipleDevices, "multi", false, "Allow activation on multiple devices")
	cmd.Flags().StringVar(&req.HWIDLock, "hwid-lock", "", "Comma-separated hardware ID allow-list")
	cmd.Flags().StringVar(&req.IPLock, "ip-lock", "", "Comma-separated IP allow-list")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "Free-form notes")
	cmd.Flags().IntVar(&count, "count", 1, "Number of licenses to mint")

	return cmd
}

func runLicenseCreate(req service.CreateLicenseRequest, count int) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()

	if count > 1 {
		if req.CustomKey != "" {
			return fmt.Errorf("--key cannot be combined with --count")
		}
		licenses, err := svc.BulkCreate(ctx, count, req, cliActor())
		if err != nil {
			return fmt.Errorf("bulk create: %w", err)
		}
		for _, lic := range licenses {
			fmt.Println(lic.LicenseKey)
		}
		fmt.Fprintf(os.Stderr, "Minted %d licenses.\n", len(licenses))
		return nil
	}

	lic, err := svc.Create(ctx, req, cliActor())
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}

	fmt.Println("License created:")
	fmt.Println()
	fmt.Printf("  Key:     %s\n", lic.LicenseKey)
	if lic.Name != "" {
		fmt.Printf("  Name:    %s\n", lic.Name)
	}
	fmt.Printf("  Expires: %s\n", formatExpiry(lic.ExpiresAt))
	fmt.Printf("  Devices: %d\n", lic.EffectiveCapacity())
	return nil
}

// ---------- license list ----------

func newLicenseListCmd() *cobra.Command {
	var (
		status     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseList(status, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status: active, expired, locked, or revoked")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runLicenseList(status string, jsonOutput bool) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	licenses, err := svc.List(context.Background(), status)
	if err != nil {
		return fmt.Errorf("list licenses: %w", err)
	}

	return printLicenses(licenses, jsonOutput)
}

func printLicenses(licenses []model.License, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(licenses)
	}

	if len(licenses) == 0 {
		fmt.Println("No licenses found.")
		return nil
	}

	now := time.Now().UTC()
	fmt.Printf("%-28s %-20s %-10s %-12s %-8s\n", "KEY", "NAME", "STATUS", "EXPIRES", "DEVICES")
	fmt.Printf("%-28s %-20s %-10s %-12s %-8s\n", "---", "----", "------", "-------", "-------")
	for _, lic := range licenses {
		fmt.Printf("%-28s %-20s %-10s %-12s %-8d\n",
			lic.LicenseKey, lic.Name, lic.ResolvedStatus(now),
			formatExpiry(lic.ExpiresAt), lic.EffectiveCapacity())
	}
	return nil
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02")
}

// ---------- license show ----------

func newLicenseShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show a license and its device activations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseShow(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runLicenseShow(key string, jsonOutput bool) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	lic, slots, err := svc.Get(context.Background(), key)
	if err != nil {
		return fmt.Errorf("get license: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*model.License
			Slots []model.ActivationSlot `json:"slots"`
		}{lic, slots})
	}

	now := time.Now().UTC()
	fmt.Printf("Key:         %s\n", lic.LicenseKey)
	fmt.Printf("Name:        %s\n", lic.Name)
	fmt.Printf("Status:      %s\n", lic.ResolvedStatus(now))
	if lic.LockReason != "" {
		fmt.Printf("Lock reason: %s\n", lic.LockReason)
	}
	fmt.Printf("Expires:     %s\n", formatExpiry(lic.ExpiresAt))
	fmt.Printf("Devices:     %d/%d\n", len(slots), lic.EffectiveCapacity())
	fmt.Printf("Activations: %d total, %d resets\n", lic.TotalActivations, lic.ResetCount)
	if lic.HWIDLock != "" {
		fmt.Printf("HWID lock:   %s\n", lic.HWIDLock)
	}
	if lic.IPLock != "" {
		fmt.Printf("IP lock:     %s\n", lic.IPLock)
	}
	if lic.Notes != "" {
		fmt.Printf("Notes:       %s\n", lic.Notes)
	}

	if len(slots) > 0 {
		fmt.Println()
		fmt.Printf("%-36s %-24s %-20s\n", "HWID", "DEVICE", "LAST USED")
		for _, slot := range slots {
			fmt.Printf("%-36s %-24s %-20s\n",
				slot.HWID, slot.DeviceInfo, slot.LastUsed.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

// ---------- license search ----------

func newLicenseSearchCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search licenses by key, name, notes, or bound hardware ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseSearch(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runLicenseSearch(query string, jsonOutput bool) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	licenses, err := svc.Search(context.Background(), query)
	if err != nil {
		return fmt.Errorf("search licenses: %w", err)
	}

	return printLicenses(licenses, jsonOutput)
}

// ---------- license extend ----------

func newLicenseExtendCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "extend <key>",
		Short: "Extend a license's expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseExtend(args[0], days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "Days to add")

	return cmd
}

func runLicenseExtend(key string, days int) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	lic, err := svc.Extend(context.Background(), key, days, cliActor())
	if err != nil {
		return fmt.Errorf("extend license: %w", err)
	}

	fmt.Printf("Extended %s by %d days (expires %s)\n", lic.LicenseKey, days, formatExpiry(lic.ExpiresAt))
	return nil
}

// ---------- license lock / unlock / revoke / reset ----------

func newLicenseLockCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "lock <key>",
		Short: "Lock a license, blocking validations until unlocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseLock(args[0], reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason shown in the audit log and to clients")

	return cmd
}

func runLicenseLock(key, reason string) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := svc.Lock(context.Background(), key, reason, cliActor()); err != nil {
		return fmt.Errorf("lock license: %w", err)
	}

	fmt.Printf("Locked %s\n", key)
	return nil
}

func newLicenseUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <key>",
		Short: "Unlock a locked license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := openLicenseService()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := svc.Unlock(context.Background(), args[0], cliActor()); err != nil {
				return fmt.Errorf("unlock license: %w", err)
			}

			fmt.Printf("Unlocked %s\n", args[0])
			return nil
		},
	}
}

func newLicenseRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key>",
		Short: "Permanently revoke a license",
		Long:  "Revoke a license. Revocation is terminal: a revoked license can never validate again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := openLicenseService()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := svc.Revoke(context.Background(), args[0], cliActor()); err != nil {
				return fmt.Errorf("revoke license: %w", err)
			}

			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
}

func newLicenseResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Clear a license's device activations",
		Long:  "Release all device slots so the license can be activated on new hardware.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, st, err := openLicenseService()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := svc.Reset(context.Background(), args[0], cliActor()); err != nil {
				return fmt.Errorf("reset license: %w", err)
			}

			fmt.Printf("Reset %s\n", args[0])
			return nil
		},
	}
}

// ---------- license delete ----------

func newLicenseDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"rm"},
		Short:   "Delete a license and its activations",
		Long:    "Delete a license outright. Audit history is kept; prefer revoke unless the key was minted in error.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseDelete(args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")

	return cmd
}

func runLicenseDelete(key string, yes bool) error {
	if !yes {
		fmt.Printf("Delete license %s? This cannot be undone. [y/N] ", key)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := svc.Delete(context.Background(), key, cliActor()); err != nil {
		return fmt.Errorf("delete license: %w", err)
	}

	fmt.Printf("Deleted %s\n", key)
	return nil
}

// ---------- license stats ----------

func newLicenseStatsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate license counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseStats(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runLicenseStats(jsonOutput bool) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := svc.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Total:       %d\n", stats.Total)
	fmt.Printf("Active:      %d\n", stats.Active)
	fmt.Printf("Expired:     %d\n", stats.Expired)
	fmt.Printf("Locked:      %d\n", stats.Locked)
	fmt.Printf("Revoked:     %d\n", stats.Revoked)
	fmt.Printf("Activations: %d\n", stats.TotalActivations)
	fmt.Printf("Last 24h:    %d audit events\n", stats.RecentActivity)
	return nil
}

// ---------- license export ----------

func newLicenseExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all licenses as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseExport(output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")

	return cmd
}

func runLicenseExport(output string) error {
	svc, st, err := openLicenseService()
	if err != nil {
		return err
	}
	defer st.Close()

	out := os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := svc.ExportCSV(context.Background(), out); err != nil {
		return fmt.Errorf("export licenses: %w", err)
	}

	if output != "" {
		fmt.Fprintf(os.Stderr, "Wrote %s\n", output)
	}
	return nil
}
