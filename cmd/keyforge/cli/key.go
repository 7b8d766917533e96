package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyforge/keyforge/internal/keygen"
	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage server API keys",
		Long:    "Create, list, and revoke server keys used by backend integrations to call the Keyforge API.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		label      string
		expireDays int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new server API key",
		Long:  "Generate a new server key. The raw key is shown once and cannot be retrieved again.",
		Example: `  keyforge key create --label "storefront backend"
  keyforge key create --label "CI pipeline" --expires 90`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(label, expireDays)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key")
	cmd.Flags().IntVar(&expireDays, "expires", 0, "Days until the key expires (0 = never)")

	return cmd
}

func runKeyCreate(label string, expireDays int) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rawKey, err := keygen.NewServerKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	apiKey := &model.APIKey{
		KeyHash:   store.HashKey(rawKey),
		KeyPrefix: rawKey[:10],
		Label:     label,
		IsActive:  true,
	}
	if expireDays > 0 {
		expires := time.Now().UTC().AddDate(0, 0, expireDays)
		apiKey.ExpiresAt = &expires
	}

	if err := st.CreateAPIKey(context.Background(), apiKey); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("Server key created:")
	fmt.Println()
	fmt.Printf("  Key:   %s\n", rawKey)
	if label != "" {
		fmt.Printf("  Label: %s\n", label)
	}
	if apiKey.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", apiKey.ExpiresAt.Format("2006-01-02"))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all server API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	keys, err := st.ListAPIKeys(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Println("No server keys configured. Use 'keyforge key create' to create one.")
		return nil
	}

	fmt.Printf("%-12s %-24s %-8s %-20s\n", "PREFIX", "LABEL", "ACTIVE", "LAST USED")
	fmt.Printf("%-12s %-24s %-8s %-20s\n", "------", "-----", "------", "---------")
	for _, k := range keys {
		active := "yes"
		if !k.IsActive {
			active = "no"
		}
		lastUsed := "never"
		if k.LastUsed != nil {
			lastUsed = k.LastUsed.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-12s %-24s %-8s %-20s\n", k.KeyPrefix, k.Label, active, lastUsed)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke a server API key by its prefix",
		Long:  "Deactivate a server key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(prefix string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	keys, err := st.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	// Find key whose prefix starts with the given prefix
	var matched *model.APIKey
	for i := range keys {
		if strings.HasPrefix(keys[i].KeyPrefix, prefix) {
			matched = &keys[i]
			break
		}
	}
	if matched == nil {
		return fmt.Errorf("no server key found with prefix %q", prefix)
	}

	if err := st.SetAPIKeyActive(ctx, matched.ID, false); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked server key with prefix %q\n", matched.KeyPrefix)
	return nil
}
