package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keyforge/keyforge/internal/model"
	"github.com/keyforge/keyforge/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage admin users",
		Long:  "Create, list, and remove administrative users who can manage Keyforge through the admin API.",
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())
	cmd.AddCommand(newAdminPasswdCmd())
	cmd.AddCommand(newAdminDeleteCmd())

	return cmd
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		username string
		password string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new admin user",
		Example: `  keyforge admin create --username ops --password secret
  keyforge admin create --username ops  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCreate(username, password, name)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Admin username (required)")
	cmd.Flags().StringVar(&password, "password", "", "Admin password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Admin display name")
	cmd.MarkFlagRequired("username")

	return cmd
}

func runAdminCreate(username, password, name string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}

	if password == "" {
		var err error
		password, err = promptPassword(true)
		if err != nil {
			return err
		}
	}

	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hash, err := service.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	admin := &model.Admin{
		Username:     username,
		PasswordHash: hash,
		Name:         name,
		IsActive:     true,
	}
	if err := st.CreateAdmin(context.Background(), admin); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}

	fmt.Printf("Created admin user %q\n", username)
	return nil
}

// promptPassword reads a password from the terminal without echo. When
// confirm is set it asks twice and requires both entries to match.
func promptPassword(confirm bool) (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	if confirm {
		fmt.Print("Confirm password: ")
		confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Println()

		if string(pwBytes) != string(confirmBytes) {
			return "", fmt.Errorf("passwords do not match")
		}
	}

	return string(pwBytes), nil
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all admin users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAdminList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	admins, err := st.ListAdmins(context.Background())
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(admins)
	}

	if len(admins) == 0 {
		fmt.Println("No admin users configured. Use 'keyforge admin create' to create one.")
		return nil
	}

	fmt.Printf("%-20s %-24s %-8s %-20s\n", "USERNAME", "NAME", "ACTIVE", "LAST LOGIN")
	fmt.Printf("%-20s %-24s %-8s %-20s\n", "--------", "----", "------", "----------")
	for _, a := range admins {
		active := "yes"
		if !a.IsActive {
			active = "no"
		}
		lastLogin := "never"
		if a.LastLoginAt != nil {
			lastLogin = a.LastLoginAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-20s %-24s %-8s %-20s\n", a.Username, a.Name, active, lastLogin)
	}

	return nil
}

// ---------- admin passwd ----------

func newAdminPasswdCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Change an admin user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminPasswd(args[0])
		},
	}

	return cmd
}

func runAdminPasswd(username string) error {
	password, err := promptPassword(true)
	if err != nil {
		return err
	}
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hash, err := service.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := st.UpdateAdminPassword(context.Background(), username, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	fmt.Printf("Updated password for %q\n", username)
	return nil
}

// ---------- admin delete ----------

func newAdminDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <username>",
		Aliases: []string{"rm"},
		Short:   "Delete an admin user",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminDelete(args[0])
		},
	}

	return cmd
}

func runAdminDelete(username string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.DeleteAdmin(context.Background(), username); err != nil {
		return fmt.Errorf("delete admin: %w", err)
	}

	fmt.Printf("Deleted admin user %q\n", username)
	return nil
}
