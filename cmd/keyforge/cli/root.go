package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	appVersion string // set in Execute, used by serve for telemetry
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyforge",
		Short: "License key generation, validation, and activation server",
		Long: `Keyforge: license key generation, validation, and activation. One binary. One command.

Keyforge mints license keys, tracks per-device activations with hardware
binding, and exposes a REST API for both client-side validation and admin
management. State lives in a single SQLite file by default; point it at
Postgres for multi-instance deployments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keyforge.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.keyforge)")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newLicenseCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newAdminCmd())
	cmd.AddCommand(newActivityCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("keyforge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.keyforge")
	}

	viper.SetEnvPrefix("KEYFORGE")
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
