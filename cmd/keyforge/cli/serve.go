package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyforge/keyforge/internal/config"
	"github.com/keyforge/keyforge/internal/engine"
	"github.com/keyforge/keyforge/internal/server"
	"github.com/keyforge/keyforge/internal/service"
	"github.com/keyforge/keyforge/internal/store"
	"github.com/keyforge/keyforge/internal/telemetry"
)

const banner = `
 _  _________   _____ ___  ___  ___ ___
| |/ / __\ \ / / __/ _ \| _ \/ __| __|
| ' <| _| \ V /| _| (_) |   / (_ | _|
|_|\_\___| |_| |_| \___/|_|_\\___|___|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Keyforge license server",
		Long:  "Start the HTTP server that handles client license validation and the admin management API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	// The typed config carries file values with ${ENV} expansion; flags and
	// KEYFORGE_* environment variables layered through viper win over it.
	cfg := config.DefaultYAMLConfig()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.LoadYAMLConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging, dev)
	ctx := context.Background()

	// 1. Open the license store
	driver := firstOf(viper.GetString("store.driver"), cfg.Store.Driver, "sqlite")
	dataDirOpt := firstOf(cfg.Store.DataDir, resolveDataDir())
	st, err := store.Open(store.Options{
		Driver:  driver,
		DataDir: dataDirOpt,
		DSN:     firstOf(viper.GetString("store.dsn"), cfg.Store.DSN),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store opened", "driver", driver, "data_dir", dataDirOpt)

	// 2. Auth service
	jwtSecret := firstOf(viper.GetString("auth.jwt_secret"), cfg.Auth.JWTSecret)
	if jwtSecret == "" {
		jwtSecret = "keyforge-dev-secret-change-me"
		logger.Warn("auth.jwt_secret not set, using insecure development secret")
	}
	authSvc := service.NewAuthService(st, jwtSecret)

	sessionTTL, err := time.ParseDuration(firstOf(cfg.Auth.JWTExpiry, "24h"))
	if err != nil {
		return fmt.Errorf("parse auth.jwt_expiry: %w", err)
	}

	// The require-client-key switch lives in the settings table so it can be
	// flipped at runtime; the config file seeds it on boot.
	if cfg.Auth.RequireClientKey {
		if err := st.SetSetting(ctx, "auth.require_client_key", "true"); err != nil {
			logger.Warn("failed to seed client key setting", "error", err)
		}
	}

	// 3. Activation engine and license service
	eng := engine.New(st, logger)
	licenseSvc := service.NewLicenseService(st, logger)

	// 4. First-run check
	adminCount, err := st.CountAdmins(ctx)
	if err != nil {
		logger.Warn("failed to count admins", "error", err)
	}
	if adminCount == 0 {
		logger.Warn("no admin account found - run: keyforge admin create")
	}

	// 5. Telemetry heartbeat (anonymous, opt-out)
	var tracker *telemetry.Tracker
	if !cfg.Telemetry.Disabled {
		tracker = telemetry.New(ctx, st, func() telemetry.Properties {
			return gatherTelemetry(st, driver)
		})
	}
	if tracker != nil {
		telemetry.PrintNotice()
		tracker.Start()
		defer tracker.Shutdown()
	}

	// 6. Build and start the HTTP server
	host := firstOf(viper.GetString("server.host"), cfg.Server.Host)
	port := viper.GetInt("server.port")
	if port == 0 {
		port = cfg.Server.Port
	}

	shutdownTimeout := 30 * time.Second
	if cfg.Server.ShutdownTimeout != "" {
		if d, err := time.ParseDuration(cfg.Server.ShutdownTimeout); err == nil {
			shutdownTimeout = d
		}
	}

	corsOrigins := cfg.Server.CORS.Origins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	srvCfg := server.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: shutdownTimeout,
		CORSOrigins:     corsOrigins,
		ClientRateLimit: cfg.Server.ClientRateLimit,
		SessionTTL:      sessionTTL,
		Version:         versionString(),
	}

	srv := server.New(srvCfg, st, eng, authSvc, licenseSvc, logger)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer removePID()

	fmt.Printf("→ Keyforge %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ Client API: http://%s:%d/api/v1/client/validate\n", host, port)
	fmt.Printf("→ Admin API:  http://%s:%d/api/v1/licenses\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Println()

	return srv.ListenAndServe()
}

// gatherTelemetry snapshots aggregate counts for the heartbeat. Only counts
// and build metadata are reported, never keys or identities.
func gatherTelemetry(st *store.Store, driver string) telemetry.Properties {
	props := telemetry.Properties{
		Version:     versionString(),
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		StoreDriver: driver,
	}
	ctx := context.Background()
	now := time.Now().UTC()
	if stats, err := st.LicenseStats(ctx, now, now.Add(-24*time.Hour)); err == nil {
		props.Licenses = stats.Total
		props.Activations = stats.TotalActivations
	}
	if n, err := st.CountAdmins(ctx); err == nil {
		props.Admins = n
	}
	if keys, err := st.ListAPIKeys(ctx); err == nil {
		props.APIKeys = len(keys)
	}
	return props
}

// newLogger builds the process logger from the logging config. The --dev
// flag forces debug level regardless of configuration.
func newLogger(cfg config.LoggingConfig, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// firstOf returns the first non-empty string.
func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
