package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/keyforge/keyforge/internal/service"
	"github.com/keyforge/keyforge/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// KEYFORGE_DATA_DIR env var, or ~/.keyforge as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYFORGE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.keyforge"
}

// openStore opens the license store using the configured driver. SQLite is
// the default; set store.driver to "postgres" plus store.dsn to share one
// database across instances.
func openStore() (*store.Store, error) {
	return store.Open(store.Options{
		Driver:  viper.GetString("store.driver"),
		DataDir: resolveDataDir(),
		DSN:     viper.GetString("store.dsn"),
	})
}

// cliActor attributes audit entries produced by local commands. There is no
// remote address; the operating system user is the closest thing to identity.
func cliActor() service.Actor {
	user := os.Getenv("USER")
	if user == "" {
		user = "cli"
	}
	return service.Actor{Name: "cli:" + user}
}

// --- PID file management ---

func pidFilePath() string {
	return filepath.Join(resolveDataDir(), "keyforge.pid")
}

func writePID(pid int) error {
	dir := resolveDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func readPID() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePID() {
	os.Remove(pidFilePath())
}

func logFilePath() string {
	return filepath.Join(resolveDataDir(), "keyforge.log")
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
