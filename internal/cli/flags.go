package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aptsync/internal/app"
	"aptsync/internal/types"
)

var defaultSources = []string{"/etc/apt/sources.list", "/etc/apt/sources.list.d"}

func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("cache-dir", defaultCacheDir(), "Cache directory for lists and state")
	flags.StringSlice("source", defaultSources, "Source list files or directories")
	flags.String("sources-write", defaultSourcesWrite(), "Writable deb822 source list for added repositories")
	flags.String("host-arch", "", "Primary dpkg architecture (defaults to the running one)")
	flags.StringSlice("foreign-arch", nil, "Foreign dpkg architectures the host accepts")
	flags.Int("workers", 0, "Concurrent repository workers (0 = derived from CPU count)")
	flags.Int("timeout-background", 10, "Per-fetch timeout in seconds for background syncs")
	flags.Int("timeout-user", 20, "Per-fetch timeout in seconds for user-initiated syncs")
	flags.Bool("verify-signatures", false, "Verify Release.gpg against the configured keyrings")
	flags.StringSlice("keyring", nil, "Trusted OpenPGP keyring files")
	flags.Bool("multi-arch", false, "Also fetch Packages for foreign architectures")

	_ = viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	_ = viper.BindPFlag("sources", flags.Lookup("source"))
	_ = viper.BindPFlag("sources_write", flags.Lookup("sources-write"))
	_ = viper.BindPFlag("host_arch", flags.Lookup("host-arch"))
	_ = viper.BindPFlag("foreign_archs", flags.Lookup("foreign-arch"))
	_ = viper.BindPFlag("workers", flags.Lookup("workers"))
	_ = viper.BindPFlag("timeout_background_sec", flags.Lookup("timeout-background"))
	_ = viper.BindPFlag("timeout_user_sec", flags.Lookup("timeout-user"))
	_ = viper.BindPFlag("verify_signatures", flags.Lookup("verify-signatures"))
	_ = viper.BindPFlag("keyrings", flags.Lookup("keyring"))
	_ = viper.BindPFlag("multi_arch", flags.Lookup("multi-arch"))
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "aptsync")
	}
	return filepath.Join(dir, "aptsync")
}

func defaultSourcesWrite() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "aptsync", "aptsync.sources")
}

// loadConfig reads the merged flag, environment and file configuration.
func loadConfig() types.Config {
	return types.Config{
		CacheDir:             strings.TrimSpace(viper.GetString("cache_dir")),
		Sources:              viper.GetStringSlice("sources"),
		SourcesWrite:         strings.TrimSpace(viper.GetString("sources_write")),
		Host:                 types.NewHostArchitectures(viper.GetString("host_arch"), viper.GetStringSlice("foreign_archs")),
		Workers:              viper.GetInt("workers"),
		TimeoutBackgroundSec: viper.GetInt("timeout_background_sec"),
		TimeoutUserSec:       viper.GetInt("timeout_user_sec"),
		VerifySignatures:     viper.GetBool("verify_signatures"),
		Keyrings:             viper.GetStringSlice("keyrings"),
		MultiArch:            viper.GetBool("multi_arch"),
		UserAgent:            "aptsync/" + version,
	}
}

func newAppService() (app.Service, error) {
	return app.NewService(loadConfig())
}

func resolveString(cmd *cobra.Command, value string, key string, flagName string) string {
	if cmd == nil {
		if value != "" {
			return value
		}
		return viper.GetString(key)
	}
	if flagChanged(cmd, flagName) {
		return value
	}
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	return value
}

func resolveInt(cmd *cobra.Command, value int, key string, flagName string) int {
	if cmd == nil {
		return value
	}
	if flagChanged(cmd, flagName) {
		return value
	}
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	return value
}

func resolveBool(cmd *cobra.Command, value bool, key string, flagName string) bool {
	if cmd == nil {
		return value
	}
	if flagChanged(cmd, flagName) {
		return value
	}
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	return value
}

func flagChanged(cmd *cobra.Command, name string) bool {
	if cmd == nil || strings.TrimSpace(name) == "" {
		return false
	}
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag.Changed
	}
	if flag := cmd.PersistentFlags().Lookup(name); flag != nil {
		return flag.Changed
	}
	return false
}
