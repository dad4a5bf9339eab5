// Package cmd implements the clipforge command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/3leaps/clipforge/internal/config"
	"github.com/3leaps/clipforge/internal/observability"
)

type buildInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile     string
	appIdentity *config.AppIdentity
)

// GetAppIdentity returns the identity resolved during startup, or nil
// before the first command runs.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	Use:   "clipforge",
	Short: "Asynchronous video crop job service",
	Long: `clipforge accepts crop requests over HTTP, runs the transforms on a
bounded worker pool and serves job status until the result is ready.

Uploads go straight to object storage through presigned multipart URLs;
the service never proxies media bytes from clients.`,
	SilenceUsage:      true,
	PersistentPreRunE: initCLI,
}

func init() {
	setDefaults()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./clipforge.yaml or the user config dir)")
	pf.String("log-level", viper.GetString("logging.level"), "Log level: debug, info, warn, error")
	pf.String("db", "", "Job database path (default: app data dir)")

	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("store.path", pf.Lookup("db"))
}

// setDefaults seeds the global viper used for flag bindings.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")
	viper.SetDefault("store.path", "")
	viper.SetDefault("output", "table")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initCLI(cmd *cobra.Command, _ []string) error {
	if err := observability.InitCLILogger(viper.GetString("logging.level")); err != nil {
		return err
	}
	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}
	appIdentity = config.Identity()
	return nil
}

// loadConfig reads the layered config with changed flags applied on top.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(ctx, flagOverrides(cmd))
	if err != nil {
		return nil, err
	}
	appIdentity = config.Identity()
	return cfg, nil
}

// flagOverrides maps explicitly set, viper-bound flags to config keys.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	bound := map[string]string{
		"log-level": "logging.level",
		"db":        "store.path",
		"host":      "server.host",
		"port":      "server.port",
		"provider":  "blob.provider",
		"workers":   "jobs.workers",
	}
	visit := func(f *pflag.Flag) {
		if key, ok := bound[f.Name]; ok && f.Changed {
			out[key] = f.Value.String()
		}
	}
	cmd.Flags().VisitAll(visit)
	cmd.InheritedFlags().VisitAll(visit)
	return out
}

// resolveStorePath returns the configured job database path, or the
// default under the application data directory.
func resolveStorePath(cfg *config.Config) (string, error) {
	if p := strings.TrimSpace(cfg.Store.Path); p != "" {
		return p, nil
	}
	identity := GetAppIdentity()
	if identity == nil || strings.TrimSpace(identity.ConfigName) == "" {
		return "", fmt.Errorf("app identity is not available to derive default job database path")
	}
	dataDir := gfconfig.GetAppDataDir(identity.ConfigName)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return filepath.Join(dataDir, "clipforge-jobs.db"), nil
}

func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// ExitCode recovers the process exit code carried by an exitError, or 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	msg := err.Error()
	i := strings.LastIndex(msg, "(exit code ")
	if i < 0 {
		return 1
	}
	var code int
	if _, scanErr := fmt.Sscanf(msg[i:], "(exit code %d)", &code); scanErr != nil || code == 0 {
		return 1
	}
	return code
}
