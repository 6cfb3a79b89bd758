package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/willfong/workload-generator/internal/config"
	"github.com/willfong/workload-generator/internal/logging"
	"github.com/willfong/workload-generator/internal/ui"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "workgen",
	Short: "Protocol workload generator for directory and database servers",
	Long: `A workload generator that drives a weighted mix of add, delete, rename,
modify, search, compare and bind operations against a target server.

Workers share a throughput budget, track the resources they create so that
deletes and renames always hit live entries, and report latency statistics
collected between the warm-up and cool-down periods.

Settings come from defaults, a YAML config file, WORKGEN_* environment
variables and flags, in increasing order of precedence.

Example usage:
  workgen serve --listen 127.0.0.1:7389
  workgen run --workers 8 --duration 1m --rate 500
  workgen run --protocol ldap --config ldap.yaml
  workgen exec --duration 30s -- ./bench.sh`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./workgen.yaml or ~/.config/workgen/workgen.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&noColor, "no-color", false, "disable colors and animations")
	flags.String("log-level", config.LogLevel, "minimum log level (debug, info, warn, error)")
	flags.String("log-format", config.LogFormat, "log format (auto, console, json)")

	bindFlag("log.level", flags.Lookup("log-level"))
	bindFlag("log.format", flags.Lookup("log-format"))

	// Silence usage on error - we'll print our own messages
	rootCmd.SilenceUsage = true

	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// initConfig reads the config file and environment into the global viper.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("workgen")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "workgen"))
		}
	}

	viper.SetEnvPrefix("WORKGEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := config.RegisterDefaults(viper.GetViper()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
			os.Exit(1)
		}
	}
}

// bindFlag ties a flag to a config key so flags override file and env values.
func bindFlag(key string, f *pflag.Flag) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("binding flag for %s: %v", key, err))
	}
}

// loadConfig returns the effective configuration with flag overrides
// applied. It does not validate.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg; it always writes to stderr
// so stdout stays free for the terminal UI.
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// newUI returns the terminal UI honouring --no-color.
func newUI() *ui.UI {
	u := ui.New()
	if noColor {
		u.SetNoColor(true)
	}
	return u
}
