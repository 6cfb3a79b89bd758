package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/willfong/workload-generator/internal/config"
)

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and check configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, config file, environment and
flags are merged. The output is a valid config file.

Example:
  workgen config show > workgen.yaml
  WORKGEN_RUN_WORKERS=32 workgen config show`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := marshalConfig(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for a run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u := newUI()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			fmt.Println(u.Error("Configuration is invalid"))
			return err
		}
		source := "defaults only"
		if f := viper.ConfigFileUsed(); f != "" {
			source = f
		}
		fmt.Println(u.Success("Configuration is valid (" + source + ")"))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// marshalConfig renders cfg as YAML with durations in their string form.
func marshalConfig(cfg *config.Config) ([]byte, error) {
	var m map[string]any
	if err := mapstructure.Decode(cfg, &m); err != nil {
		return nil, fmt.Errorf("failed to flatten config: %w", err)
	}
	return yaml.Marshal(readableDurations(m))
}

func readableDurations(m map[string]any) map[string]any {
	for k, v := range m {
		switch v := v.(type) {
		case time.Duration:
			m[k] = v.String()
		case map[string]any:
			m[k] = readableDurations(v)
		}
	}
	return m
}
