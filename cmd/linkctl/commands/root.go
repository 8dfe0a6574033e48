package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/linker/internal/config"
	"github.com/dyluth/linker/internal/instance"
	"github.com/dyluth/linker/internal/printer"
	"github.com/dyluth/linker/pkg/blackboard"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	instanceName string
	redisURL     string
	configPath   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "linkctl",
	Short: "linkctl - operate a continuous record linker",
	Long: `linkctl registers record sets, ingests records and inspects the clusters
a running linker maintains on its Redis blackboard.

The instance is taken from --name, then LINKER_INSTANCE_NAME, then "default".
Redis is taken from --redis-url, then REDIS_URL, then redis://localhost:6379.`,
	Version: version,
	// Show help instead of silently succeeding without a subcommand
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Errors are printed by the printer package; Cobra stays quiet
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&instanceName, "name", "n", "", "Target instance name")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL of the blackboard")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "linker.yml", "linker.yml to read blocking attributes and scan settings from")
}

// connect opens the blackboard of the target instance.
func connect(ctx context.Context) (*blackboard.Client, error) {
	name, err := instance.ResolveName(instanceName)
	if err != nil {
		return nil, printer.Error("invalid instance name", err.Error(),
			[]string{"Instance names are lowercase alphanumeric with hyphens, e.g. --name prod"})
	}

	url := instance.ResolveRedisURL(redisURL)
	client, err := instance.Connect(ctx, name, url, 0)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"blackboard not reachable",
			err.Error(),
			map[string]string{"Instance": name, "Redis": url},
			[]string{"Check that Redis is running and --redis-url (or REDIS_URL) points at it"},
		)
	}
	return client, nil
}

// loadConfig reads --config, falling back to defaults when the file is absent.
func loadConfig() (*config.LinkerConfig, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, printer.Error("invalid configuration", err.Error(),
			[]string{fmt.Sprintf("Fix %s or write a fresh one:\n  linkctl init --force", configPath)})
	}
	return cfg, nil
}

// parseKey parses a set/id record key argument.
func parseKey(arg string) (blackboard.RecordKey, error) {
	key, err := blackboard.ParseRecordKey(arg)
	if err != nil {
		return blackboard.RecordKey{}, printer.Error("invalid record key", err.Error(),
			[]string{"Record keys have the form <record-set>/<record-id>"})
	}
	return key, nil
}
