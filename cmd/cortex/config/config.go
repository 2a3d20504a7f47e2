// Package configcmder provides the config command for managing persistent
// cortex configuration stored in the .cortex/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent cortex configuration.

Configuration is stored as config.toml in the .cortex/ directory and provides
default values for command flags. CLI flags always take precedence over
config file values.

Keys use dotted notation matching the TOML section structure, for example:
  storage.driver, storage.sqlite_path, api.listen,
  embedding.provider, embedding.model, llm.provider,
  lifecycle.hot_ttl, lifecycle.warm_ttl, compliance.grace_period,
  consistency.min_confidence, attribution.threshold

Run "cortex config list" for every key.

Use subcommands to get, set, or list configuration values:
  cortex config set <key> <value>    Set a configuration value
  cortex config get <key>            Get a configuration value
  cortex config list                 List all configuration values

Examples:
  cortex config set storage.driver postgres
  cortex config set compliance.grace_period 168h
  cortex config get lifecycle.hot_ttl
  cortex config list`

const configShortDesc string = "Manage persistent cortex configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
