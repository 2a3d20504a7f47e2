// Package cmdutil holds the flag and config plumbing shared by cortex
// commands.
package cmdutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/papercomputeco/cortex/pkg/bootstrap"
	"github.com/papercomputeco/cortex/pkg/config"
	"github.com/papercomputeco/cortex/pkg/logger"
)

// uintFlags are the registry keys registered as uint flags.
var uintFlags = map[string]bool{
	config.FlagEmbeddingDims: true,
}

// AddFlags registers every flag in fs on cmd. Values are read back through
// viper, so the flag targets are not kept.
func AddFlags(cmd *cobra.Command, fs config.FlagSet) {
	keys := fs.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		if uintFlags[key] {
			config.AddUintFlag(cmd, fs, key, new(uint))
			continue
		}
		config.AddStringFlag(cmd, fs, key, new(string))
	}
}

// ConfigDir returns the --config-dir persistent flag.
func ConfigDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("config-dir")
	return dir
}

// Logger returns the command logger, at debug level with --debug. Logs go
// to stderr so command output stays clean on stdout. When stderr is not a
// terminal the logger emits JSON lines instead.
func Logger(cmd *cobra.Command) *slog.Logger {
	debug, _ := cmd.Flags().GetBool("debug")
	tty := term.IsTerminal(int(os.Stderr.Fd()))
	return logger.New(
		logger.WithDebug(debug),
		logger.WithPretty(tty),
		logger.WithJSON(!tty),
		logger.WithWriter(os.Stderr),
	)
}

// LoadConfig resolves the config for cmd: flags in fs, then CORTEX_*
// environment variables, then config.toml, then defaults.
func LoadConfig(cmd *cobra.Command, fs config.FlagSet) (*config.Config, error) {
	v, err := config.InitViper(ConfigDir(cmd))
	if err != nil {
		return nil, err
	}
	config.BindRegisteredFlags(v, cmd, fs, fs.Keys())

	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// OpenApp loads the config for cmd and builds the app from it.
func OpenApp(ctx context.Context, cmd *cobra.Command, fs config.FlagSet, skipRecover bool) (*bootstrap.App, *slog.Logger, error) {
	cfg, err := LoadConfig(cmd, fs)
	if err != nil {
		return nil, nil, err
	}

	log := Logger(cmd)
	app, err := bootstrap.New(ctx, bootstrap.Options{
		Config:      cfg,
		ConfigDir:   ConfigDir(cmd),
		SkipRecover: skipRecover,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, err
	}
	return app, log, nil
}
