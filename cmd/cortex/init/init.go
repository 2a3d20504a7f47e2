// Package initcmder provides the init command for initializing a local
// .cortex directory in the current working directory.
package initcmder

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/cortex/pkg/config"
)

const (
	dirName    = ".cortex"
	configFile = "config.toml"

	fetchTimeout = 10 * time.Second
)

const initLongDesc string = `Initialize a new .cortex/ directory in the current working directory.

Creates a local .cortex/ directory that takes precedence over the default
~/.cortex/ directory for the memory store, the vector index, the deletion
journal and configuration.

Use --preset to start from a named configuration (local, ollama, openai,
anthropic) or from a config.toml served at an http(s) URL. A preset
overwrites an existing config.toml. Without one, an existing config is kept.

Examples:
  cortex init
  cortex init --preset ollama
  cortex init --preset https://example.com/cortex/config.toml`

const initShortDesc string = "Initialize a local .cortex/ directory"

func NewInitCmd() *cobra.Command {
	var preset string

	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.OutOrStdout(), preset)
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "", "Preset name ("+strings.Join(config.ValidPresetNames(), ", ")+") or config.toml URL")

	return cmd
}

func runInit(w io.Writer, preset string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	dir := filepath.Join(cwd, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .cortex directory: %w", err)
	}

	path := filepath.Join(dir, configFile)
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("reading config: %w", statErr)
	}

	if preset == "" && exists {
		fmt.Fprintf(w, "Already initialized: %s\n", dir)
		return nil
	}

	cfg, err := resolvePreset(preset)
	if err != nil {
		return err
	}

	cfger, err := config.NewConfiger(dir)
	if err != nil {
		return err
	}
	if err := cfger.SaveConfig(cfg); err != nil {
		return err
	}

	fmt.Fprintf(w, "Initialized .cortex directory: %s\n", dir)
	return nil
}

func resolvePreset(preset string) (*config.Config, error) {
	switch {
	case preset == "":
		return config.NewDefaultConfig(), nil
	case strings.HasPrefix(preset, "http://"), strings.HasPrefix(preset, "https://"):
		return fetchConfig(preset)
	default:
		return config.PresetConfig(preset)
	}
}

func fetchConfig(url string) (*config.Config, error) {
	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching remote config: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetching remote config: %w", err)
	}
	return config.ParseConfigTOML(data)
}
