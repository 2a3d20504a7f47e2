// Package servecmder provides the serve command that runs the cortex API
// server and its periodic jobs.
package servecmder

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/cortex/cmd/cortex/cmdutil"
	"github.com/papercomputeco/cortex/pkg/config"
)

const serveLongDesc string = `Run the cortex API server.

The server exposes the memory, query, contradiction, provenance and deletion
endpoints over HTTP, the MCP tools at /mcp, and Prometheus metrics at /metrics.
Lifecycle passes, due deletions and attribution validation run on their
configured schedules while the server is up.

Flags override CORTEX_* environment variables, which override config.toml.`

const serveShortDesc string = "Run the cortex API server"

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}

	cmdutil.AddFlags(cmd, config.ServeFlags)

	return cmd
}

func run(cmd *cobra.Command) error {
	app, log, err := cmdutil.OpenApp(cmd.Context(), cmd, config.ServeFlags, false)
	if err != nil {
		return err
	}
	defer app.Close()

	server, err := app.Server()
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := app.StartJobs(); err != nil {
		return err
	}

	// Channel to capture errors from the server goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		log.Info("received signal, shutting down", "signal", sig.String())
		return server.Shutdown()
	}
}
