package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/autodev/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the task API: submit tasks, list them, stream their events
over server-sent events, download workspace files and edit the configuration.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "Interface to listen on (default: from config)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (default: from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := loadApp(cmd, cmd.ErrOrStderr(), nil)
	if err != nil {
		return err
	}

	addr, err := listenAddress(cmd, a)
	if err != nil {
		return err
	}

	srv, err := newHTTPServer(a)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr)
	}()
	a.logger.Info("serving api", "addr", addr, "workspace", a.cfg.Workspace.Root)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return <-errCh
}

func newHTTPServer(a *app) (*httpapi.Server, error) {
	return httpapi.NewServer(httpapi.Options{
		Registry:       a.registry,
		Submitter:      a.orchestrator,
		WorkspaceRoot:  a.cfg.Workspace.Root,
		ConfigPath:     a.configPath,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Heartbeat:      a.cfg.Server.HeartbeatInterval,
		Logger:         a.logger,
	})
}

// listenAddress applies the --host and --port overrides to the config
func listenAddress(cmd *cobra.Command, a *app) (string, error) {
	host, err := cmd.Flags().GetString("host")
	if err != nil {
		return "", err
	}
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return "", err
	}

	if host == "" {
		host = a.cfg.Server.Host
	}
	if port == 0 {
		port = a.cfg.Server.Port
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
