package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsgate/opsgate/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the opsgate HTTP API. Chat bots and other front ends submit
requests to it, list pending approvals and resolve them. The server
refuses to start without an API key in ` + "OPSGATE_API_KEY" + `.`,
	Example: `  OPSGATE_API_KEY=... OPSGATE_VAULT_KEY=... opsgate serve -c opsgate.yaml`,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("refusing to serve without an API key, set OPSGATE_API_KEY")
	}

	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	// Expire stale approvals and trim the audit log on a fixed cadence.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pipeline.Sweep()
				if _, err := s.audit.Cleanup(cfg.AuditKeep); err != nil {
					logger.Error("audit cleanup failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	srv := httpapi.NewServer(cfg.ListenAddr, cfg.APIKey, s.pipeline, s.audit, logger)
	return srv.ListenAndServe(ctx)
}
