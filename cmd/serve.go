package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/observability"
	"github.com/xkilldash9x/elementindex/internal/orchestrator"
)

// newServeCmd creates the `serve` command, which keeps the index live and
// answers bridge messages until interrupted.
func newServeCmd(rt *app) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve <file|url>",
		Short: "Indexes a page and serves the message bridge until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := rt.logger.Named("serve")

			doc, err := loadDocument(ctx, rt.cfg, args[0], logger)
			if err != nil {
				return err
			}
			defer doc.Close()

			var opts []orchestrator.Option
			if rt.cfg.Metrics().Enabled {
				opts = append(opts, orchestrator.WithMetrics(observability.NewMetrics()))
			}
			orch, err := orchestrator.New(rt.cfg, doc, rt.logger, opts...)
			if err != nil {
				return fmt.Errorf("failed to initialize element index: %w", err)
			}

			logger.Info("Serving element index.",
				zap.String("source", args[0]),
				zap.String("listen_addr", rt.cfg.Bridge().ListenAddr))
			if err := orch.Run(ctx, true); err != nil {
				return fmt.Errorf("element index stopped: %w", err)
			}
			logger.Info("Element index stopped.")
			return nil
		},
	}

	serveCmd.Flags().String("listen", "", "address the bridge listens on (overrides bridge.listen_addr)")
	serveCmd.Flags().Bool("render", false, "render remote pages in headless Chrome before indexing")
	serveCmd.Flags().Bool("broadcast", false, "deliver every reply to all connected clients")
	configFlag(serveCmd, "listen", "bridge.listen_addr")
	configFlag(serveCmd, "render", "browser.enabled")
	configFlag(serveCmd, "broadcast", "bridge.broadcast_responses")
	return serveCmd
}
