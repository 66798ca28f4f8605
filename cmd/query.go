package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/cache"
	"github.com/xkilldash9x/elementindex/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// queryOutput is what `query` prints.
type queryOutput struct {
	Source  string                  `json:"source"`
	Intent  string                  `json:"intent,omitempty"`
	Scan    orchestrator.ScanResult `json:"scan"`
	Results []cache.Result          `json:"results"`
}

// newQueryCmd creates the `query` command: one scan, one lookup, JSON out.
func newQueryCmd(rt *app) *cobra.Command {
	var (
		category      string
		limit         int
		includeHidden bool
	)
	queryCmd := &cobra.Command{
		Use:   "query <file|url> [intent...]",
		Short: "Indexes a page once and prints the elements matching an intent or category",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent := strings.TrimSpace(strings.Join(args[1:], " "))
			if intent == "" && category == "" {
				return fmt.Errorf("an intent or --category is required")
			}
			ctx := cmd.Context()
			logger := rt.logger.Named("query")

			doc, err := loadDocument(ctx, rt.cfg, args[0], logger)
			if err != nil {
				return err
			}
			defer doc.Close()

			orch, err := orchestrator.New(rt.cfg, doc, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize element index: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := orch.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Shutdown did not complete cleanly.", zap.Error(err))
				}
			}()

			if err := orch.Start(ctx); err != nil {
				return err
			}
			stats, err := orch.GetStats(ctx)
			if err != nil {
				return err
			}

			opts := cache.QueryOptions{Limit: limit, IncludeHidden: includeHidden, VisibleOnly: !includeHidden}
			var results []cache.Result
			if category != "" {
				results, err = orch.GetByCategory(ctx, category, opts)
			} else {
				results, err = orch.FindElements(ctx, intent, opts)
			}
			if err != nil {
				return err
			}
			if results == nil {
				results = []cache.Result{}
			}

			out := queryOutput{Source: args[0], Intent: intent, Scan: stats.LastScan, Results: results}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	queryCmd.Flags().StringVar(&category, "category", "", "list a category (clickable, form, navigation, media, interactive) instead of matching an intent")
	queryCmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (default index.result_limit)")
	queryCmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "include hidden elements")
	queryCmd.Flags().Bool("render", false, "render remote pages in headless Chrome before indexing")
	configFlag(queryCmd, "render", "browser.enabled")
	return queryCmd
}
