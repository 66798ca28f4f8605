package orchestrator

import (
	"context"

	"github.com/xkilldash9x/elementindex/internal/cache"
	"github.com/xkilldash9x/elementindex/internal/config"
)

// bridgeIndex exposes the orchestrator to the bridge's default handlers.
type bridgeIndex struct{ o *Orchestrator }

func (b bridgeIndex) FindElements(ctx context.Context, intent string, opts cache.QueryOptions) ([]cache.Result, error) {
	return b.o.FindElements(ctx, intent, opts)
}

func (b bridgeIndex) GetAllElements(ctx context.Context, f cache.Filter) ([]cache.Result, error) {
	return b.o.GetAllElements(ctx, f)
}

func (b bridgeIndex) GetByCategory(ctx context.Context, category string, opts cache.QueryOptions) ([]cache.Result, error) {
	return b.o.GetByCategory(ctx, category, opts)
}

func (b bridgeIndex) Stats(ctx context.Context) (any, error) {
	s, err := b.o.GetStats(ctx)
	return s, err
}

func (b bridgeIndex) ForceRescan(ctx context.Context) (any, error) {
	r, err := b.o.ForceRescan(ctx)
	return r, err
}

func (b bridgeIndex) Cleanup(ctx context.Context) (any, error) {
	r, err := b.o.Cleanup(ctx)
	return r, err
}

func (b bridgeIndex) UpdateConfig(ctx context.Context, u config.Update) error {
	return b.o.UpdateConfig(ctx, u)
}

func (b bridgeIndex) ClassificationSummary(ctx context.Context) (cache.Summary, error) {
	return b.o.ClassificationSummary(ctx)
}

func (b bridgeIndex) VerifyCache(ctx context.Context) (cache.Report, error) {
	return b.o.VerifyCache(ctx)
}

func (b bridgeIndex) RefreshCache(ctx context.Context) (any, error) {
	r, err := b.o.RefreshCache(ctx)
	return r, err
}

func (b bridgeIndex) DebugInfo(ctx context.Context) (cache.DebugInfo, error) {
	return b.o.DebugInfo(ctx)
}
