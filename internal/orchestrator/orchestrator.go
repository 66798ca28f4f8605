// File: internal/orchestrator/orchestrator.go
// Description: Builds the index components in dependency order, runs the
// initial scan, and owns their lifecycle from Start to Shutdown.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/elementindex/internal/bridge"
	"github.com/xkilldash9x/elementindex/internal/budget"
	"github.com/xkilldash9x/elementindex/internal/cache"
	"github.com/xkilldash9x/elementindex/internal/config"
	"github.com/xkilldash9x/elementindex/internal/document"
	"github.com/xkilldash9x/elementindex/internal/element"
	"github.com/xkilldash9x/elementindex/internal/observability"
	"github.com/xkilldash9x/elementindex/internal/observer"
)

var (
	// ErrShutdown is returned by every operation after Shutdown.
	ErrShutdown = errors.New("orchestrator: shut down")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("orchestrator: already started")
)

// Orchestrator wires the snapshot builder, budget manager, cache, change
// observer and bridge around one document, and is the index's public API.
type Orchestrator struct {
	cfg     config.Interface
	doc     document.Document
	logger  *zap.Logger
	metrics *observability.Metrics
	probe   budget.MemoryProbe

	builder  *element.Builder
	budget   *budget.Manager
	cache    *cache.Cache
	observer *observer.Observer
	policy   *bridge.OriginPolicy
	bridge   *bridge.Bridge
	server   *bridge.Server

	baseCtx context.Context
	cancel  context.CancelFunc
	started time.Time

	// scanMu serializes full scans; cfgMu serializes config updates.
	scanMu sync.Mutex
	cfgMu  sync.Mutex

	mu       sync.Mutex
	running  bool
	closed   bool
	lastScan ScanResult
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records component metrics and serves them on the bridge server.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithMemoryProbe replaces the heap probe the budget manager and health
// check use.
func WithMemoryProbe(p budget.MemoryProbe) Option {
	return func(o *Orchestrator) { o.probe = p }
}

// New builds every component in dependency order: budget manager, cache,
// change observer, bridge. Nothing runs until Start.
func New(cfg config.Interface, doc document.Document, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || doc == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{cfg: cfg, doc: doc, logger: logger.Named("orchestrator")}
	for _, opt := range opts {
		opt(o)
	}

	idx, bud, obs, br := cfg.Index(), cfg.Budget(), cfg.Observer(), cfg.Bridge()

	o.builder = element.NewBuilder(element.Options{
		MaxTextLength:      idx.MaxTextLength,
		IdentityTextLength: idx.IdentityTextLength,
		ViewportHeight:     float64(idx.ViewportHeight),
	})

	budgetOpts := []budget.Option{budget.WithMetrics(o.metrics)}
	if o.probe != nil {
		budgetOpts = append(budgetOpts, budget.WithMemoryProbe(o.probe))
	}
	o.budget = budget.NewManager(budget.Config{
		OperationBudget: bud.OperationBudget,
		MemoryCeiling:   uint64(bud.MemoryCeilingMB) << 20,
		StatsWindow:     bud.StatsWindow,
		DrainDelay:      bud.DrainDelay,
		MaxQueue:        bud.MaxQueue,
		AdaptInterval:   bud.AdaptInterval,
		MinCacheSize:    idx.MinCacheSize,
		MaxCacheSize:    idx.MaxCacheSize,
		MinBatchSize:    obs.MinBatchSize,
		MaxBatchSize:    obs.BatchSize,
	}, logger, budgetOpts...)

	o.cache = cache.New(cache.Config{
		MaxSize:          idx.MaxCacheSize,
		ResultLimit:      idx.ResultLimit,
		FallbackLimit:    idx.FallbackLimit,
		MinSweepInterval: cfg.Maintenance().MinSweepInterval,
		ViewportHeight:   float64(idx.ViewportHeight),
	}, logger, cache.WithMetrics(o.metrics))

	o.observer = observer.New(observer.Config{
		BatchSize:           obs.BatchSize,
		BatchWindow:         obs.BatchWindow,
		DrainDelay:          obs.DrainDelay,
		MaxDiscoverPerBatch: obs.MaxDiscoverPerBatch,
		BatchBudget:         bud.OperationBudget,
	}, doc, o.cache, o.builder, o.budget, logger, observer.WithMetrics(o.metrics))

	policy, err := bridge.NewOriginPolicy(br.SameOrigin, br.TrustedOrigins, br.TrustedPatterns)
	if err != nil {
		o.budget.Shutdown()
		return nil, err
	}
	o.policy = policy
	o.bridge = bridge.New(bridge.Config{
		MaxResponseBytes: br.MaxResponseBytes,
		ShrinkFactor:     br.ShrinkFactor,
		HandlerBudget:    br.HandlerBudget,
		PendingTimeout:   cfg.Maintenance().PendingTimeout,
	}, bridgeIndex{o}, o.budget, policy, logger, bridge.WithMetrics(o.metrics))

	serverCfg := bridge.ServerConfig{ListenAddr: br.ListenAddr, Broadcast: br.BroadcastResponses}
	serverOpts := []bridge.ServerOption{bridge.WithHealth(o.healthReport)}
	if m := cfg.Metrics(); m.Enabled && o.metrics != nil {
		serverCfg.MetricsPath = m.Path
		serverOpts = append(serverOpts, bridge.WithMetricsHandler(o.metrics.Handler()))
	}
	o.server = bridge.NewServer(serverCfg, o.bridge, logger, serverOpts...)

	o.budget.OnLimits(o.applyLimits)
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Bridge returns the message bridge.
func (o *Orchestrator) Bridge() *bridge.Bridge { return o.bridge }

// Server returns the bridge transport.
func (o *Orchestrator) Server() *bridge.Server { return o.server }

// Start runs the initial scan, then starts the change observer. A scan that
// hits its timeout leaves a partial index and is not an error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrShutdown
	case o.running:
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.running = true
	o.started = time.Now()
	o.mu.Unlock()

	res, err := o.scan(ctx, false)
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	o.logger.Info("Initial scan complete.",
		zap.Int("indexed", res.Indexed),
		zap.Int("candidates", res.Candidates),
		zap.Bool("partial", res.Partial),
		zap.Duration("duration", res.Duration))

	if err := o.observer.Start(o.baseCtx); err != nil {
		return fmt.Errorf("starting observer: %w", err)
	}
	return nil
}

// Run starts the index if needed, then runs the adaptive loop, periodic
// maintenance and, when serve is true, the bridge server until ctx ends.
func (o *Orchestrator) Run(ctx context.Context, serve bool) error {
	if err := o.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.budget.RunAdaptive(gctx) })
	g.Go(func() error { return o.runMaintenance(gctx) })
	if serve {
		g.Go(func() error { return o.server.ListenAndServe(gctx) })
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sErr := o.Shutdown(shutdownCtx); sErr != nil && !errors.Is(sErr, ErrShutdown) {
		err = errors.Join(err, sErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, budget.ErrShutdown) ||
		(ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return nil
	}
	return err
}

// Shutdown detaches the observer, drops queued work and closes the bridge
// server. Queued work never runs afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShutdown
	}
	o.closed = true
	o.mu.Unlock()

	o.logger.Info("Shutting down element index.")
	o.cancel()
	o.observer.Stop()
	o.budget.Shutdown()
	return o.server.Shutdown(ctx)
}

func (o *Orchestrator) live() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShutdown
	}
	return nil
}

// applyLimits receives the adaptive loop's limits.
func (o *Orchestrator) applyLimits(l budget.Limits) {
	if err := o.cache.SetMaxSize(l.CacheSize); err != nil {
		o.logger.Warn("Rejected adaptive cache size.", zap.Error(err))
	}
	if err := o.observer.SetBatchSize(l.BatchSize); err != nil {
		o.logger.Warn("Rejected adaptive batch size.", zap.Error(err))
	}
}

// FindElements resolves a natural-language intent to ranked elements. No
// match is an empty result, not an error.
func (o *Orchestrator) FindElements(_ context.Context, intent string, opts cache.QueryOptions) ([]cache.Result, error) {
	if err := o.live(); err != nil {
		return nil, err
	}
	return o.cache.FindByIntent(intent, opts), nil
}

// GetAllElements lists cached elements matching f.
func (o *Orchestrator) GetAllElements(_ context.Context, f cache.Filter) ([]cache.Result, error) {
	if err := o.live(); err != nil {
		return nil, err
	}
	return o.cache.GetAll(f), nil
}

// GetByCategory lists the members of a named category.
func (o *Orchestrator) GetByCategory(_ context.Context, category string, opts cache.QueryOptions) ([]cache.Result, error) {
	if err := o.live(); err != nil {
		return nil, err
	}
	return o.cache.FindByCategory(category, opts), nil
}

// ClassificationSummary counts the members of every bucket.
func (o *Orchestrator) ClassificationSummary(context.Context) (cache.Summary, error) {
	if err := o.live(); err != nil {
		return cache.Summary{}, err
	}
	return o.cache.ClassificationSummary(), nil
}

// DebugInfo describes the cache internals.
func (o *Orchestrator) DebugInfo(context.Context) (cache.DebugInfo, error) {
	if err := o.live(); err != nil {
		return cache.DebugInfo{}, err
	}
	return o.cache.DebugInfo(), nil
}

// VerifyCache checks every index against the main store now, repairing any
// orphaned membership it finds.
func (o *Orchestrator) VerifyCache(context.Context) (cache.Report, error) {
	if err := o.live(); err != nil {
		return cache.Report{}, err
	}
	return o.cache.Verify(), nil
}

// Stats gathers every component's counters.
type Stats struct {
	Cache    cache.Stats    `json:"cache"`
	Budget   budget.Stats   `json:"budget"`
	Observer observer.Stats `json:"observer"`
	Bridge   bridge.Stats   `json:"bridge"`
	LastScan ScanResult     `json:"lastScan"`
	Uptime   time.Duration  `json:"uptime"`
}

// GetStats returns a snapshot of every component's counters.
func (o *Orchestrator) GetStats(context.Context) (Stats, error) {
	if err := o.live(); err != nil {
		return Stats{}, err
	}
	o.mu.Lock()
	last, started := o.lastScan, o.started
	o.mu.Unlock()
	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return Stats{
		Cache:    o.cache.Stats(),
		Budget:   o.budget.Stats(),
		Observer: o.observer.Stats(),
		Bridge:   o.bridge.Stats(),
		LastScan: last,
		Uptime:   uptime,
	}, nil
}

// UpdateConfig validates u in full and then applies it to every live
// component it governs. An invalid update changes nothing.
func (o *Orchestrator) UpdateConfig(_ context.Context, u config.Update) error {
	if err := o.live(); err != nil {
		return err
	}
	if u.Empty() {
		return errors.New("config update is empty")
	}
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid config update: %w", err)
	}

	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()

	var errs []error
	if u.MaxCacheSize != nil {
		errs = append(errs, o.budget.SetMaxCacheSize(*u.MaxCacheSize), o.cache.SetMaxSize(*u.MaxCacheSize))
	}
	if u.ResultLimit != nil {
		errs = append(errs, o.cache.SetResultLimit(*u.ResultLimit))
	}
	if u.BatchSize != nil {
		errs = append(errs, o.budget.SetMaxBatchSize(*u.BatchSize), o.observer.SetBatchSize(*u.BatchSize))
	}
	if u.OperationBudgetMs != nil {
		errs = append(errs, o.budget.SetOperationBudget(config.Millis(*u.OperationBudgetMs)))
	}
	if u.HandlerBudgetMs != nil {
		errs = append(errs, o.bridge.SetHandlerBudget(config.Millis(*u.HandlerBudgetMs)))
	}
	if u.MaxResponseBytes != nil {
		errs = append(errs, o.bridge.SetMaxResponseBytes(*u.MaxResponseBytes))
	}
	if u.TrustedOrigins != nil {
		o.policy.SetTrusted(u.TrustedOrigins)
	}
	u.ApplyTo(o.cfg)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	o.logger.Info("Configuration updated.", zap.Any("update", u))
	return nil
}
