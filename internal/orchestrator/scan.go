package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/elementindex/internal/document"
)

// ScanResult describes one full scan.
type ScanResult struct {
	Candidates int           `json:"candidates"`
	Indexed    int           `json:"indexed"`
	Chunks     int           `json:"chunks"`
	Throttled  int           `json:"throttled"`
	Partial    bool          `json:"partial"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

// scan indexes every element of the document in chunks, each run under the
// budget manager. It stops early, keeping what it has, when the scan timeout
// expires. With reset set, the cache is cleared inside the first chunk the
// budget admits, so a throttled rescan leaves the existing index intact.
func (o *Orchestrator) scan(ctx context.Context, reset bool) (ScanResult, error) {
	o.scanMu.Lock()
	defer o.scanMu.Unlock()

	sc := o.cfg.Scan()
	ctx, cancel := context.WithTimeout(ctx, sc.InitialTimeout)
	defer cancel()

	start := time.Now()
	deadline := start.Add(sc.InitialTimeout)
	res := ScanResult{At: start}

	var candidates []*html.Node
	if err := o.doc.View(func(t document.Tree) error {
		document.Walk(t.Root(), func(n *html.Node) bool {
			candidates = append(candidates, n)
			return true
		})
		return nil
	}); err != nil {
		return res, err
	}
	res.Candidates = len(candidates)
	if reset && len(candidates) == 0 {
		o.resetCache()
	}

	chunk := max(1, sc.ChunkSize)
	retry := o.cfg.Budget().DrainDelay
	for i := 0; i < len(candidates); {
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			res.Partial = true
			break
		}
		part := candidates[i:min(i+chunk, len(candidates))]
		out := o.budget.TryExecute(ctx, "scan.chunk", 0, func(context.Context) (any, error) {
			if reset {
				reset = false
				o.resetCache()
			}
			return o.indexChunk(part)
		})
		if out.Throttled {
			res.Throttled++
			if !sleep(ctx, retry) {
				res.Partial = true
				break
			}
			continue
		}
		if out.Err != nil {
			return res, out.Err
		}
		res.Indexed += out.Value.(int)
		res.Chunks++
		i += len(part)
	}

	res.Duration = time.Since(start)
	if res.Partial {
		o.logger.Warn("Scan timed out; keeping partial results.",
			zap.Int("indexed", res.Indexed), zap.Int("candidates", res.Candidates))
	}
	o.mu.Lock()
	o.lastScan = res
	o.mu.Unlock()
	return res, nil
}

// indexChunk adds the relevant nodes of part and tracks them for visibility
// and size notifications. Tracking happens after the view is released.
func (o *Orchestrator) indexChunk(part []*html.Node) (int, error) {
	var added []*html.Node
	err := o.doc.View(func(t document.Tree) error {
		for _, n := range part {
			if !t.Contains(n) {
				continue
			}
			if _, ok := o.cache.AddNode(o.builder, t, n); ok {
				added = append(added, n)
			}
		}
		return nil
	})
	for _, n := range added {
		o.doc.Track(n)
	}
	return len(added), err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// resetCache empties the cache and stops tracking what it held.
func (o *Orchestrator) resetCache() {
	old := o.cache.Nodes()
	o.cache.Clear()
	for _, n := range old {
		o.doc.Untrack(n)
	}
}

// ForceRescan replaces the cache with a fresh scan of the whole document. The
// old entries survive until the budget admits the first chunk.
func (o *Orchestrator) ForceRescan(ctx context.Context) (ScanResult, error) {
	if err := o.live(); err != nil {
		return ScanResult{}, err
	}
	res, err := o.scan(ctx, true)
	if err != nil {
		return res, err
	}
	o.logger.Info("Forced rescan complete.", zap.Int("indexed", res.Indexed), zap.Bool("partial", res.Partial))
	return res, nil
}

// RefreshResult describes a RefreshCache pass.
type RefreshResult struct {
	Refreshed int `json:"refreshed"`
	Removed   int `json:"removed"`
}

// RefreshCache rebuilds every cached snapshot from its live node, dropping
// entries whose node is detached or no longer relevant.
func (o *Orchestrator) RefreshCache(context.Context) (RefreshResult, error) {
	if err := o.live(); err != nil {
		return RefreshResult{}, err
	}
	var (
		res     RefreshResult
		dropped []*html.Node
	)
	err := o.doc.View(func(t document.Tree) error {
		for _, n := range o.cache.Nodes() {
			if t.Contains(n) {
				if _, ok := o.cache.AddNode(o.builder, t, n); ok {
					res.Refreshed++
					continue
				}
			}
			if o.cache.RemoveNode(n) {
				res.Removed++
			}
			dropped = append(dropped, n)
		}
		return nil
	})
	for _, n := range dropped {
		o.doc.Untrack(n)
	}
	return res, err
}

// CleanupResult describes a Cleanup pass.
type CleanupResult struct {
	StaleRemoved    int `json:"staleRemoved"`
	ExpiredRequests int `json:"expiredRequests"`
}

// Cleanup sweeps stale entries and abandoned requests now, ignoring the
// maintenance rate limit.
func (o *Orchestrator) Cleanup(context.Context) (CleanupResult, error) {
	if err := o.live(); err != nil {
		return CleanupResult{}, err
	}
	var res CleanupResult
	err := o.doc.View(func(t document.Tree) error {
		res.StaleRemoved = o.cache.Sweep(t)
		return nil
	})
	res.ExpiredRequests = o.bridge.ExpirePending()
	return res, err
}

// runMaintenance performs periodic upkeep until ctx ends.
func (o *Orchestrator) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Maintenance().Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.baseCtx.Done():
			return nil
		case <-ticker.C:
			o.maintain(ctx)
		}
	}
}

// maintain runs one rate-limited sweep, consistency check and pending-request
// expiry. A throttled pass is skipped until the next tick.
func (o *Orchestrator) maintain(ctx context.Context) {
	out := o.budget.TryExecute(ctx, "maintenance", 0, func(context.Context) (any, error) {
		var swept int
		err := o.doc.View(func(t document.Tree) error {
			swept, _ = o.cache.SweepStale(t)
			return nil
		})
		if report, ran := o.cache.VerifyConsistency(); ran && !report.Consistent {
			o.logger.Warn("Cache inconsistency repaired.",
				zap.Int("orphans", report.Orphans), zap.Strings("problems", report.Problems))
		}
		expired := o.bridge.ExpirePending()
		return CleanupResult{StaleRemoved: swept, ExpiredRequests: expired}, err
	})
	switch {
	case out.Throttled:
		o.logger.Debug("Skipping throttled maintenance pass.")
	case out.Err != nil:
		o.logger.Warn("Maintenance pass failed.", zap.Error(out.Err))
	}
}
