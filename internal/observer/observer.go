// Package observer keeps the element cache in step with the document by
// consuming its change notifications incrementally.
package observer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/budget"
	"github.com/xkilldash9x/elementindex/internal/cache"
	"github.com/xkilldash9x/elementindex/internal/document"
	"github.com/xkilldash9x/elementindex/internal/element"
	"github.com/xkilldash9x/elementindex/internal/observability"
)

// ErrAlreadyObserving is returned by Start when the observer is running.
var ErrAlreadyObserving = errors.New("observer: already observing")

// State is the observer lifecycle state.
type State int32

const (
	Idle State = iota
	Observing
)

func (s State) String() string {
	if s == Observing {
		return "observing"
	}
	return "idle"
}

// Config tunes batching.
type Config struct {
	BatchSize           int
	BatchWindow         time.Duration
	DrainDelay          time.Duration
	MaxDiscoverPerBatch int
	// BatchBudget is the time one batch may take before the rest of it is
	// deferred to the trailing drain.
	BatchBudget time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 50 * time.Millisecond
	}
	if c.DrainDelay <= 0 {
		c.DrainDelay = 100 * time.Millisecond
	}
	if c.MaxDiscoverPerBatch <= 0 {
		c.MaxDiscoverPerBatch = 200
	}
	if c.BatchBudget <= 0 {
		c.BatchBudget = 16 * time.Millisecond
	}
}

// Stats counts what the observer has done since it was built.
type Stats struct {
	State     string `json:"state"`
	Received  uint64 `json:"received"`
	Processed uint64 `json:"processed"`
	Added     uint64 `json:"added"`
	Updated   uint64 `json:"updated"`
	Removed   uint64 `json:"removed"`
	Unchanged uint64 `json:"unchanged"`
	Failed    uint64 `json:"failed"`
	Batches   uint64 `json:"batches"`
	Deferred  uint64 `json:"deferred"`
	Throttled uint64 `json:"throttled"`
	Capped    uint64 `json:"capped"`
	Pending   int    `json:"pending"`
	BatchSize int    `json:"batchSize"`
}

type counters struct {
	received, processed, added, updated, removed, unchanged, failed,
	batches, deferred, throttled, capped atomic.Uint64
}

// Observer applies document changes to a cache. Processing is serialized: a
// batch never runs concurrently with another, whether it was started by the
// observation loop or by the budget manager's deferral queue.
type Observer struct {
	doc     document.Document
	cache   *cache.Cache
	builder *element.Builder
	budget  *budget.Manager
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     Config

	batchSize atomic.Int64
	kick      chan struct{}

	// procMu serializes batch processing.
	procMu sync.Mutex

	mu             sync.Mutex
	state          State
	gen            uint64
	cancel         context.CancelFunc
	done           chan struct{}
	pending        []document.Change
	awaitingBudget bool
	drainTimer     *time.Timer

	n counters
}

// Option configures an Observer.
type Option func(*Observer)

// WithMetrics counts change notifications by kind and outcome.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Observer) { o.metrics = m }
}

// New builds an idle observer.
func New(cfg Config, doc document.Document, c *cache.Cache, b *element.Builder, bm *budget.Manager, logger *zap.Logger, opts ...Option) *Observer {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Observer{
		doc:     doc,
		cache:   c,
		builder: b,
		budget:  bm,
		logger:  logger.Named("observer"),
		cfg:     cfg,
		kick:    make(chan struct{}, 1),
	}
	o.batchSize.Store(int64(cfg.BatchSize))
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins consuming notifications. The observer stops when ctx is
// cancelled, Stop is called, or the document closes its change channel.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Observing {
		return ErrAlreadyObserving
	}
	ctx, cancel := context.WithCancel(ctx)
	o.gen++
	o.state = Observing
	o.cancel = cancel
	o.done = make(chan struct{})
	o.pending = nil
	o.awaitingBudget = false
	go o.loop(ctx, o.gen, o.doc.Changes(), o.done)
	o.logger.Info("Observation started.", zap.Int("batch_size", o.BatchSize()))
	return nil
}

// Stop detaches from the change stream and drops every queued change. It
// returns once the loop has exited; queued work never runs afterwards.
func (o *Observer) Stop() {
	o.mu.Lock()
	if o.state != Observing {
		o.mu.Unlock()
		return
	}
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	<-done
	// Wait out a batch the budget manager may be running from its queue.
	o.procMu.Lock()
	o.procMu.Unlock()
}

// State returns the lifecycle state.
func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// BatchSize returns the number of changes processed per batch.
func (o *Observer) BatchSize() int { return int(o.batchSize.Load()) }

// SetBatchSize changes the batch size. It takes effect from the next batch.
func (o *Observer) SetBatchSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("observer: batch size must be positive, got %d", n)
	}
	o.batchSize.Store(int64(n))
	return nil
}

// Stats returns the observer counters.
func (o *Observer) Stats() Stats {
	o.mu.Lock()
	state, pending := o.state, len(o.pending)
	o.mu.Unlock()
	return Stats{
		State:     state.String(),
		Received:  o.n.received.Load(),
		Processed: o.n.processed.Load(),
		Added:     o.n.added.Load(),
		Updated:   o.n.updated.Load(),
		Removed:   o.n.removed.Load(),
		Unchanged: o.n.unchanged.Load(),
		Failed:    o.n.failed.Load(),
		Batches:   o.n.batches.Load(),
		Deferred:  o.n.deferred.Load(),
		Throttled: o.n.throttled.Load(),
		Capped:    o.n.capped.Load(),
		Pending:   pending,
		BatchSize: o.BatchSize(),
	}
}

func (o *Observer) loop(ctx context.Context, gen uint64, changes <-chan document.Change, done chan struct{}) {
	defer close(done)
	defer o.detach(gen)

	deb := newDebouncer(o.cfg.BatchWindow, o.BatchSize, func(batch []document.Change) {
		o.enqueue(ctx, gen, batch)
	})
	defer deb.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				o.logger.Info("Change stream closed.")
				return
			}
			o.n.received.Add(1)
			deb.add(c)
		case <-deb.timerC():
			deb.flush()
		case <-o.kick:
			o.process(ctx, gen)
		}
	}
}

// detach returns the observer to Idle and discards unprocessed work.
func (o *Observer) detach(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	if o.drainTimer != nil {
		o.drainTimer.Stop()
		o.drainTimer = nil
	}
	if n := len(o.pending); n > 0 {
		o.logger.Info("Dropping queued changes.", zap.Int("count", n))
	}
	o.pending = nil
	o.awaitingBudget = false
	o.cancel()
	o.state = Idle
	o.logger.Info("Observation stopped.")
}

// enqueue appends a debounced batch and processes it unless a deferred run
// is already waiting in the budget manager.
func (o *Observer) enqueue(ctx context.Context, gen uint64, batch []document.Change) {
	o.mu.Lock()
	o.pending = append(o.pending, batch...)
	waiting := o.awaitingBudget
	o.mu.Unlock()
	if !waiting {
		o.process(ctx, gen)
	}
}

// process runs one batch under the budget manager.
func (o *Observer) process(ctx context.Context, gen uint64) {
	out := o.budget.Execute(ctx, "observer.batch", o.cfg.BatchBudget, func(context.Context) (any, error) {
		return o.processPending(gen)
	})
	switch {
	case out.Success:
	case errors.Is(out.Err, budget.ErrThrottled):
		// The budget manager will run the batch from its queue.
		o.n.throttled.Add(1)
		o.mu.Lock()
		if o.gen == gen {
			o.awaitingBudget = true
		}
		o.mu.Unlock()
	case errors.Is(out.Err, budget.ErrQueueFull):
		o.mu.Lock()
		o.scheduleDrainLocked(gen)
		o.mu.Unlock()
	case errors.Is(out.Err, budget.ErrShutdown):
		o.mu.Lock()
		if o.gen == gen {
			o.pending = nil
		}
		o.mu.Unlock()
	default:
		o.logger.Warn("Change batch failed.", zap.Error(out.Err))
	}
}

// processPending applies up to one batch of queued changes inside a document
// view. When the batch runs past its budget the unprocessed remainder stays
// queued for the trailing drain. At least one change is applied per call.
func (o *Observer) processPending(gen uint64) (int, error) {
	o.procMu.Lock()
	defer o.procMu.Unlock()

	o.mu.Lock()
	if o.gen != gen || o.state != Observing {
		o.mu.Unlock()
		return 0, nil
	}
	o.awaitingBudget = false
	n := min(len(o.pending), o.BatchSize())
	batch := make([]document.Change, n)
	copy(batch, o.pending[:n])
	o.pending = o.pending[n:]
	o.mu.Unlock()

	if n == 0 {
		return 0, nil
	}

	done := 0
	start := time.Now()
	b := &batchState{discoverLeft: o.cfg.MaxDiscoverPerBatch}
	err := o.doc.View(func(t document.Tree) error {
		for _, c := range batch {
			o.apply(t, b, c)
			done++
			if time.Since(start) > o.cfg.BatchBudget {
				break
			}
		}
		return nil
	})
	// Registration takes the document's write lock, so it waits for the view.
	for _, n := range b.untrack {
		o.doc.Untrack(n)
	}
	for _, n := range b.track {
		o.doc.Track(n)
	}
	o.n.batches.Add(1)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return done, err
	}
	if rest := batch[done:]; len(rest) > 0 {
		o.pending = append(rest, o.pending...)
		o.n.deferred.Add(1)
		o.logger.Debug("Change batch over budget, deferring remainder.",
			zap.Int("processed", done), zap.Int("deferred", len(rest)),
			zap.Duration("elapsed", time.Since(start)))
	}
	if len(o.pending) > 0 {
		o.scheduleDrainLocked(gen)
	}
	return done, err
}

// scheduleDrainLocked arms the trailing timer that wakes the loop to work on
// queued changes.
func (o *Observer) scheduleDrainLocked(gen uint64) {
	if o.drainTimer != nil || o.gen != gen || o.state != Observing {
		return
	}
	o.drainTimer = time.AfterFunc(o.cfg.DrainDelay, func() {
		o.mu.Lock()
		o.drainTimer = nil
		o.mu.Unlock()
		select {
		case o.kick <- struct{}{}:
		default:
		}
	})
}
