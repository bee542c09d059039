package discover

import (
	"context"
	"sync"
	"time"

	"github.com/mikeydub/go-barter/service/graph"
	"github.com/mikeydub/go-barter/service/logger"
	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/service/valuate"
	"github.com/sirupsen/logrus"
)

// State is the orchestrator's observable lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateDebouncing State = "debouncing"
	StateComputing  State = "computing"
	StateEmitting   State = "emitting"
)

// Sink receives the loop diffs an orchestrator produces. Implementations must
// not block indefinitely.
type Sink interface {
	LoopsAdded(ctx context.Context, version uint64, loops []*persist.TradeLoop)
	LoopsRemoved(ctx context.Context, version uint64, loops []*persist.TradeLoop)
	LoopsStale(ctx context.Context, version uint64, loops []*persist.TradeLoop)
}

// OrchestratorConfig bounds the event-driven scheduler around the pipeline.
type OrchestratorConfig struct {
	Config
	DebounceWindow  time.Duration
	ComputeDeadline time.Duration
}

// Orchestrator drives discovery for one tenant. Mutations notify it with the
// touched wallet set; it debounces, assembles the affected subgraph, runs the
// pipeline, diffs against the active loops and emits the result. A mutation
// arriving mid-computation cancels the round; partial results are committed
// only after re-validation, and the round's wallets are folded into the next
// one.
type Orchestrator struct {
	store  *graph.Graph
	values valuate.ValueSource
	sink   Sink
	cfg    OrchestratorConfig

	mu      sync.Mutex
	state   State
	pending map[persist.WalletID]bool

	notify chan struct{}
	rounds uint64
}

// NewOrchestrator returns an orchestrator for the given tenant graph. Call
// Run to start it.
func NewOrchestrator(store *graph.Graph, values valuate.ValueSource, sink Sink, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		store:   store,
		values:  values,
		sink:    sink,
		cfg:     cfg,
		state:   StateIdle,
		pending: map[persist.WalletID]bool{},
		notify:  make(chan struct{}, 1),
	}
}

// Notify folds a mutation's touched wallets into the next round and wakes the
// orchestrator.
func (o *Orchestrator) Notify(touched map[persist.WalletID]bool) {
	if len(touched) == 0 {
		return
	}
	o.mu.Lock()
	for w := range touched {
		o.pending[w] = true
	}
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Idle reports whether the orchestrator has nothing queued and nothing in
// flight.
func (o *Orchestrator) Idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateIdle && len(o.pending) == 0 && len(o.notify) == 0
}

// WaitIdle blocks until the orchestrator is idle or the context ends.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if o.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep revalidates every active loop, evicts the stale ones and emits them.
func (o *Orchestrator) Sweep(ctx context.Context) {
	stale := o.store.SweepStale()
	if len(stale) > 0 {
		o.sink.LoopsStale(ctx, o.store.Version(), stale)
	}
}

// Run processes rounds until the context ends. It is the tenant writer's
// companion goroutine: exactly one Run per orchestrator.
func (o *Orchestrator) Run(ctx context.Context) {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"tenant": o.store.Tenant()})
	for {
		o.setState(StateIdle)
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		}

		o.setState(StateDebouncing)
		if !o.debounce(ctx) {
			return
		}

		touched := o.takePending()
		if len(touched) == 0 {
			continue
		}

		o.runRound(ctx, touched)
	}
}

// debounce waits out the debounce window, extending it while further
// mutations arrive. Returns false when the context ended.
func (o *Orchestrator) debounce(ctx context.Context) bool {
	if o.cfg.DebounceWindow <= 0 {
		return true
	}
	timer := time.NewTimer(o.cfg.DebounceWindow)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-o.notify:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(o.cfg.DebounceWindow)
		case <-timer.C:
			return true
		}
	}
}

func (o *Orchestrator) takePending() map[persist.WalletID]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	touched := o.pending
	o.pending = map[persist.WalletID]bool{}
	return touched
}

type roundResult struct {
	candidates []*persist.TradeLoop
	stats      RoundStats
}

// runRound executes one compute+emit cycle for the given touched set.
func (o *Orchestrator) runRound(ctx context.Context, touched map[persist.WalletID]bool) {
	o.mu.Lock()
	o.rounds++
	round := o.rounds
	o.mu.Unlock()

	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"round": round})

	o.setState(StateComputing)
	sub := o.store.BuildSubgraph(touched, o.cfg.MaxDepth)

	roundCtx, cancel := context.WithTimeout(ctx, o.cfg.ComputeDeadline)
	defer cancel()

	resultCh := make(chan roundResult, 1)
	go func() {
		candidates, stats, _ := RunPipeline(roundCtx, o.store, sub, o.values, o.cfg.Config)
		resultCh <- roundResult{candidates: candidates, stats: stats}
	}()

	cancelledByMutation := false
	var res roundResult
	select {
	case <-o.notify:
		// newer mutation; cancel and keep whatever was produced
		cancelledByMutation = true
		cancel()
		res = <-resultCh
	case res = <-resultCh:
	}

	if cancelledByMutation {
		// fold this round's wallets into the next so nothing is lost
		o.Notify(touched)
	}

	if cancelledByMutation && len(res.candidates) == 0 {
		logger.For(ctx).Debugf("round fully cancelled after %s", res.stats.Elapsed)
		return
	}

	// removals are validity-driven and scoped to the touched wallets, so a
	// cut-short enumeration can never evict a loop that still holds
	removedIDs := o.store.InvalidLoopsTouching(touched)
	installed, evicted := o.store.CommitRound(res.candidates, removedIDs)
	version := o.store.Version()

	o.setState(StateEmitting)
	if len(evicted) > 0 {
		o.sink.LoopsRemoved(ctx, version, evicted)
	}
	if len(installed) > 0 {
		o.sink.LoopsAdded(ctx, version, installed)
	}

	logger.For(ctx).WithFields(logrus.Fields{
		"wallets":    res.stats.Wallets,
		"edges":      res.stats.Edges,
		"sccs":       res.stats.SCCs,
		"candidates": res.stats.Candidates,
		"accepted":   res.stats.Accepted,
		"added":      len(installed),
		"removed":    len(evicted),
		"version":    version,
		"elapsed":    res.stats.Elapsed,
	}).Debug("discovery round complete")
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}
