package discover

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/mikeydub/go-barter/service/graph"
	"github.com/mikeydub/go-barter/service/logger"
	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/service/valuate"
)

// Config bounds a discovery run.
type Config struct {
	MaxDepth          int
	MaxCyclesPerSCC   int
	MaxSCCConcurrency int
	LargeSCCThreshold int
	Weights           Weights
	QualityThreshold  float64
}

// RoundStats summarizes one pipeline run for logging and telemetry.
type RoundStats struct {
	Wallets         int
	Edges           int
	SCCs            int
	Candidates      int
	Accepted        int
	BudgetExhausted bool
	Cancelled       bool
	Elapsed         time.Duration
}

// RunPipeline executes the staged discovery pipeline over one subgraph: SCC
// partitioning, cycle enumeration (community-sharded for oversized SCCs),
// canonical deduplication and quality scoring. Independent SCCs run
// concurrently up to MaxSCCConcurrency. Budget and cancellation cut
// completeness, never correctness: whatever was produced before the cut is
// returned.
func RunPipeline(ctx context.Context, store *graph.Graph, sub *graph.Subgraph, values valuate.ValueSource, cfg Config) ([]*persist.TradeLoop, RoundStats, error) {
	start := time.Now()
	stats := RoundStats{Wallets: len(sub.Vertices), Edges: sub.EdgeCount()}

	components := stronglyConnectedComponents(sub)
	stats.SCCs = len(components)
	if len(components) == 0 {
		stats.Elapsed = time.Since(start)
		return nil, stats, nil
	}

	var mu sync.Mutex
	dedupe := newRoundDeduper()
	candidates := []*persist.TradeLoop{}
	var sawBudget, sawCancel bool

	wp := workerpool.New(cfg.MaxSCCConcurrency)
	for _, component := range components {
		component := component
		wp.Submit(func() {
			loops, err := enumerateComponent(ctx, store, sub, component, values, cfg, func(id persist.CanonicalID) bool {
				mu.Lock()
				defer mu.Unlock()
				return dedupe.Admit(id)
			})

			mu.Lock()
			defer mu.Unlock()
			candidates = append(candidates, loops...)
			if errors.Is(err, ErrBudgetExhausted) {
				sawBudget = true
			} else if errors.Is(err, ErrComputationCancelled) {
				sawCancel = true
			}
		})
	}
	wp.StopWait()

	stats.BudgetExhausted = sawBudget
	stats.Cancelled = sawCancel || ctx.Err() != nil
	stats.Candidates = len(candidates)

	accepted := candidates[:0]
	for _, l := range candidates {
		if l.QualityScore >= cfg.QualityThreshold {
			accepted = append(accepted, l)
		}
	}
	stats.Accepted = len(accepted)
	stats.Elapsed = time.Since(start)

	if sawBudget {
		logger.For(ctx).Warnf("cycle budget exhausted in %d-SCC round; partial results kept", stats.SCCs)
	}

	return accepted, stats, nil
}

// enumerateComponent runs cycle enumeration for one SCC, community-sharded
// when the component exceeds the large-SCC threshold.
func enumerateComponent(ctx context.Context, store *graph.Graph, sub *graph.Subgraph, members []persist.WalletID, values valuate.ValueSource, cfg Config, admit func(persist.CanonicalID) bool) ([]*persist.TradeLoop, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrComputationCancelled
	}

	shards := [][]persist.WalletID{members}
	if len(members) > cfg.LargeSCCThreshold {
		communities := louvainCommunities(sub, members)
		if len(communities) > 1 {
			shards = append([][]persist.WalletID{}, communities...)
			shards = append(shards, bridgeVertices(sub, communities))
		}
	}

	budget := cfg.MaxCyclesPerSCC
	loops := []*persist.TradeLoop{}

	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return loops, ErrComputationCancelled
		}

		adj := induceAdjacency(sub, shard)
		emit := func(cycle []persist.WalletID) error {
			return materializeCycle(ctx, store, sub, cycle, values, cfg, admit, &budget, &loops)
		}
		// assignment materialization owns the budget, so the enumerator's own
		// cycle counter is effectively unbounded
		if err := enumerateCycles(ctx, adj, cfg.MaxDepth, math.MaxInt, emit); err != nil {
			return loops, err
		}
	}
	return loops, nil
}

// materializeCycle turns a wallet cycle into candidate loops by assigning an
// NFT to every edge. Assignments are enumerated in lexicographic order of the
// sorted per-edge choices; each distinct assignment has a distinct canonical
// key. The shared per-SCC budget is decremented per candidate.
func materializeCycle(ctx context.Context, store *graph.Graph, sub *graph.Subgraph, cycle []persist.WalletID, values valuate.ValueSource, cfg Config, admit func(persist.CanonicalID) bool, budget *int, out *[]*persist.TradeLoop) error {
	n := len(cycle)
	choices := make([][]persist.NFTID, n)
	for i := 0; i < n; i++ {
		e := graph.Edge{From: cycle[i], To: cycle[(i+1)%n]}
		choices[i] = sub.Choices[e]
		if len(choices[i]) == 0 {
			return nil
		}
	}

	steps := make([]persist.TradeStep, n)
	used := map[persist.NFTID]bool{}

	var assign func(i int) error
	assign = func(i int) error {
		if i == n {
			if *budget <= 0 {
				return ErrBudgetExhausted
			}
			*budget--

			key := CanonicalKey(steps)
			if !admit(key) {
				return nil
			}
			// probabilistic pre-check, then exact: already-active loops are
			// not re-emitted
			if store.MightContainLoop(key) && store.ContainsLoop(key) {
				return nil
			}

			loop, err := scoreCandidate(ctx, store, steps, values, cfg)
			if err != nil {
				return err
			}
			loop.CanonicalID = key
			*out = append(*out, loop)
			return nil
		}

		for _, nft := range choices[i] {
			if used[nft] {
				continue
			}
			used[nft] = true
			steps[i] = persist.TradeStep{Giver: cycle[i], Receiver: cycle[(i+1)%len(cycle)], NFT: nft}
			err := assign(i + 1)
			used[nft] = false
			if err != nil {
				return err
			}
		}
		return nil
	}

	return assign(0)
}

// scoreCandidate computes the quality components for a fully-assigned loop.
func scoreCandidate(ctx context.Context, store *graph.Graph, steps []persist.TradeStep, values valuate.ValueSource, cfg Config) (*persist.TradeLoop, error) {
	vals := make([]float64, len(steps))
	reliability := 1.0
	for i, s := range steps {
		v, err := values.ValueOf(ctx, s.NFT)
		if err != nil {
			v = 0
		}
		vals[i] = v

		if fromCollection, capped := store.WantProvenance(s.Receiver, s.NFT); fromCollection && capped {
			reliability = 0.8
		}
	}

	efficiency := scoreEfficiency(len(steps), cfg.MaxDepth)
	fairness := scoreFairness(vals)
	quality := compositeScore(efficiency, fairness, reliability, cfg.Weights)

	stepsCopy := make([]persist.TradeStep, len(steps))
	copy(stepsCopy, steps)

	return &persist.TradeLoop{
		ID:               persist.GenerateID(),
		Steps:            stepsCopy,
		Efficiency:       efficiency,
		Fairness:         fairness,
		QualityScore:     quality,
		ParticipantCount: len(steps),
		DiscoveredAt:     persist.CreationTime(time.Now()),
		Status:           persist.LoopStatusPending,
	}, nil
}
