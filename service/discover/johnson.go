package discover

import (
	"context"
	"errors"
	"sort"

	"github.com/mikeydub/go-barter/service/persist"
)

// ErrBudgetExhausted signals that enumeration for one SCC hit its cycle
// budget. Cycles emitted before the budget hit remain valid; the signal is
// telemetry, not a failure.
var ErrBudgetExhausted = errors.New("cycle budget exhausted")

// ErrComputationCancelled signals that a discovery round was interrupted by a
// newer mutation or its deadline. Partial results are kept, gated by
// re-validation.
var ErrComputationCancelled = errors.New("computation cancelled")

// cancellationCheckInterval is how many visited edges pass between context
// checks inside the enumeration loop.
const cancellationCheckInterval = 4096

// cycleEnumerator finds elementary directed cycles of bounded length using
// Johnson's algorithm. When the depth bound prunes a branch, the pruned vertex
// is treated as productive so the unblock chain still runs; this keeps the
// bounded variant complete at the cost of some re-exploration.
type cycleEnumerator struct {
	adj      map[persist.WalletID][]persist.WalletID
	maxDepth int
	budget   int

	blocked  map[persist.WalletID]bool
	blockMap map[persist.WalletID]map[persist.WalletID]bool
	path     []persist.WalletID

	visitedEdges int
	emitted      int

	emit func([]persist.WalletID) error
}

// enumerateCycles walks every elementary cycle of length <= maxDepth in the
// induced adjacency, invoking emit with the cycle's vertices in path order.
// Each cycle is reported exactly once, rooted at its smallest vertex. Returns
// ErrBudgetExhausted or a context error when enumeration stops early.
func enumerateCycles(ctx context.Context, adj map[persist.WalletID][]persist.WalletID, maxDepth, budget int, emit func([]persist.WalletID) error) error {
	vertices := make([]persist.WalletID, 0, len(adj))
	for v := range adj {
		vertices = append(vertices, v)
	}
	sort.Slice(vertices, func(i, j int) bool { return vertices[i] < vertices[j] })

	e := &cycleEnumerator{
		maxDepth: maxDepth,
		budget:   budget,
		emit:     emit,
	}

	for _, start := range vertices {
		// consider only vertices >= start so every cycle is rooted at its
		// smallest member
		e.adj = map[persist.WalletID][]persist.WalletID{}
		for _, v := range vertices {
			if v < start {
				continue
			}
			for _, w := range adj[v] {
				if w >= start {
					e.adj[v] = append(e.adj[v], w)
				}
			}
		}
		if len(e.adj[start]) == 0 {
			continue
		}

		e.blocked = map[persist.WalletID]bool{}
		e.blockMap = map[persist.WalletID]map[persist.WalletID]bool{}
		e.path = e.path[:0]

		if _, err := e.circuit(ctx, start, start); err != nil {
			return err
		}
	}
	return nil
}

func (e *cycleEnumerator) circuit(ctx context.Context, v, start persist.WalletID) (bool, error) {
	found := false
	e.path = append(e.path, v)
	e.blocked[v] = true

	for _, w := range e.adj[v] {
		e.visitedEdges++
		if e.visitedEdges%cancellationCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return false, ErrComputationCancelled
			}
		}

		if w == start {
			cycle := make([]persist.WalletID, len(e.path))
			copy(cycle, e.path)
			if err := e.emit(cycle); err != nil {
				return false, err
			}
			e.emitted++
			if e.emitted >= e.budget {
				return false, ErrBudgetExhausted
			}
			found = true
		} else if !e.blocked[w] {
			if len(e.path) < e.maxDepth {
				f, err := e.circuit(ctx, w, start)
				if err != nil {
					return false, err
				}
				if f {
					found = true
				}
			} else {
				// depth-pruned; counts as productive so ancestors unblock
				found = true
			}
		}
	}

	if found {
		e.unblock(v)
	} else {
		for _, w := range e.adj[v] {
			if e.blockMap[w] == nil {
				e.blockMap[w] = map[persist.WalletID]bool{}
			}
			e.blockMap[w][v] = true
		}
	}

	e.path = e.path[:len(e.path)-1]
	return found, nil
}

func (e *cycleEnumerator) unblock(v persist.WalletID) {
	e.blocked[v] = false
	for w := range e.blockMap[v] {
		delete(e.blockMap[v], w)
		if e.blocked[w] {
			e.unblock(w)
		}
	}
}
