package graph

import (
	"sort"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/util"
)

const bloomMinCapacity = 1024
const defaultBloomFalsePositiveRate = 0.001

// bloomState holds the canonical-key pre-filter. The writer rebuilds the
// filter at round end and swaps it in atomically; readers work on an immutable
// snapshot and never block the writer.
type bloomState struct {
	fpr float64
	ptr atomic.Pointer[bloom.BloomFilter]
}

func (b *bloomState) init(fpr float64) {
	if fpr <= 0 {
		fpr = defaultBloomFalsePositiveRate
	}
	b.fpr = fpr
	b.ptr.Store(bloom.NewWithEstimates(bloomMinCapacity, fpr))
}

func (b *bloomState) rebuild(loops map[persist.CanonicalID]*persist.TradeLoop) {
	capacity := uint(util.MaxInt(2*len(loops), bloomMinCapacity))
	filter := bloom.NewWithEstimates(capacity, b.fpr)
	for id := range loops {
		filter.AddString(id.String())
	}
	b.ptr.Store(filter)
}

// MightContainLoop is the probabilistic pre-check for a canonical key. A true
// result must be confirmed with ContainsLoop; a false result is authoritative.
func (g *Graph) MightContainLoop(id persist.CanonicalID) bool {
	return g.bloom.ptr.Load().TestString(id.String())
}

// ContainsLoop reports exact membership of a canonical key in the active set.
func (g *Graph) ContainsLoop(id persist.CanonicalID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.loops[id]
	return ok
}

// ActiveLoopCount returns the number of active loops.
func (g *Graph) ActiveLoopCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.loops)
}

// GetActiveLoopsForWallet returns the active loops in which the wallet is a
// giver or receiver, ordered by quality score descending, then participant
// count ascending, then canonical ID.
func (g *Graph) GetActiveLoopsForWallet(id persist.WalletID) []*persist.TradeLoop {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := []*persist.TradeLoop{}
	for _, l := range g.loops {
		if l.Involves(id) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore > out[j].QualityScore
		}
		if out[i].ParticipantCount != out[j].ParticipantCount {
			return out[i].ParticipantCount < out[j].ParticipantCount
		}
		return out[i].CanonicalID < out[j].CanonicalID
	})
	return out
}

// ValidateLoop checks a loop's premises against the current graph: the steps
// chain and close, no giver or NFT repeats, every giver owns the stated NFT
// and every receiver's expanded want set still contains it.
func (g *Graph) ValidateLoop(l *persist.TradeLoop) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLoopLocked(l)
}

func (g *Graph) validateLoopLocked(l *persist.TradeLoop) bool {
	if len(l.Steps) < 2 {
		return false
	}

	seenGivers := map[persist.WalletID]bool{}
	seenNFTs := map[persist.NFTID]bool{}

	for i, s := range l.Steps {
		next := l.Steps[(i+1)%len(l.Steps)]
		if s.Receiver != next.Giver {
			return false
		}
		if seenGivers[s.Giver] || seenNFTs[s.NFT] {
			return false
		}
		seenGivers[s.Giver] = true
		seenNFTs[s.NFT] = true

		nft, ok := g.nfts[s.NFT]
		if !ok || nft.Owner != s.Giver {
			return false
		}
		if !g.expanded[s.Receiver][s.NFT] {
			return false
		}
	}
	return true
}

// CommitRound installs newly-discovered loops and evicts the given invalidated
// canonical keys, then rebuilds the pre-filter. It returns the loops actually
// added (duplicates of already-active loops are dropped) and the loops
// removed, the latter marked stale.
func (g *Graph) CommitRound(added []*persist.TradeLoop, removed []persist.CanonicalID) (installed []*persist.TradeLoop, evicted []*persist.TradeLoop) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range removed {
		if l, ok := g.loops[id]; ok {
			delete(g.loops, id)
			l.Status = persist.LoopStatusStale
			evicted = append(evicted, l)
		}
	}

	for _, l := range added {
		if _, ok := g.loops[l.CanonicalID]; ok {
			continue
		}
		// a cancelled round may hand back loops whose premises already moved
		if !g.validateLoopLocked(l) {
			continue
		}
		l.Status = persist.LoopStatusActive
		l.Version = g.version
		g.loops[l.CanonicalID] = l
		installed = append(installed, l.Clone())
	}

	g.bloom.rebuild(g.loops)
	return installed, evicted
}

// InvalidLoopsTouching returns the canonical keys of active loops that involve
// any of the given wallets and no longer validate. Loops outside the affected
// set are never considered, so an incremental round cannot evict them.
func (g *Graph) InvalidLoopsTouching(affected map[persist.WalletID]bool) []persist.CanonicalID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := []persist.CanonicalID{}
	for id, l := range g.loops {
		involved := false
		for w := range affected {
			if l.Involves(w) {
				involved = true
				break
			}
		}
		if involved && !g.validateLoopLocked(l) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SweepStale revalidates every active loop and evicts the ones whose premises
// no longer hold, returning them marked stale.
func (g *Graph) SweepStale() []*persist.TradeLoop {
	g.mu.Lock()
	defer g.mu.Unlock()

	stale := []*persist.TradeLoop{}
	for id, l := range g.loops {
		if !g.validateLoopLocked(l) {
			delete(g.loops, id)
			l.Status = persist.LoopStatusStale
			stale = append(stale, l)
		}
	}
	if len(stale) > 0 {
		g.bloom.rebuild(g.loops)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CanonicalID < stale[j].CanonicalID })
	return stale
}
