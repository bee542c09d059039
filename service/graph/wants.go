package graph

import (
	"context"
	"sort"

	"github.com/mikeydub/go-barter/service/logger"
	"github.com/mikeydub/go-barter/service/persist"
)

// reexpand recomputes the materialized want set for every wallet a batch could
// have affected: the directly-touched wallets, wallets wanting an affected
// collection, and wallets whose expansion includes a moved NFT. Wallets whose
// expansion actually changed are added to touched. Callers hold the write
// lock.
func (g *Graph) reexpand(ctx context.Context, touched map[persist.WalletID]bool, affectedCollections map[persist.CollectionID]bool, movedNFTs map[persist.NFTID]bool) {
	candidates := map[persist.WalletID]bool{}
	for w := range touched {
		candidates[w] = true
	}
	for c := range affectedCollections {
		for w := range g.collectionWanters[c] {
			candidates[w] = true
		}
	}
	for n := range movedNFTs {
		for w := range g.wanters[n] {
			candidates[w] = true
		}
		// dormant specific wants for an NFT that just appeared materialize now
		for w := range g.specificWanters[n] {
			candidates[w] = true
		}
	}

	for id := range candidates {
		w, ok := g.wallets[id]
		if !ok {
			continue
		}
		next, fromCollection, capped := g.expandWallet(ctx, w)
		if g.installExpansion(id, next, fromCollection, capped) {
			touched[id] = true
		}
	}
}

// expandWallet computes a wallet's want set: specific wants plus collection
// expansion, minus rejections, minus owned NFTs, restricted to NFTs owned by
// some other wallet in the tenant.
func (g *Graph) expandWallet(ctx context.Context, w *persist.Wallet) (wants map[persist.NFTID]bool, fromCollection map[persist.NFTID]bool, capped bool) {
	wants = map[persist.NFTID]bool{}
	fromCollection = map[persist.NFTID]bool{}

	include := func(n persist.NFTID) bool {
		if w.Owned[n] || w.Rejections[n] {
			return false
		}
		nft, ok := g.nfts[n]
		if !ok || nft.Owner == w.ID {
			return false
		}
		return true
	}

	for n := range w.Wants {
		if include(n) {
			wants[n] = true
		}
	}

	for c := range w.CollectionWants {
		members := g.collectionMembers(ctx, c)
		if g.maxCollectionFanout > 0 && len(members) > g.maxCollectionFanout {
			members = members[:g.maxCollectionFanout]
			capped = true
		}
		for _, n := range members {
			if !include(n) {
				continue
			}
			if !wants[n] {
				wants[n] = true
				fromCollection[n] = true
			}
		}
	}

	return wants, fromCollection, capped
}

// collectionMembers returns a collection's members in ascending ID order,
// preferring the tenant's local membership record and falling back to the
// resolver for collections the tenant has never described.
func (g *Graph) collectionMembers(ctx context.Context, id persist.CollectionID) []persist.NFTID {
	if c, ok := g.collections[id]; ok {
		members := make([]persist.NFTID, 0, len(c.Members))
		for n := range c.Members {
			members = append(members, n)
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		return members
	}

	if g.resolver == nil {
		return nil
	}
	members, err := g.resolver.MembersOf(ctx, id)
	if err != nil {
		logger.For(g.logCtx(ctx)).Warnf("collection resolver failed for %s: %s", id, err)
		return nil
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

// installExpansion swaps in a wallet's recomputed want set, maintaining the
// reverse index, and reports whether anything changed.
func (g *Graph) installExpansion(id persist.WalletID, next map[persist.NFTID]bool, fromCollection map[persist.NFTID]bool, capped bool) bool {
	prev := g.expanded[id]

	changed := len(prev) != len(next) || g.cappedWallets[id] != capped
	if !changed {
		for n := range next {
			if !prev[n] {
				changed = true
				break
			}
		}
	}
	if !changed {
		// same set; provenance may still have shifted
		prevFrom := g.fromCollection[id]
		if len(prevFrom) != len(fromCollection) {
			changed = true
		} else {
			for n := range fromCollection {
				if !prevFrom[n] {
					changed = true
					break
				}
			}
		}
	}
	if !changed {
		return false
	}

	for n := range prev {
		if ws, ok := g.wanters[n]; ok {
			delete(ws, id)
			if len(ws) == 0 {
				delete(g.wanters, n)
			}
		}
	}
	for n := range next {
		if g.wanters[n] == nil {
			g.wanters[n] = map[persist.WalletID]bool{}
		}
		g.wanters[n][id] = true
	}

	g.expanded[id] = next
	g.fromCollection[id] = fromCollection
	if capped {
		g.cappedWallets[id] = true
	} else {
		delete(g.cappedWallets, id)
	}
	return true
}

// dropExpansion removes a wallet from all expansion state. Callers hold the
// write lock.
func (g *Graph) dropExpansion(id persist.WalletID) {
	for n := range g.expanded[id] {
		if ws, ok := g.wanters[n]; ok {
			delete(ws, id)
			if len(ws) == 0 {
				delete(g.wanters, n)
			}
		}
	}
	delete(g.expanded, id)
	delete(g.fromCollection, id)
}
