package graph

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/util"
)

// snapshotSchemaVersion is bumped on breaking changes to the snapshot layout.
// Unknown fields in a snapshot are ignored on restore; an unknown schema
// version rejects the restore.
const snapshotSchemaVersion = 1

type walletSnapshot struct {
	ID              persist.WalletID        `json:"id"`
	Owned           []persist.NFTID         `json:"owned"`
	Wants           []persist.NFTID         `json:"wants"`
	CollectionWants []persist.CollectionID  `json:"collection_wants"`
	Rejections      []persist.NFTID         `json:"rejections"`
	LastMutated     persist.LastUpdatedTime `json:"last_mutated"`
}

type nftSnapshot struct {
	ID            persist.NFTID        `json:"id"`
	Owner         persist.WalletID     `json:"owner"`
	Collection    persist.CollectionID `json:"collection,omitempty"`
	ValuationHint *float64             `json:"valuation_hint,omitempty"`
}

type collectionSnapshot struct {
	ID      persist.CollectionID `json:"id"`
	Members []persist.NFTID      `json:"members"`
}

type snapshotEnvelope struct {
	SchemaVersion int                  `json:"schema_version"`
	Tenant        persist.TenantID     `json:"tenant"`
	Version       uint64               `json:"version"`
	Wallets       []walletSnapshot     `json:"wallets"`
	NFTs          []nftSnapshot        `json:"nfts"`
	Collections   []collectionSnapshot `json:"collections"`
	Loops         []persist.TradeLoop  `json:"loops"`
}

// Snapshot serializes the graph into a versioned, self-describing blob.
// Derived state (expansions, indexes, the pre-filter) is not serialized; it is
// rebuilt on restore. Snapshots are consistent: the writer takes them between
// mutations.
func (g *Graph) Snapshot() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	env := snapshotEnvelope{
		SchemaVersion: snapshotSchemaVersion,
		Tenant:        g.tenant,
		Version:       g.version,
	}

	for _, id := range util.SortedKeys(g.wallets) {
		w := g.wallets[id]
		env.Wallets = append(env.Wallets, walletSnapshot{
			ID:              w.ID,
			Owned:           sortedNFTSet(w.Owned),
			Wants:           sortedNFTSet(w.Wants),
			CollectionWants: sortedCollectionSet(w.CollectionWants),
			Rejections:      sortedNFTSet(w.Rejections),
			LastMutated:     w.LastMutated,
		})
	}
	for _, id := range util.SortedKeys(g.nfts) {
		n := g.nfts[id]
		env.NFTs = append(env.NFTs, nftSnapshot{
			ID:            n.ID,
			Owner:         n.Owner,
			Collection:    n.Collection,
			ValuationHint: n.ValuationHint,
		})
	}
	for _, id := range util.SortedKeys(g.collections) {
		c := g.collections[id]
		env.Collections = append(env.Collections, collectionSnapshot{
			ID:      c.ID,
			Members: sortedNFTSet(c.Members),
		})
	}
	for _, id := range util.SortedKeys(g.loops) {
		env.Loops = append(env.Loops, *g.loops[id].Clone())
	}

	return json.Marshal(env)
}

// Restore rebuilds the graph from a snapshot, replacing all current state.
// Derived state is recomputed from scratch rather than trusted from the blob.
func (g *Graph) Restore(ctx context.Context, data []byte) error {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return persist.ErrInvalidMutation{Reason: "snapshot is not valid JSON: " + err.Error()}
	}
	if env.SchemaVersion != snapshotSchemaVersion {
		return persist.ErrSnapshotIncompatible{SchemaVersion: env.SchemaVersion}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.wallets = map[persist.WalletID]*persist.Wallet{}
	g.nfts = map[persist.NFTID]*persist.NFT{}
	g.collections = map[persist.CollectionID]*persist.Collection{}
	g.loops = map[persist.CanonicalID]*persist.TradeLoop{}
	g.expanded = map[persist.WalletID]map[persist.NFTID]bool{}
	g.wanters = map[persist.NFTID]map[persist.WalletID]bool{}
	g.fromCollection = map[persist.WalletID]map[persist.NFTID]bool{}
	g.cappedWallets = map[persist.WalletID]bool{}
	g.collectionWanters = map[persist.CollectionID]map[persist.WalletID]bool{}
	g.specificWanters = map[persist.NFTID]map[persist.WalletID]bool{}
	g.version = env.Version

	for _, ws := range env.Wallets {
		w := persist.NewWallet(ws.ID)
		w.LastMutated = ws.LastMutated
		for _, n := range ws.Owned {
			w.Owned[n] = true
		}
		for _, n := range ws.Wants {
			w.Wants[n] = true
			g.indexWant(ws.ID, n)
		}
		for _, c := range ws.CollectionWants {
			w.CollectionWants[c] = true
			if g.collectionWanters[c] == nil {
				g.collectionWanters[c] = map[persist.WalletID]bool{}
			}
			g.collectionWanters[c][ws.ID] = true
		}
		for _, n := range ws.Rejections {
			w.Rejections[n] = true
		}
		g.wallets[ws.ID] = w
	}
	for _, ns := range env.NFTs {
		g.nfts[ns.ID] = &persist.NFT{
			ID:            ns.ID,
			Owner:         ns.Owner,
			Collection:    ns.Collection,
			ValuationHint: ns.ValuationHint,
		}
	}
	for _, cs := range env.Collections {
		c := persist.NewCollection(cs.ID)
		for _, n := range cs.Members {
			c.Members[n] = true
		}
		g.collections[cs.ID] = c
	}
	for i := range env.Loops {
		l := env.Loops[i].Clone()
		g.loops[l.CanonicalID] = l
	}

	for id, w := range g.wallets {
		wants, fromCollection, capped := g.expandWallet(ctx, w)
		g.installExpansion(id, wants, fromCollection, capped)
	}

	g.bloom.rebuild(g.loops)
	return nil
}

func sortedNFTSet(m map[persist.NFTID]bool) []persist.NFTID {
	out := make([]persist.NFTID, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedCollectionSet(m map[persist.CollectionID]bool) []persist.CollectionID {
	out := make([]persist.CollectionID, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
