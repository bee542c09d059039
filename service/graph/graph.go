package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/mikeydub/go-barter/service/logger"
	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/service/valuate"
	"github.com/mikeydub/go-barter/util"
	"github.com/sirupsen/logrus"
)

// Graph is the per-tenant mutable trade graph: wallets, ownership, wants,
// collections and the set of currently-active trade loops. It is the single
// source of truth for a tenant. One logical writer mutates it; readers see
// consistent versions under the read lock.
type Graph struct {
	mu     sync.RWMutex
	tenant persist.TenantID

	wallets     map[persist.WalletID]*persist.Wallet
	nfts        map[persist.NFTID]*persist.NFT
	collections map[persist.CollectionID]*persist.Collection
	loops       map[persist.CanonicalID]*persist.TradeLoop

	// expanded holds the materialized want set per wallet after collection
	// expansion, rejection filtering and self-ownership filtering.
	expanded map[persist.WalletID]map[persist.NFTID]bool
	// wanters is the reverse index of expanded: which wallets currently want
	// a given NFT.
	wanters map[persist.NFTID]map[persist.WalletID]bool
	// fromCollection marks expanded wants that only exist because of a
	// collection-level want.
	fromCollection map[persist.WalletID]map[persist.NFTID]bool
	// cappedWallets marks wallets whose last expansion hit the collection
	// fanout cap.
	cappedWallets map[persist.WalletID]bool
	// collectionWanters indexes wallets by the collections they want.
	collectionWanters map[persist.CollectionID]map[persist.WalletID]bool
	// specificWanters indexes wallets by their stored specific wants, so a
	// mutation touching an NFT reaches dormant wanters without a full scan.
	specificWanters map[persist.NFTID]map[persist.WalletID]bool

	version uint64

	resolver            valuate.CollectionResolver
	maxCollectionFanout int

	bloom bloomState
}

// Options configures a tenant graph.
type Options struct {
	// Resolver is consulted for collection membership when the tenant has no
	// local membership record. Optional.
	Resolver valuate.CollectionResolver
	// MaxCollectionFanout caps the members considered per collection want.
	// 0 means unbounded.
	MaxCollectionFanout int
	// BloomFalsePositiveRate sizes the canonical-key pre-filter.
	BloomFalsePositiveRate float64
}

// New returns an empty tenant graph.
func New(tenant persist.TenantID, opts Options) *Graph {
	g := &Graph{
		tenant:              tenant,
		wallets:             map[persist.WalletID]*persist.Wallet{},
		nfts:                map[persist.NFTID]*persist.NFT{},
		collections:         map[persist.CollectionID]*persist.Collection{},
		loops:               map[persist.CanonicalID]*persist.TradeLoop{},
		expanded:            map[persist.WalletID]map[persist.NFTID]bool{},
		wanters:             map[persist.NFTID]map[persist.WalletID]bool{},
		fromCollection:      map[persist.WalletID]map[persist.NFTID]bool{},
		cappedWallets:       map[persist.WalletID]bool{},
		collectionWanters:   map[persist.CollectionID]map[persist.WalletID]bool{},
		specificWanters:     map[persist.NFTID]map[persist.WalletID]bool{},
		resolver:            opts.Resolver,
		maxCollectionFanout: opts.MaxCollectionFanout,
	}
	g.bloom.init(opts.BloomFalsePositiveRate)
	return g
}

// Tenant returns the tenant this graph belongs to.
func (g *Graph) Tenant() persist.TenantID {
	return g.tenant
}

// Version returns the current graph version.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// OwnerOf returns the current owner of an NFT.
func (g *Graph) OwnerOf(id persist.NFTID) (persist.WalletID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nft, ok := g.nfts[id]
	if !ok {
		return "", false
	}
	return nft.Owner, true
}

// ExpandedWants returns a copy of a wallet's materialized want set.
func (g *Graph) ExpandedWants(id persist.WalletID) map[persist.NFTID]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return util.CopySet(g.expanded[id])
}

// Rejections returns a copy of a wallet's rejection set.
func (g *Graph) Rejections(id persist.WalletID) map[persist.NFTID]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.wallets[id]
	if !ok {
		return map[persist.NFTID]bool{}
	}
	return util.CopySet(w.Rejections)
}

// ValuationHint returns the host-supplied valuation hint for an NFT, if any.
func (g *Graph) ValuationHint(id persist.NFTID) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nft, ok := g.nfts[id]
	if !ok || nft.ValuationHint == nil {
		return 0, false
	}
	return *nft.ValuationHint, true
}

// WantProvenance reports whether a wallet's expanded want for an NFT came from
// a collection expansion, and whether that wallet's expansion was capped.
func (g *Graph) WantProvenance(wallet persist.WalletID, nft persist.NFTID) (fromCollection bool, capped bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fromCollection[wallet][nft], g.cappedWallets[wallet]
}

// ApplyMutation applies a single mutation. See ApplyBatch.
func (g *Graph) ApplyMutation(ctx context.Context, m persist.Mutation) (map[persist.WalletID]bool, error) {
	return g.ApplyBatch(ctx, []persist.Mutation{m})
}

// ApplyBatch applies mutations atomically in order and returns the set of
// touched wallets: every wallet whose ownership, rejections or expanded wants
// changed. On any error the graph is unchanged and the version does not move.
// A RemoveNFT/AddNFT pair for the same NFT inside one batch is a legal
// ownership move.
func (g *Graph) ApplyBatch(ctx context.Context, batch []persist.Mutation) (map[persist.WalletID]bool, error) {
	if len(batch) == 0 {
		return map[persist.WalletID]bool{}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.validateBatch(batch); err != nil {
		return nil, err
	}

	touched := map[persist.WalletID]bool{}
	affectedCollections := map[persist.CollectionID]bool{}
	movedNFTs := map[persist.NFTID]bool{}

	for _, m := range batch {
		g.applyOne(m, touched, affectedCollections, movedNFTs)
	}

	g.reexpand(ctx, touched, affectedCollections, movedNFTs)

	g.version++
	return touched, nil
}

// validateBatch checks every mutation against the graph invariants before any
// state changes, tracking batch-local ownership so a remove-then-add move
// validates. It returns the first violation found.
func (g *Graph) validateBatch(batch []persist.Mutation) error {
	// owner overlay: present key means the batch changed ownership; nil value
	// means the NFT is currently removed.
	overlay := map[persist.NFTID]*persist.WalletID{}

	effectiveOwner := func(id persist.NFTID) (persist.WalletID, bool) {
		if o, ok := overlay[id]; ok {
			if o == nil {
				return "", false
			}
			return *o, true
		}
		if nft, ok := g.nfts[id]; ok {
			return nft.Owner, true
		}
		return "", false
	}

	for _, m := range batch {
		switch mt := m.(type) {
		case persist.AddNFT:
			if mt.NFT == "" || mt.Owner == "" {
				return persist.ErrInvalidMutation{Reason: "AddNFT requires an NFT ID and an owner"}
			}
			if owner, ok := effectiveOwner(mt.NFT); ok && owner != mt.Owner {
				return persist.ErrConflictingOwnership{NFTID: mt.NFT, Owner: owner}
			}
			o := mt.Owner
			overlay[mt.NFT] = &o
		case persist.RemoveNFT:
			if _, ok := effectiveOwner(mt.NFT); !ok {
				return persist.ErrNFTNotFound{NFTID: mt.NFT}
			}
			overlay[mt.NFT] = nil
		case persist.AddWant:
			if mt.Wallet == "" || mt.NFT == "" {
				return persist.ErrInvalidMutation{Reason: "AddWant requires a wallet and an NFT ID"}
			}
		case persist.RemoveWant:
			if mt.Wallet == "" {
				return persist.ErrInvalidMutation{Reason: "RemoveWant requires a wallet"}
			}
		case persist.AddCollectionWant:
			if mt.Wallet == "" || mt.Collection == "" {
				return persist.ErrInvalidMutation{Reason: "AddCollectionWant requires a wallet and a collection"}
			}
		case persist.RemoveCollectionWant:
			if mt.Wallet == "" {
				return persist.ErrInvalidMutation{Reason: "RemoveCollectionWant requires a wallet"}
			}
		case persist.AddRejection, persist.RemoveRejection:
			// nothing beyond shape to validate
		case persist.UpsertCollection:
			if mt.Collection == "" {
				return persist.ErrInvalidMutation{Reason: "UpsertCollection requires a collection ID"}
			}
		case persist.DeleteWallet:
			if _, ok := g.wallets[mt.Wallet]; !ok {
				return persist.ErrWalletNotFound{WalletID: mt.Wallet}
			}
		default:
			return persist.ErrInvalidMutation{Reason: fmt.Sprintf("unknown mutation variant %T", m)}
		}
	}
	return nil
}

// applyOne mutates the graph for a single validated mutation and records what
// it directly affected. Callers hold the write lock.
func (g *Graph) applyOne(m persist.Mutation, touched map[persist.WalletID]bool, affectedCollections map[persist.CollectionID]bool, movedNFTs map[persist.NFTID]bool) {
	switch mt := m.(type) {
	case persist.AddNFT:
		if existing, ok := g.nfts[mt.NFT]; ok {
			// re-add under the same owner; refresh collection and hint
			touched[existing.Owner] = true
			if existing.Collection != mt.Collection && existing.Collection != "" {
				// the NFT leaves its previous collection; wants derived from
				// that membership must not survive the move
				if c, ok := g.collections[existing.Collection]; ok {
					delete(c.Members, mt.NFT)
				}
				affectedCollections[existing.Collection] = true
			}
			existing.Collection = mt.Collection
			if mt.ValuationHint != nil {
				existing.ValuationHint = mt.ValuationHint
			}
		} else {
			g.nfts[mt.NFT] = &persist.NFT{
				ID:            mt.NFT,
				Owner:         mt.Owner,
				Collection:    mt.Collection,
				ValuationHint: mt.ValuationHint,
			}
		}
		w := g.walletFor(mt.Owner)
		w.Owned[mt.NFT] = true
		// owning an NFT silently drops any want for it
		delete(w.Wants, mt.NFT)
		g.unindexWant(mt.Owner, mt.NFT)
		w.Touch()
		touched[mt.Owner] = true
		movedNFTs[mt.NFT] = true
		if mt.Collection != "" {
			c := g.collectionFor(mt.Collection)
			c.Members[mt.NFT] = true
			affectedCollections[mt.Collection] = true
		}

	case persist.RemoveNFT:
		nft := g.nfts[mt.NFT]
		if w, ok := g.wallets[nft.Owner]; ok {
			delete(w.Owned, mt.NFT)
			w.Touch()
			touched[nft.Owner] = true
		}
		if nft.Collection != "" {
			if c, ok := g.collections[nft.Collection]; ok {
				delete(c.Members, mt.NFT)
			}
			affectedCollections[nft.Collection] = true
		}
		delete(g.nfts, mt.NFT)
		movedNFTs[mt.NFT] = true

	case persist.AddWant:
		w := g.walletFor(mt.Wallet)
		// a wallet cannot want an NFT it currently owns
		if !w.Owned[mt.NFT] {
			w.Wants[mt.NFT] = true
			g.indexWant(mt.Wallet, mt.NFT)
		}
		w.Touch()
		touched[mt.Wallet] = true

	case persist.RemoveWant:
		if w, ok := g.wallets[mt.Wallet]; ok {
			delete(w.Wants, mt.NFT)
			g.unindexWant(mt.Wallet, mt.NFT)
			w.Touch()
		}
		touched[mt.Wallet] = true

	case persist.AddCollectionWant:
		w := g.walletFor(mt.Wallet)
		w.CollectionWants[mt.Collection] = true
		w.Touch()
		if g.collectionWanters[mt.Collection] == nil {
			g.collectionWanters[mt.Collection] = map[persist.WalletID]bool{}
		}
		g.collectionWanters[mt.Collection][mt.Wallet] = true
		touched[mt.Wallet] = true

	case persist.RemoveCollectionWant:
		if w, ok := g.wallets[mt.Wallet]; ok {
			delete(w.CollectionWants, mt.Collection)
			w.Touch()
		}
		if ws, ok := g.collectionWanters[mt.Collection]; ok {
			delete(ws, mt.Wallet)
		}
		touched[mt.Wallet] = true

	case persist.AddRejection:
		w := g.walletFor(mt.Wallet)
		// the stored want survives; expansion filters it while the rejection
		// stands
		w.Rejections[mt.NFT] = true
		w.Touch()
		touched[mt.Wallet] = true

	case persist.RemoveRejection:
		if w, ok := g.wallets[mt.Wallet]; ok {
			delete(w.Rejections, mt.NFT)
			w.Touch()
		}
		touched[mt.Wallet] = true

	case persist.UpsertCollection:
		c := g.collectionFor(mt.Collection)
		c.Members = make(map[persist.NFTID]bool, len(mt.Members))
		for _, n := range mt.Members {
			c.Members[n] = true
		}
		affectedCollections[mt.Collection] = true

	case persist.DeleteWallet:
		w := g.wallets[mt.Wallet]
		for n := range w.Owned {
			if nft, ok := g.nfts[n]; ok {
				if nft.Collection != "" {
					if c, ok := g.collections[nft.Collection]; ok {
						delete(c.Members, n)
					}
					affectedCollections[nft.Collection] = true
				}
				delete(g.nfts, n)
			}
			movedNFTs[n] = true
		}
		for k := range w.CollectionWants {
			if ws, ok := g.collectionWanters[k]; ok {
				delete(ws, mt.Wallet)
			}
		}
		for n := range w.Wants {
			g.unindexWant(mt.Wallet, n)
		}
		g.dropExpansion(mt.Wallet)
		delete(g.wallets, mt.Wallet)
		delete(g.cappedWallets, mt.Wallet)
		touched[mt.Wallet] = true
	}
}

func (g *Graph) walletFor(id persist.WalletID) *persist.Wallet {
	w, ok := g.wallets[id]
	if !ok {
		w = persist.NewWallet(id)
		g.wallets[id] = w
	}
	return w
}

func (g *Graph) indexWant(wallet persist.WalletID, nft persist.NFTID) {
	if g.specificWanters[nft] == nil {
		g.specificWanters[nft] = map[persist.WalletID]bool{}
	}
	g.specificWanters[nft][wallet] = true
}

func (g *Graph) unindexWant(wallet persist.WalletID, nft persist.NFTID) {
	if ws, ok := g.specificWanters[nft]; ok {
		delete(ws, wallet)
		if len(ws) == 0 {
			delete(g.specificWanters, nft)
		}
	}
}

func (g *Graph) collectionFor(id persist.CollectionID) *persist.Collection {
	c, ok := g.collections[id]
	if !ok {
		c = persist.NewCollection(id)
		g.collections[id] = c
	}
	return c
}

// logCtx tags log entries with this graph's tenant.
func (g *Graph) logCtx(ctx context.Context) context.Context {
	return logger.NewContextWithFields(ctx, logrus.Fields{"tenant": g.tenant})
}
