// Package engine is the public facade of the barter engine: a registry of
// per-tenant trade graphs with mutation, query, snapshot and subscription
// surfaces. Hosts embed it; there is no transport.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/mikeydub/go-barter/env"
	"github.com/mikeydub/go-barter/service/logger"
	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/service/subscribe"
	"github.com/mikeydub/go-barter/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrEngineClosed is returned by every operation after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// InventoryItem is one NFT in a SubmitInventory call.
type InventoryItem struct {
	NFT           persist.NFTID
	Collection    persist.CollectionID
	ValuationHint *float64
}

// Engine owns the tenant registry. Tenants are created on first touch and
// live until RemoveTenant or Shutdown.
type Engine struct {
	cfg  Config
	base TenantConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	tenants map[persist.TenantID]*tenant
	closed  bool
}

// New builds an engine from the BARTER_ environment configuration overlaid
// with cfg. The engine stops when ctx ends or Shutdown is called.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	SetDefaults()
	if env.GetBool(ctx, "BARTER_DEBUG") {
		logger.SetLoggerOptions(func(l *logrus.Logger) { l.SetLevel(logrus.DebugLevel) })
	}
	base, err := loadTenantConfig(ctx, cfg.Overrides)
	if err != nil {
		return nil, err
	}

	ectx, cancel := context.WithCancel(ctx)
	return &Engine{
		cfg:     cfg,
		base:    base,
		ctx:     ectx,
		cancel:  cancel,
		tenants: map[persist.TenantID]*tenant{},
	}, nil
}

// SubmitInventory adds (or moves, within the same owner) NFTs into a wallet's
// inventory and returns the touched-wallet count.
func (e *Engine) SubmitInventory(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, items []InventoryItem) (int, error) {
	return e.mutate(ctx, tenantID, func(t *tenant) []persist.Mutation {
		batch := make([]persist.Mutation, 0, len(items))
		for _, it := range items {
			batch = append(batch, persist.AddNFT{
				Owner:         wallet,
				NFT:           it.NFT,
				Collection:    it.Collection,
				ValuationHint: it.ValuationHint,
			})
		}
		return batch
	})
}

// RemoveInventory removes NFTs from the tenant entirely.
func (e *Engine) RemoveInventory(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, nfts []persist.NFTID) (int, error) {
	return e.mutate(ctx, tenantID, func(t *tenant) []persist.Mutation {
		batch := make([]persist.Mutation, 0, len(nfts))
		for _, n := range util.Dedupe(nfts, false) {
			batch = append(batch, persist.RemoveNFT{NFT: n})
		}
		return batch
	})
}

// SubmitWants records specific and collection-level wants for a wallet.
func (e *Engine) SubmitWants(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, nfts []persist.NFTID, collections []persist.CollectionID) (int, error) {
	return e.mutate(ctx, tenantID, func(t *tenant) []persist.Mutation {
		batch := make([]persist.Mutation, 0, len(nfts)+len(collections))
		for _, n := range util.Dedupe(nfts, false) {
			batch = append(batch, persist.AddWant{Wallet: wallet, NFT: n})
		}
		for _, c := range util.Dedupe(collections, false) {
			batch = append(batch, persist.AddCollectionWant{Wallet: wallet, Collection: c})
		}
		return batch
	})
}

// RemoveWants withdraws specific and collection-level wants.
func (e *Engine) RemoveWants(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, nfts []persist.NFTID, collections []persist.CollectionID) (int, error) {
	return e.mutate(ctx, tenantID, func(t *tenant) []persist.Mutation {
		batch := make([]persist.Mutation, 0, len(nfts)+len(collections))
		for _, n := range util.Dedupe(nfts, false) {
			batch = append(batch, persist.RemoveWant{Wallet: wallet, NFT: n})
		}
		for _, c := range util.Dedupe(collections, false) {
			batch = append(batch, persist.RemoveCollectionWant{Wallet: wallet, Collection: c})
		}
		return batch
	})
}

// SetRejections replaces a wallet's rejection set. The diff against the
// current set is computed on the writer goroutine, so concurrent mutations
// cannot interleave with it.
func (e *Engine) SetRejections(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID, nfts []persist.NFTID) (int, error) {
	return e.mutate(ctx, tenantID, func(t *tenant) []persist.Mutation {
		current := t.store.Rejections(wallet)
		desired := make(map[persist.NFTID]bool, len(nfts))
		for _, n := range nfts {
			desired[n] = true
		}

		batch := []persist.Mutation{}
		for _, n := range util.SortedKeys(desired) {
			if !current[n] {
				batch = append(batch, persist.AddRejection{Wallet: wallet, NFT: n})
			}
		}
		for _, n := range util.SortedKeys(current) {
			if !desired[n] {
				batch = append(batch, persist.RemoveRejection{Wallet: wallet, NFT: n})
			}
		}
		return batch
	})
}

// UpsertCollection replaces a collection's membership.
func (e *Engine) UpsertCollection(ctx context.Context, tenantID persist.TenantID, collection persist.CollectionID, members []persist.NFTID) (int, error) {
	return e.mutate(ctx, tenantID, func(t *tenant) []persist.Mutation {
		return []persist.Mutation{persist.UpsertCollection{Collection: collection, Members: members}}
	})
}

// DeleteWallet removes a wallet, its inventory, wants and rejections.
func (e *Engine) DeleteWallet(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID) (int, error) {
	return e.mutate(ctx, tenantID, func(t *tenant) []persist.Mutation {
		return []persist.Mutation{persist.DeleteWallet{Wallet: wallet}}
	})
}

// GetLoopsForWallet returns the active loops involving a wallet, best first.
func (e *Engine) GetLoopsForWallet(ctx context.Context, tenantID persist.TenantID, wallet persist.WalletID) ([]*persist.TradeLoop, error) {
	t, err := e.tenantFor(tenantID, false)
	if err != nil {
		return nil, err
	}
	return t.store.GetActiveLoopsForWallet(wallet), nil
}

// GetVersion returns a tenant's current graph version.
func (e *Engine) GetVersion(ctx context.Context, tenantID persist.TenantID) (uint64, error) {
	t, err := e.tenantFor(tenantID, false)
	if err != nil {
		return 0, err
	}
	return t.store.Version(), nil
}

// Snapshot serializes a tenant's graph.
func (e *Engine) Snapshot(ctx context.Context, tenantID persist.TenantID) ([]byte, error) {
	t, err := e.tenantFor(tenantID, false)
	if err != nil {
		return nil, err
	}
	return t.store.Snapshot()
}

// Restore replaces a tenant's graph with a snapshot, creating the tenant if
// needed. Runs on the writer goroutine like any mutation.
func (e *Engine) Restore(ctx context.Context, tenantID persist.TenantID, data []byte) error {
	t, err := e.tenantFor(tenantID, true)
	if err != nil {
		return err
	}
	_, err = t.submit(ctx, func(ctx context.Context) (int, error) {
		return 0, t.store.Restore(ctx, data)
	})
	return err
}

// Subscribe attaches a consumer to a tenant's loop-event stream, creating the
// tenant if needed.
func (e *Engine) Subscribe(ctx context.Context, tenantID persist.TenantID) (*subscribe.Subscription, error) {
	t, err := e.tenantFor(tenantID, true)
	if err != nil {
		return nil, err
	}
	return t.dispatcher.Subscribe(), nil
}

// RemoveTenant destroys a tenant's graph and terminates its subscribers.
func (e *Engine) RemoveTenant(ctx context.Context, tenantID persist.TenantID) error {
	e.mu.Lock()
	t, ok := e.tenants[tenantID]
	if ok {
		delete(e.tenants, tenantID)
	}
	e.mu.Unlock()
	if !ok {
		return persist.ErrTenantNotFound{TenantID: tenantID}
	}
	t.stop()
	return nil
}

// WaitIdle blocks until every tenant's orchestrator has drained its pending
// work, or ctx ends. Intended for tests and controlled shutdown.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.forEachTenant(ctx, func(ctx context.Context, t *tenant) error {
		return t.orch.WaitIdle(ctx)
	})
}

// Drain waits for all in-flight discovery to settle. Call before Shutdown
// for a clean stop.
func (e *Engine) Drain(ctx context.Context) error {
	return e.forEachTenant(ctx, func(ctx context.Context, t *tenant) error {
		return t.orch.WaitIdle(ctx)
	})
}

// Sweep revalidates a tenant's active loops against current graph state and
// emits the evicted ones as loop_stale events. Incremental rounds already
// evict loops broken by their own mutations; the sweep exists for hosts that
// mutate the graph out of band (restores, bulk imports) and drive the cadence
// themselves. It runs on the writer goroutine, serialized with mutations.
func (e *Engine) Sweep(ctx context.Context, tenantID persist.TenantID) error {
	t, err := e.tenantFor(tenantID, false)
	if err != nil {
		return err
	}
	_, err = t.submit(ctx, func(ctx context.Context) (int, error) {
		t.orch.Sweep(ctx)
		return 0, nil
	})
	return err
}

// Shutdown stops every tenant and rejects further operations.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tenants := make([]*tenant, 0, len(e.tenants))
	for id, t := range e.tenants {
		tenants = append(tenants, t)
		delete(e.tenants, id)
	}
	e.mu.Unlock()

	e.cancel()
	for _, t := range tenants {
		<-t.done
		t.dispatcher.Shutdown()
	}
}

// mutate queues a batch build+apply on the tenant's writer and reports the
// touched-wallet count. Invariant rejections surface to the caller and are
// logged at DEBUG only.
func (e *Engine) mutate(ctx context.Context, tenantID persist.TenantID, build func(t *tenant) []persist.Mutation) (int, error) {
	t, err := e.tenantFor(tenantID, true)
	if err != nil {
		return 0, err
	}
	n, err := t.submit(ctx, func(ctx context.Context) (int, error) {
		return t.applyBatch(ctx, build(t))
	})
	if err != nil {
		logger.For(ctx).WithFields(logrus.Fields{"tenant": tenantID}).Debugf("mutation rejected: %s", err)
	}
	return n, err
}

// tenantFor looks a tenant up, creating it when create is set.
func (e *Engine) tenantFor(id persist.TenantID, create bool) (*tenant, error) {
	e.mu.RLock()
	t, ok := e.tenants[id]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}
	if ok {
		return t, nil
	}
	if !create {
		return nil, persist.ErrTenantNotFound{TenantID: id}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if t, ok := e.tenants[id]; ok {
		return t, nil
	}
	t = newTenant(e.ctx, id, e.cfg, e.base)
	e.tenants[id] = t
	return t, nil
}

func (e *Engine) forEachTenant(ctx context.Context, fn func(ctx context.Context, t *tenant) error) error {
	e.mu.RLock()
	tenants := make([]*tenant, 0, len(e.tenants))
	for _, t := range e.tenants {
		tenants = append(tenants, t)
	}
	e.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tenants {
		t := t
		g.Go(func() error {
			return fn(gctx, t)
		})
	}
	return g.Wait()
}
