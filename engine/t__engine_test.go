package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/service/subscribe"
	"github.com/mikeydub/go-barter/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, overrides TenantConfig) *Engine {
	t.Helper()
	if overrides.DebounceWindow == 0 {
		overrides.DebounceWindow = 2 * time.Millisecond
	}
	e, err := New(context.Background(), Config{Overrides: overrides})
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func settle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.WaitIdle(ctx))
}

// submitTwoCycle seeds scenario S1: alice and bob each own an NFT the other
// wants.
func submitTwoCycle(t *testing.T, e *Engine, tenant persist.TenantID, wantsFirst bool) {
	t.Helper()
	ctx := context.Background()
	inventory := func() {
		_, err := e.SubmitInventory(ctx, tenant, "alice", []InventoryItem{{NFT: "nft-a"}})
		require.NoError(t, err)
		_, err = e.SubmitInventory(ctx, tenant, "bob", []InventoryItem{{NFT: "nft-b"}})
		require.NoError(t, err)
	}
	wants := func() {
		_, err := e.SubmitWants(ctx, tenant, "bob", []persist.NFTID{"nft-a"}, nil)
		require.NoError(t, err)
		_, err = e.SubmitWants(ctx, tenant, "alice", []persist.NFTID{"nft-b"}, nil)
		require.NoError(t, err)
	}
	if wantsFirst {
		wants()
		inventory()
	} else {
		inventory()
		wants()
	}
}

func TestScenario_TwoCycle(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	submitTwoCycle(t, e, "t1", false)
	settle(t, e)

	loops, err := e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	require.Len(t, loops, 1)

	loop := loops[0]
	assert.Equal(2, loop.ParticipantCount)
	assert.Equal(1.0, loop.Efficiency)
	assert.Equal(persist.LoopStatusActive, loop.Status)
	assert.ElementsMatch([]persist.TradeStep{
		{Giver: "alice", Receiver: "bob", NFT: "nft-a"},
		{Giver: "bob", Receiver: "alice", NFT: "nft-b"},
	}, loop.Steps)

	// canonical key is independent of submission order
	submitTwoCycle(t, e, "t2", true)
	settle(t, e)
	other, err := e.GetLoopsForWallet(ctx, "t2", "bob")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(loop.CanonicalID, other[0].CanonicalID)
}

func TestScenario_ThreeCycleClosesOnFinalWant(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	_, err := e.SubmitInventory(ctx, "t1", "alice", []InventoryItem{{NFT: "nft-a"}})
	require.NoError(t, err)
	_, err = e.SubmitInventory(ctx, "t1", "bob", []InventoryItem{{NFT: "nft-b"}})
	require.NoError(t, err)
	_, err = e.SubmitInventory(ctx, "t1", "carol", []InventoryItem{{NFT: "nft-c"}})
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "alice", []persist.NFTID{"nft-b"}, nil)
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "bob", []persist.NFTID{"nft-c"}, nil)
	require.NoError(t, err)
	settle(t, e)

	loops, err := e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Empty(loops)

	// carol's want closes the cycle
	_, err = e.SubmitWants(ctx, "t1", "carol", []persist.NFTID{"nft-a"}, nil)
	require.NoError(t, err)
	settle(t, e)

	loops, err = e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(3, loops[0].ParticipantCount)
}

func TestScenario_RemovalInvalidatesLoop(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	sub, err := e.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	submitTwoCycle(t, e, "t1", false)
	settle(t, e)
	waitForEvent(t, sub, subscribe.EventLoopAdded)

	_, err = e.RemoveWants(ctx, "t1", "bob", []persist.NFTID{"nft-a"}, nil)
	require.NoError(t, err)
	settle(t, e)

	ev := waitForEvent(t, sub, subscribe.EventLoopRemoved)
	assert.Equal(persist.LoopStatusStale, ev.Loop.Status)

	for _, w := range []persist.WalletID{"alice", "bob"} {
		loops, err := e.GetLoopsForWallet(ctx, "t1", w)
		require.NoError(t, err)
		assert.Empty(loops)
	}
}

func TestScenario_CollectionWantExpansion(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	sub, err := e.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = e.SubmitInventory(ctx, "t1", "alice", []InventoryItem{{NFT: "nft-a"}})
	require.NoError(t, err)
	_, err = e.SubmitInventory(ctx, "t1", "bob", []InventoryItem{{NFT: "nft-b", Collection: "k"}})
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "bob", []persist.NFTID{"nft-a"}, nil)
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "alice", nil, []persist.CollectionID{"k"})
	require.NoError(t, err)
	settle(t, e)

	loops, err := e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.ElementsMatch([]persist.TradeStep{
		{Giver: "alice", Receiver: "bob", NFT: "nft-a"},
		{Giver: "bob", Receiver: "alice", NFT: "nft-b"},
	}, loops[0].Steps)

	// dropping nft-b from the collection dissolves alice's expanded want
	_, err = e.UpsertCollection(ctx, "t1", "k", nil)
	require.NoError(t, err)
	settle(t, e)

	waitForEvent(t, sub, subscribe.EventLoopRemoved)
	loops, err = e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Empty(loops)
}

func TestScenario_DepthBound(t *testing.T) {
	assert := assert.New(t)
	ringWallet := func(i int) persist.WalletID {
		return persist.WalletID(rune('a'+i)) + "-wallet"
	}
	ringNFT := func(i int) persist.NFTID {
		return persist.NFTID(rune('a'+i)) + "-nft"
	}
	submitRing := func(t *testing.T, e *Engine, tenant persist.TenantID, n int) {
		ctx := context.Background()
		for i := 0; i < n; i++ {
			_, err := e.SubmitInventory(ctx, tenant, ringWallet(i), []InventoryItem{{NFT: ringNFT(i)}})
			require.NoError(t, err)
		}
		for i := 0; i < n; i++ {
			_, err := e.SubmitWants(ctx, tenant, ringWallet(i), []persist.NFTID{ringNFT((i + 1) % n)}, nil)
			require.NoError(t, err)
		}
	}

	// a 12-party cycle is invisible at the default depth bound of 10
	shallow := newTestEngine(t, TenantConfig{})
	submitRing(t, shallow, "t1", 12)
	settle(t, shallow)
	loops, err := shallow.GetLoopsForWallet(context.Background(), "t1", ringWallet(0))
	require.NoError(t, err)
	assert.Empty(loops)

	deep := newTestEngine(t, TenantConfig{MaxDepth: 12})
	submitRing(t, deep, "t1", 12)
	settle(t, deep)
	loops, err = deep.GetLoopsForWallet(context.Background(), "t1", ringWallet(0))
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(12, loops[0].ParticipantCount)
}

func TestScenario_CanonicalDedupAcrossRounds(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	_, err := e.SubmitInventory(ctx, "t1", "alice", []InventoryItem{{NFT: "nft-a"}})
	require.NoError(t, err)
	_, err = e.SubmitInventory(ctx, "t1", "bob", []InventoryItem{{NFT: "nft-b"}})
	require.NoError(t, err)
	_, err = e.SubmitInventory(ctx, "t1", "carol", []InventoryItem{{NFT: "nft-c"}})
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "alice", []persist.NFTID{"nft-b"}, nil)
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "bob", []persist.NFTID{"nft-c"}, nil)
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "carol", []persist.NFTID{"nft-a"}, nil)
	require.NoError(t, err)
	settle(t, e)

	loops, err := e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	require.Len(t, loops, 1)
	canonical := loops[0].CanonicalID

	// re-triggering discovery from a different wallet does not duplicate the
	// loop and the canonical key is stable
	_, err = e.SubmitWants(ctx, "t1", "carol", []persist.NFTID{"nft-a"}, nil)
	require.NoError(t, err)
	settle(t, e)

	for _, w := range []persist.WalletID{"alice", "bob", "carol"} {
		loops, err := e.GetLoopsForWallet(ctx, "t1", w)
		require.NoError(t, err)
		require.Len(t, loops, 1)
		assert.Equal(canonical, loops[0].CanonicalID)
	}
}

func TestEngine_SetRejectionsReplacesTheSet(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	submitTwoCycle(t, e, "t1", false)
	settle(t, e)
	loops, err := e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	require.Len(t, loops, 1)

	// rejecting nft-b kills alice's side of the loop
	_, err = e.SetRejections(ctx, "t1", "alice", []persist.NFTID{"nft-b"})
	require.NoError(t, err)
	settle(t, e)
	loops, err = e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Empty(loops)

	// clearing the set restores the want and the loop comes back
	_, err = e.SetRejections(ctx, "t1", "alice", nil)
	require.NoError(t, err)
	settle(t, e)
	loops, err = e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Len(loops, 1)
}

func TestEngine_SnapshotRestore(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	submitTwoCycle(t, e, "t1", false)
	settle(t, e)
	version, err := e.GetVersion(ctx, "t1")
	require.NoError(t, err)

	data, err := e.Snapshot(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, e.Restore(ctx, "t2", data))

	restoredVersion, err := e.GetVersion(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(version, restoredVersion)

	loops, err := e.GetLoopsForWallet(ctx, "t2", "alice")
	require.NoError(t, err)
	assert.Len(loops, 1)
}

func TestEngine_UnknownTenant(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	_, err := e.GetVersion(ctx, "nope")
	assert.ErrorAs(err, &persist.ErrTenantNotFound{})

	_, err = e.GetLoopsForWallet(ctx, "nope", "alice")
	assert.ErrorAs(err, &persist.ErrTenantNotFound{})

	assert.ErrorAs(e.RemoveTenant(ctx, "nope"), &persist.ErrTenantNotFound{})
}

func TestEngine_RemoveTenantClosesSubscribers(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	sub, err := e.Subscribe(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, e.RemoveTenant(ctx, "t1"))

	_, open := <-sub.Events()
	assert.False(open)

	_, err = e.GetVersion(ctx, "t1")
	assert.ErrorAs(err, &persist.ErrTenantNotFound{})
}

func TestEngine_ShutdownRejectsOperations(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	submitTwoCycle(t, e, "t1", false)
	require.NoError(t, e.Drain(ctx))
	e.Shutdown()

	_, err := e.SubmitInventory(ctx, "t1", "alice", []InventoryItem{{NFT: "nft-z"}})
	assert.ErrorIs(err, ErrEngineClosed)
	_, err = e.Subscribe(ctx, "t1")
	assert.ErrorIs(err, ErrEngineClosed)
}

func TestEngine_MutationErrorsSurfaceSynchronously(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	_, err := e.SubmitInventory(ctx, "t1", "alice", []InventoryItem{{NFT: "nft-a"}})
	require.NoError(t, err)

	_, err = e.SubmitInventory(ctx, "t1", "bob", []InventoryItem{{NFT: "nft-a"}})
	assert.ErrorAs(err, &persist.ErrConflictingOwnership{})

	_, err = e.DeleteWallet(ctx, "t1", "nobody")
	assert.ErrorAs(err, &persist.ErrWalletNotFound{})
}

func TestEngine_BackpressureRejectsWhenQueueFull(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{MaxQueuedMutations: 1})
	ctx := context.Background()

	tn, err := e.tenantFor("t1", true)
	require.NoError(t, err)

	// park the writer on a blocked request, then occupy the single queue slot
	release := make(chan struct{})
	tn.queue <- request{
		run:   func(ctx context.Context) (int, error) { <-release; return 0, nil },
		reply: make(chan result, 1),
	}
	require.Eventually(t, func() bool { return len(tn.queue) == 0 }, time.Second, time.Millisecond)
	tn.queue <- request{
		run:   func(ctx context.Context) (int, error) { return 0, nil },
		reply: make(chan result, 1),
	}

	_, err = e.SubmitInventory(ctx, "t1", "alice", []InventoryItem{{NFT: "nft-a"}})
	var backpressured persist.ErrTenantBackpressured
	require.ErrorAs(t, err, &backpressured)
	assert.Equal(persist.TenantID("t1"), backpressured.TenantID)
	assert.Equal(1, backpressured.Queued)

	// unblocking the writer drains the queue and mutations flow again
	close(release)
	require.Eventually(t, func() bool {
		_, err := e.SubmitInventory(ctx, "t1", "alice", []InventoryItem{{NFT: "nft-a"}})
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_SweepEvictsDriftedLoops(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	sub, err := e.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	submitTwoCycle(t, e, "t1", false)
	settle(t, e)
	waitForEvent(t, sub, subscribe.EventLoopAdded)

	// mutate the store out of band so no incremental round sees the change
	tn, err := e.tenantFor("t1", false)
	require.NoError(t, err)
	_, err = tn.store.ApplyBatch(ctx, []persist.Mutation{persist.RemoveNFT{NFT: "nft-b"}})
	require.NoError(t, err)

	require.NoError(t, e.Sweep(ctx, "t1"))

	ev := waitForEvent(t, sub, subscribe.EventLoopStale)
	assert.Equal(persist.LoopStatusStale, ev.Loop.Status)

	loops, err := e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	assert.Empty(loops)

	assert.ErrorAs(e.Sweep(ctx, "ghost"), &persist.ErrTenantNotFound{})
}

func TestEngine_ValuationHintsDriveFairness(t *testing.T) {
	assert := assert.New(t)
	e := newTestEngine(t, TenantConfig{})
	ctx := context.Background()

	_, err := e.SubmitInventory(ctx, "t1", "alice", []InventoryItem{{NFT: "nft-a", ValuationHint: util.ToPointer(10.0)}})
	require.NoError(t, err)
	_, err = e.SubmitInventory(ctx, "t1", "bob", []InventoryItem{{NFT: "nft-b", ValuationHint: util.ToPointer(15.0)}})
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "bob", []persist.NFTID{"nft-a"}, nil)
	require.NoError(t, err)
	_, err = e.SubmitWants(ctx, "t1", "alice", []persist.NFTID{"nft-b"}, nil)
	require.NoError(t, err)
	settle(t, e)

	// no ValueSource was injected, so scoring reads the submitted hints:
	// values 10 and 15 give 1 - 5/12.5
	loops, err := e.GetLoopsForWallet(ctx, "t1", "alice")
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.InDelta(0.6, loops[0].Fairness, 1e-9)
}

// waitForEvent drains the subscription until an event of the wanted type
// arrives.
func waitForEvent(t *testing.T, sub *subscribe.Subscription, want subscribe.EventType) subscribe.LoopEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed while waiting for %s", want)
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}
