package discover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/service/valuate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records emitted diffs for assertions.
type captureSink struct {
	mu      sync.Mutex
	added   []*persist.TradeLoop
	removed []*persist.TradeLoop
	stale   []*persist.TradeLoop
}

func (s *captureSink) LoopsAdded(ctx context.Context, version uint64, loops []*persist.TradeLoop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, loops...)
}

func (s *captureSink) LoopsRemoved(ctx context.Context, version uint64, loops []*persist.TradeLoop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, loops...)
}

func (s *captureSink) LoopsStale(ctx context.Context, version uint64, loops []*persist.TradeLoop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale = append(s.stale, loops...)
}

func (s *captureSink) counts() (added, removed, stale int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.added), len(s.removed), len(s.stale)
}

func testOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Config:          testPipelineConfig(),
		DebounceWindow:  2 * time.Millisecond,
		ComputeDeadline: 5 * time.Second,
	}
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.WaitIdle(ctx))
}

func TestOrchestrator_DiscoversAndEvicts(t *testing.T) {
	assert := assert.New(t)
	g := seedThreeCycle(t)
	sink := &captureSink{}
	o := NewOrchestrator(g, valuate.NewStaticSource(nil), sink, testOrchestratorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.Notify(map[persist.WalletID]bool{"alice": true, "bob": true, "carol": true})
	waitIdle(t, o)

	added, removed, _ := sink.counts()
	assert.Equal(1, added)
	assert.Equal(0, removed)
	assert.Equal(1, g.ActiveLoopCount())

	// withdrawing bob's want invalidates the loop on the next round
	touched, err := g.ApplyBatch(context.Background(), []persist.Mutation{
		persist.RemoveWant{Wallet: "bob", NFT: "nft-c"},
	})
	require.NoError(t, err)
	o.Notify(touched)
	waitIdle(t, o)

	added, removed, _ = sink.counts()
	assert.Equal(1, added)
	assert.Equal(1, removed)
	assert.Equal(0, g.ActiveLoopCount())
}

func TestOrchestrator_DebounceCoalescesRounds(t *testing.T) {
	assert := assert.New(t)
	g := seedThreeCycle(t)
	sink := &captureSink{}
	o := NewOrchestrator(g, valuate.NewStaticSource(nil), sink, testOrchestratorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// burst notifications inside one debounce window produce one round
	for i := 0; i < 5; i++ {
		o.Notify(map[persist.WalletID]bool{"alice": true})
	}
	waitIdle(t, o)

	added, _, _ := sink.counts()
	assert.Equal(1, added)
}

func TestOrchestrator_SweepEmitsStale(t *testing.T) {
	assert := assert.New(t)
	g := seedThreeCycle(t)
	sink := &captureSink{}
	o := NewOrchestrator(g, valuate.NewStaticSource(nil), sink, testOrchestratorConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.Notify(map[persist.WalletID]bool{"alice": true})
	waitIdle(t, o)
	require.Equal(t, 1, g.ActiveLoopCount())

	// break the loop behind the orchestrator's back, then sweep
	_, err := g.ApplyBatch(context.Background(), []persist.Mutation{
		persist.AddRejection{Wallet: "alice", NFT: "nft-b"},
	})
	require.NoError(t, err)
	o.Sweep(context.Background())

	_, _, stale := sink.counts()
	assert.Equal(1, stale)
	assert.Equal(0, g.ActiveLoopCount())
}
