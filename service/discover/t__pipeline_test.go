package discover

import (
	"context"
	"testing"

	"github.com/mikeydub/go-barter/service/graph"
	"github.com/mikeydub/go-barter/service/persist"
	"github.com/mikeydub/go-barter/service/valuate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipelineConfig() Config {
	return Config{
		MaxDepth:          10,
		MaxCyclesPerSCC:   1000,
		MaxSCCConcurrency: 2,
		LargeSCCThreshold: 500,
		Weights:           DefaultWeights,
		QualityThreshold:  0.5,
	}
}

// seedThreeCycle builds alice -> bob -> carol -> alice in a fresh graph.
func seedThreeCycle(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("tenant-1", graph.Options{})
	_, err := g.ApplyBatch(context.Background(), []persist.Mutation{
		persist.AddNFT{Owner: "alice", NFT: "nft-a"},
		persist.AddNFT{Owner: "bob", NFT: "nft-b"},
		persist.AddNFT{Owner: "carol", NFT: "nft-c"},
		persist.AddWant{Wallet: "alice", NFT: "nft-b"},
		persist.AddWant{Wallet: "bob", NFT: "nft-c"},
		persist.AddWant{Wallet: "carol", NFT: "nft-a"},
	})
	require.NoError(t, err)
	return g
}

func fullSubgraph(g *graph.Graph, wallets ...persist.WalletID) *graph.Subgraph {
	seeds := map[persist.WalletID]bool{}
	for _, w := range wallets {
		seeds[w] = true
	}
	return g.BuildSubgraph(seeds, 10)
}

func TestRunPipeline_DiscoversThreeCycle(t *testing.T) {
	assert := assert.New(t)
	g := seedThreeCycle(t)
	values := valuate.NewStaticSource(map[persist.NFTID]float64{
		"nft-a": 10, "nft-b": 10, "nft-c": 10,
	})

	loops, stats, err := RunPipeline(context.Background(), g, fullSubgraph(g, "alice"), values, testPipelineConfig())

	require.NoError(t, err)
	assert.Len(loops, 1)
	assert.Equal(1, stats.SCCs)
	assert.Equal(1, stats.Accepted)
	assert.False(stats.BudgetExhausted)

	loop := loops[0]
	assert.Equal(3, loop.ParticipantCount)
	assert.Equal(persist.LoopStatusPending, loop.Status)
	assert.InDelta(1-1.0/9, loop.Efficiency, 1e-12)
	assert.Equal(1.0, loop.Fairness)
	assert.NotEmpty(loop.CanonicalID)
	assert.NotEmpty(loop.ID)
}

func TestRunPipeline_QualityThresholdFilters(t *testing.T) {
	assert := assert.New(t)
	g := seedThreeCycle(t)
	values := valuate.NewStaticSource(map[persist.NFTID]float64{
		"nft-a": 10, "nft-b": 10, "nft-c": 10,
	})

	cfg := testPipelineConfig()
	cfg.QualityThreshold = 0.99

	loops, stats, err := RunPipeline(context.Background(), g, fullSubgraph(g, "alice"), values, cfg)

	require.NoError(t, err)
	assert.Empty(loops)
	assert.Equal(1, stats.Candidates)
	assert.Equal(0, stats.Accepted)
}

func TestRunPipeline_SkipsAlreadyActiveLoops(t *testing.T) {
	assert := assert.New(t)
	g := seedThreeCycle(t)
	values := valuate.NewStaticSource(nil)

	loops, _, err := RunPipeline(context.Background(), g, fullSubgraph(g, "alice"), values, testPipelineConfig())
	require.NoError(t, err)
	require.Len(t, loops, 1)
	installed, _ := g.CommitRound(loops, nil)
	require.Len(t, installed, 1)

	loops, stats, err := RunPipeline(context.Background(), g, fullSubgraph(g, "alice"), values, testPipelineConfig())
	require.NoError(t, err)
	assert.Empty(loops)
	assert.Equal(0, stats.Candidates)
}

func TestRunPipeline_BudgetCapsCandidates(t *testing.T) {
	assert := assert.New(t)
	g := graph.New("tenant-1", graph.Options{})

	// every wallet owns two NFTs and wants all four of the other's, which
	// admits several distinct 2-loops
	_, err := g.ApplyBatch(context.Background(), []persist.Mutation{
		persist.AddNFT{Owner: "alice", NFT: "nft-a1"},
		persist.AddNFT{Owner: "alice", NFT: "nft-a2"},
		persist.AddNFT{Owner: "bob", NFT: "nft-b1"},
		persist.AddNFT{Owner: "bob", NFT: "nft-b2"},
		persist.AddWant{Wallet: "alice", NFT: "nft-b1"},
		persist.AddWant{Wallet: "alice", NFT: "nft-b2"},
		persist.AddWant{Wallet: "bob", NFT: "nft-a1"},
		persist.AddWant{Wallet: "bob", NFT: "nft-a2"},
	})
	require.NoError(t, err)

	cfg := testPipelineConfig()
	cfg.MaxCyclesPerSCC = 1
	cfg.QualityThreshold = 0

	loops, stats, err := RunPipeline(context.Background(), g, fullSubgraph(g, "alice"), valuate.NewStaticSource(nil), cfg)

	require.NoError(t, err)
	assert.Len(loops, 1)
	assert.True(stats.BudgetExhausted)
}

func TestRunPipeline_CancelledContext(t *testing.T) {
	assert := assert.New(t)
	g := seedThreeCycle(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loops, stats, err := RunPipeline(ctx, g, fullSubgraph(g, "alice"), valuate.NewStaticSource(nil), testPipelineConfig())

	assert.NoError(err)
	assert.Empty(loops)
	assert.True(stats.Cancelled)
}
