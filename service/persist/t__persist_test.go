package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateID_Unique(t *testing.T) {
	assert := assert.New(t)
	seen := map[DBID]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateID()
		assert.NotEmpty(id)
		assert.False(seen[id])
		seen[id] = true
	}
}

func TestTradeLoop_WalletsAndInvolves(t *testing.T) {
	assert := assert.New(t)
	l := &TradeLoop{
		Steps: []TradeStep{
			{Giver: "alice", Receiver: "bob", NFT: "nft-a"},
			{Giver: "bob", Receiver: "alice", NFT: "nft-b"},
		},
	}

	assert.Equal([]WalletID{"alice", "bob"}, l.Wallets())
	assert.True(l.Involves("alice"))
	assert.True(l.Involves("bob"))
	assert.False(l.Involves("carol"))
}

func TestTradeLoop_CloneIsDeep(t *testing.T) {
	assert := assert.New(t)
	l := &TradeLoop{
		CanonicalID: "k",
		Steps:       []TradeStep{{Giver: "alice", Receiver: "bob", NFT: "nft-a"}},
	}

	cp := l.Clone()
	cp.Steps[0].NFT = "nft-z"

	assert.Equal(NFTID("nft-a"), l.Steps[0].NFT)
	assert.Equal(l.CanonicalID, cp.CanonicalID)
}

func TestWallet_IsEmpty(t *testing.T) {
	assert := assert.New(t)
	w := NewWallet("alice")
	assert.True(w.IsEmpty())

	w.Owned["nft-a"] = true
	assert.False(w.IsEmpty())
}

func TestTypedErrors(t *testing.T) {
	assert := assert.New(t)

	assert.Contains(ErrWalletNotFound{WalletID: "alice"}.Error(), "alice")
	assert.Contains(ErrNFTNotFound{NFTID: "nft-a"}.Error(), "nft-a")
	assert.Contains(ErrTenantNotFound{TenantID: "t1"}.Error(), "t1")
	assert.Contains(ErrInvalidMutation{Reason: "nope"}.Error(), "nope")
	assert.Contains(ErrTenantBackpressured{TenantID: "t1", Queued: 7}.Error(), "7")
}
