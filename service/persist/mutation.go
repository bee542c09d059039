package persist

import "fmt"

// Mutation is the closed set of typed graph mutations. Unknown variants are
// rejected with ErrInvalidMutation by the store.
type Mutation interface {
	mutation()
}

// AddNFT introduces an NFT into a wallet's inventory, or moves it there if a
// RemoveNFT for the same NFT precedes it in the same batch.
type AddNFT struct {
	Owner         WalletID
	NFT           NFTID
	Collection    CollectionID
	ValuationHint *float64
}

// RemoveNFT removes an NFT from the tenant entirely.
type RemoveNFT struct {
	NFT NFTID
}

// AddWant records a wallet's willingness to receive a specific NFT.
type AddWant struct {
	Wallet WalletID
	NFT    NFTID
}

// RemoveWant withdraws a specific want.
type RemoveWant struct {
	Wallet WalletID
	NFT    NFTID
}

// AddCollectionWant records a wallet's willingness to receive any NFT of a collection.
type AddCollectionWant struct {
	Wallet     WalletID
	Collection CollectionID
}

// RemoveCollectionWant withdraws a collection-level want.
type RemoveCollectionWant struct {
	Wallet     WalletID
	Collection CollectionID
}

// AddRejection suppresses a want for an NFT regardless of its source.
type AddRejection struct {
	Wallet WalletID
	NFT    NFTID
}

// RemoveRejection lifts a rejection.
type RemoveRejection struct {
	Wallet WalletID
	NFT    NFTID
}

// UpsertCollection replaces the membership of a collection.
type UpsertCollection struct {
	Collection CollectionID
	Members    []NFTID
}

// DeleteWallet removes a wallet, its inventory, wants and rejections.
type DeleteWallet struct {
	Wallet WalletID
}

func (AddNFT) mutation()               {}
func (RemoveNFT) mutation()            {}
func (AddWant) mutation()              {}
func (RemoveWant) mutation()           {}
func (AddCollectionWant) mutation()    {}
func (RemoveCollectionWant) mutation() {}
func (AddRejection) mutation()         {}
func (RemoveRejection) mutation()      {}
func (UpsertCollection) mutation()     {}
func (DeleteWallet) mutation()         {}

// ErrInvalidMutation is an error type for a mutation that is malformed or
// violates a graph invariant. The graph is left unchanged.
type ErrInvalidMutation struct {
	Reason string
}

func (e ErrInvalidMutation) Error() string {
	return fmt.Sprintf("invalid mutation: %s", e.Reason)
}
