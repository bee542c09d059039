package persist

import (
	"fmt"
	"time"
)

// Wallet represents a wallet throughout the application. A wallet owns NFTs,
// declares wants (specific NFTs or whole collections) and may reject specific
// NFTs regardless of how the want arose.
type Wallet struct {
	ID              WalletID              `json:"id"`
	Owned           map[NFTID]bool        `json:"owned"`
	Wants           map[NFTID]bool        `json:"wants"`
	CollectionWants map[CollectionID]bool `json:"collection_wants"`
	Rejections      map[NFTID]bool        `json:"rejections"`
	LastMutated     LastUpdatedTime       `json:"last_mutated"`
}

// NewWallet returns an empty wallet with all sets initialized.
func NewWallet(id WalletID) *Wallet {
	return &Wallet{
		ID:              id,
		Owned:           map[NFTID]bool{},
		Wants:           map[NFTID]bool{},
		CollectionWants: map[CollectionID]bool{},
		Rejections:      map[NFTID]bool{},
		LastMutated:     LastUpdatedTime(time.Now()),
	}
}

// Touch updates the wallet's last-mutated timestamp.
func (w *Wallet) Touch() {
	w.LastMutated = LastUpdatedTime(time.Now())
}

// IsEmpty reports whether the wallet carries no state and can be dropped.
func (w *Wallet) IsEmpty() bool {
	return len(w.Owned) == 0 && len(w.Wants) == 0 && len(w.CollectionWants) == 0 && len(w.Rejections) == 0
}

// ErrWalletNotFound is an error type for when a wallet is not found by its ID
type ErrWalletNotFound struct {
	WalletID WalletID
}

func (e ErrWalletNotFound) Error() string {
	return fmt.Sprintf("wallet not found by ID: %s", e.WalletID)
}
