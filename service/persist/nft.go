package persist

import "fmt"

// NFT represents an NFT throughout the application. Each NFT has exactly one
// owner at any observable version; ownership moves are atomic with respect to
// discovery.
type NFT struct {
	ID            NFTID        `json:"id"`
	Owner         WalletID     `json:"owner"`
	Collection    CollectionID `json:"collection"`
	ValuationHint *float64     `json:"valuation_hint,omitempty"`
}

// ErrNFTNotFound is an error type for when an NFT is not found by its ID
type ErrNFTNotFound struct {
	NFTID NFTID
}

func (e ErrNFTNotFound) Error() string {
	return fmt.Sprintf("NFT not found by ID: %s", e.NFTID)
}

// ErrConflictingOwnership is an error type for when an inventory submission
// would assign an NFT that is already owned by another wallet
type ErrConflictingOwnership struct {
	NFTID NFTID
	Owner WalletID
}

func (e ErrConflictingOwnership) Error() string {
	return fmt.Sprintf("NFT %s is already owned by wallet %s", e.NFTID, e.Owner)
}
