package persist

// LoopStatus represents the lifecycle state of a trade loop
type LoopStatus string

const (
	// LoopStatusPending is a loop that was just discovered and not yet surfaced
	LoopStatusPending LoopStatus = "pending"
	// LoopStatusActive is a loop that has been surfaced to subscribers
	LoopStatusActive LoopStatus = "active"
	// LoopStatusStale is a loop whose premises no longer hold
	LoopStatusStale LoopStatus = "stale"
)

// TradeStep is one transfer within a trade loop: the giver hands the stated
// NFT to the receiver. Steps reference wallets and NFTs by ID only; the tenant
// graph is the single source of truth.
type TradeStep struct {
	Giver    WalletID `json:"giver"`
	Receiver WalletID `json:"receiver"`
	NFT      NFTID    `json:"nft"`
}

// TradeLoop is a closed chain of trade steps in which every participant gives
// one NFT and receives one NFT it wanted.
type TradeLoop struct {
	ID               DBID         `json:"id"`
	CanonicalID      CanonicalID  `json:"canonical_id"`
	Steps            []TradeStep  `json:"steps"`
	Efficiency       float64      `json:"efficiency"`
	Fairness         float64      `json:"fairness"`
	QualityScore     float64      `json:"quality_score"`
	ParticipantCount int          `json:"participant_count"`
	DiscoveredAt     CreationTime `json:"discovered_at"`
	Status           LoopStatus   `json:"status"`
	Version          uint64       `json:"version"`
}

// Wallets returns the distinct wallets participating in the loop, in step order.
func (l *TradeLoop) Wallets() []WalletID {
	out := make([]WalletID, 0, len(l.Steps))
	for _, s := range l.Steps {
		out = append(out, s.Giver)
	}
	return out
}

// Involves reports whether the wallet is a giver or receiver in the loop.
func (l *TradeLoop) Involves(id WalletID) bool {
	for _, s := range l.Steps {
		if s.Giver == id || s.Receiver == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the loop.
func (l *TradeLoop) Clone() *TradeLoop {
	cp := *l
	cp.Steps = make([]TradeStep, len(l.Steps))
	copy(cp.Steps, l.Steps)
	return &cp
}
