package persist

// TenantID identifies a tenant; all graph state is partitioned by it
type TenantID string

// WalletID identifies a wallet, unique within a tenant
type WalletID string

// NFTID identifies an NFT, unique within a tenant
type NFTID string

// CollectionID identifies a collection of NFTs within a tenant
type CollectionID string

// CanonicalID is the rotation- and direction-invariant key of a trade loop
type CanonicalID string

func (t TenantID) String() string {
	return string(t)
}

func (w WalletID) String() string {
	return string(w)
}

func (n NFTID) String() string {
	return string(n)
}

func (c CollectionID) String() string {
	return string(c)
}

func (c CanonicalID) String() string {
	return string(c)
}
