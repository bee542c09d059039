package persist

// Collection represents a named set of NFTs within a tenant. Collection-level
// wants are expanded against this membership.
type Collection struct {
	ID      CollectionID   `json:"id"`
	Members map[NFTID]bool `json:"members"`
}

// NewCollection returns an empty collection.
func NewCollection(id CollectionID) *Collection {
	return &Collection{
		ID:      id,
		Members: map[NFTID]bool{},
	}
}
