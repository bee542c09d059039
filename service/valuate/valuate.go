package valuate

import (
	"context"
	"sort"
	"sync"

	"github.com/mikeydub/go-barter/service/persist"
)

// ValueSource resolves an NFT to a non-negative valuation. Units are up to the
// host; they only need to be consistent within a tenant. Stale values degrade
// scoring, never correctness.
type ValueSource interface {
	ValueOf(ctx context.Context, id persist.NFTID) (float64, error)
}

// CollectionResolver resolves a collection to its member NFTs within the
// current tenant. Must be idempotent per call.
type CollectionResolver interface {
	MembersOf(ctx context.Context, id persist.CollectionID) ([]persist.NFTID, error)
}

// StaticSource is an in-memory ValueSource backed by a plain map. Useful for
// tests and for hosts that precompute valuations.
type StaticSource struct {
	mu     sync.RWMutex
	values map[persist.NFTID]float64
}

// NewStaticSource returns a StaticSource seeded with the given values.
func NewStaticSource(values map[persist.NFTID]float64) *StaticSource {
	cp := make(map[persist.NFTID]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &StaticSource{values: cp}
}

// ValueOf returns the stored valuation, or 0 for unknown NFTs.
func (s *StaticSource) ValueOf(ctx context.Context, id persist.NFTID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[id], nil
}

// Set stores a valuation.
func (s *StaticSource) Set(id persist.NFTID, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = value
}

// StaticResolver is an in-memory CollectionResolver backed by a plain map.
type StaticResolver struct {
	mu      sync.RWMutex
	members map[persist.CollectionID][]persist.NFTID
}

// NewStaticResolver returns a StaticResolver seeded with the given memberships.
func NewStaticResolver(members map[persist.CollectionID][]persist.NFTID) *StaticResolver {
	cp := make(map[persist.CollectionID][]persist.NFTID, len(members))
	for k, v := range members {
		ids := make([]persist.NFTID, len(v))
		copy(ids, v)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		cp[k] = ids
	}
	return &StaticResolver{members: cp}
}

// MembersOf returns the members of the collection in ascending ID order.
func (s *StaticResolver) MembersOf(ctx context.Context, id persist.CollectionID) ([]persist.NFTID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.members[id]
	out := make([]persist.NFTID, len(members))
	copy(out, members)
	return out, nil
}

// Set replaces the membership of a collection.
func (s *StaticResolver) Set(id persist.CollectionID, members []persist.NFTID) {
	ids := make([]persist.NFTID, len(members))
	copy(ids, members)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[id] = ids
}
