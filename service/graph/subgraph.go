package graph

import (
	"sort"

	"github.com/mikeydub/go-barter/service/persist"
)

// Edge is a directed wallet-projection edge: the giver can hand at least one
// NFT to the receiver.
type Edge struct {
	From persist.WalletID
	To   persist.WalletID
}

// Subgraph is an immutable slice of the wallet projection, restricted to a
// neighborhood of interest. Discovery operates on subgraphs only.
type Subgraph struct {
	Tenant   persist.TenantID
	Vertices []persist.WalletID
	Adj      map[persist.WalletID][]persist.WalletID
	// Choices holds, per edge, the NFTs that satisfy it in ascending ID order.
	Choices map[Edge][]persist.NFTID
}

// BuildSubgraph takes a consistent view of the wallet projection around the
// seed wallets: a breadth-first neighborhood of the given radius over the
// undirected projection, then the induced directed subgraph. Vertex and
// neighbor lists are sorted ascending so downstream passes are deterministic.
func (g *Graph) BuildSubgraph(seeds map[persist.WalletID]bool, radius int) *Subgraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[persist.WalletID]bool{}
	frontier := make([]persist.WalletID, 0, len(seeds))
	for w := range seeds {
		if _, ok := g.wallets[w]; !ok {
			continue
		}
		visited[w] = true
		frontier = append(frontier, w)
	}

	for depth := 0; depth < radius && len(frontier) > 0; depth++ {
		next := []persist.WalletID{}
		for _, v := range frontier {
			for _, u := range g.undirectedNeighbors(v) {
				if !visited[u] {
					visited[u] = true
					next = append(next, u)
				}
			}
		}
		frontier = next
	}

	sub := &Subgraph{
		Tenant:   g.tenant,
		Adj:      map[persist.WalletID][]persist.WalletID{},
		Choices:  map[Edge][]persist.NFTID{},
		Vertices: make([]persist.WalletID, 0, len(visited)),
	}
	for v := range visited {
		sub.Vertices = append(sub.Vertices, v)
	}
	sort.Slice(sub.Vertices, func(i, j int) bool { return sub.Vertices[i] < sub.Vertices[j] })

	for _, v := range sub.Vertices {
		for n := range g.expanded[v] {
			nft, ok := g.nfts[n]
			if !ok {
				continue
			}
			u := nft.Owner
			if u == v || !visited[u] {
				continue
			}
			e := Edge{From: u, To: v}
			if _, ok := sub.Choices[e]; !ok {
				sub.Adj[u] = append(sub.Adj[u], v)
			}
			sub.Choices[e] = append(sub.Choices[e], n)
		}
	}

	for v := range sub.Adj {
		ns := sub.Adj[v]
		sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
		sub.Adj[v] = ns
	}
	for e := range sub.Choices {
		cs := sub.Choices[e]
		sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
		sub.Choices[e] = cs
	}

	return sub
}

// undirectedNeighbors returns the wallets adjacent to v in either direction of
// the wallet projection. Callers hold at least the read lock.
func (g *Graph) undirectedNeighbors(v persist.WalletID) []persist.WalletID {
	seen := map[persist.WalletID]bool{}
	out := []persist.WalletID{}

	w, ok := g.wallets[v]
	if !ok {
		return out
	}

	// out-edges: wallets that want something v owns
	for n := range w.Owned {
		for u := range g.wanters[n] {
			if u != v && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	// in-edges: owners of NFTs v wants
	for n := range g.expanded[v] {
		if nft, ok := g.nfts[n]; ok {
			u := nft.Owner
			if u != v && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}

	return out
}

// EdgeCount returns the number of directed edges in the subgraph.
func (s *Subgraph) EdgeCount() int {
	return len(s.Choices)
}
