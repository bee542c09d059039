package discover

import (
	"sort"

	"github.com/mikeydub/go-barter/service/graph"
	"github.com/mikeydub/go-barter/service/persist"
)

const louvainMaxPasses = 10

// louvainCommunities shards an oversized SCC into communities by modularity
// maximization over the undirected projection, where an edge's weight is the
// number of NFTs satisfying it in either direction. Single-level passes move
// vertices (in ascending ID order, best positive gain, lowest community wins
// ties) until a pass moves nothing. Returns the communities as sorted member
// lists, ordered by their smallest member.
func louvainCommunities(sub *graph.Subgraph, members []persist.WalletID) [][]persist.WalletID {
	// undirected weights within the SCC
	in := make(map[persist.WalletID]bool, len(members))
	for _, v := range members {
		in[v] = true
	}

	weights := map[graph.Edge]float64{}
	neighbors := map[persist.WalletID][]persist.WalletID{}
	degree := map[persist.WalletID]float64{}
	var total float64

	addWeight := func(a, b persist.WalletID, w float64) {
		key := graph.Edge{From: a, To: b}
		if a > b {
			key = graph.Edge{From: b, To: a}
		}
		if _, ok := weights[key]; !ok {
			neighbors[a] = append(neighbors[a], b)
			neighbors[b] = append(neighbors[b], a)
		}
		weights[key] += w
	}

	for e, choices := range sub.Choices {
		if !in[e.From] || !in[e.To] {
			continue
		}
		addWeight(e.From, e.To, float64(len(choices)))
	}
	for key, w := range weights {
		degree[key.From] += w
		degree[key.To] += w
		total += w
	}
	if total == 0 {
		return [][]persist.WalletID{append([]persist.WalletID{}, members...)}
	}

	weightBetween := func(a, b persist.WalletID) float64 {
		if a > b {
			a, b = b, a
		}
		return weights[graph.Edge{From: a, To: b}]
	}

	// initial assignment: every vertex in its own community, numbered by
	// sorted position
	sorted := append([]persist.WalletID{}, members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	community := map[persist.WalletID]int{}
	communityDegree := map[int]float64{}
	for i, v := range sorted {
		community[v] = i
		communityDegree[i] = degree[v]
	}

	for pass := 0; pass < louvainMaxPasses; pass++ {
		moved := false
		for _, v := range sorted {
			current := community[v]

			// weight from v into each neighboring community
			linkTo := map[int]float64{}
			for _, u := range neighbors[v] {
				linkTo[community[u]] += weightBetween(v, u)
			}

			communityDegree[current] -= degree[v]

			bestCommunity := current
			bestGain := 0.0
			candidates := make([]int, 0, len(linkTo))
			for c := range linkTo {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)
			for _, c := range candidates {
				gain := linkTo[c]/total - degree[v]*communityDegree[c]/(2*total*total)
				if gain > bestGain {
					bestGain = gain
					bestCommunity = c
				}
			}

			communityDegree[bestCommunity] += degree[v]
			if bestCommunity != current {
				community[v] = bestCommunity
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	grouped := map[int][]persist.WalletID{}
	for _, v := range sorted {
		grouped[community[v]] = append(grouped[community[v]], v)
	}
	out := make([][]persist.WalletID, 0, len(grouped))
	for _, vs := range grouped {
		out = append(out, vs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// bridgeVertices returns the vertex set of the bridge subgraph: every endpoint
// of an inter-community edge plus one representative (the smallest member) of
// each community, so cycles crossing communities are not lost.
func bridgeVertices(sub *graph.Subgraph, communities [][]persist.WalletID) []persist.WalletID {
	community := map[persist.WalletID]int{}
	for i, c := range communities {
		for _, v := range c {
			community[v] = i
		}
	}

	keep := map[persist.WalletID]bool{}
	for e := range sub.Choices {
		ci, iOK := community[e.From]
		cj, jOK := community[e.To]
		if iOK && jOK && ci != cj {
			keep[e.From] = true
			keep[e.To] = true
		}
	}
	for _, c := range communities {
		keep[c[0]] = true
	}

	out := make([]persist.WalletID, 0, len(keep))
	for v := range keep {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
