package discover

import (
	"sort"

	"github.com/mikeydub/go-barter/service/graph"
	"github.com/mikeydub/go-barter/service/persist"
)

// stronglyConnectedComponents runs Tarjan's algorithm over the subgraph's
// wallet projection and returns the components that can contain cycles: those
// with at least two members. Vertices are visited in ascending ID order and
// each component's member list is sorted, so component identity is stable for
// equal graphs. The algorithm is iterative; recursion depth is not bounded by
// maxDepth here.
func stronglyConnectedComponents(sub *graph.Subgraph) [][]persist.WalletID {
	index := map[persist.WalletID]int{}
	lowlink := map[persist.WalletID]int{}
	onStack := map[persist.WalletID]bool{}
	stack := []persist.WalletID{}
	next := 0

	components := [][]persist.WalletID{}

	type frame struct {
		v  persist.WalletID
		ni int // next neighbor index to visit
	}

	for _, root := range sub.Vertices {
		if _, seen := index[root]; seen {
			continue
		}

		frames := []frame{{v: root}}
		index[root] = next
		lowlink[root] = next
		next++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			neighbors := sub.Adj[f.v]

			if f.ni < len(neighbors) {
				w := neighbors[f.ni]
				f.ni++
				if _, seen := index[w]; !seen {
					index[w] = next
					lowlink[w] = next
					next++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{v: w})
				} else if onStack[w] {
					if index[w] < lowlink[f.v] {
						lowlink[f.v] = index[w]
					}
				}
				continue
			}

			// all neighbors visited; close the frame
			if lowlink[f.v] == index[f.v] {
				component := []persist.WalletID{}
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					component = append(component, w)
					if w == f.v {
						break
					}
				}
				if len(component) >= 2 {
					sort.Slice(component, func(i, j int) bool { return component[i] < component[j] })
					components = append(components, component)
				}
			}

			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[f.v] < lowlink[parent.v] {
					lowlink[parent.v] = lowlink[f.v]
				}
			}
		}
	}

	sort.Slice(components, func(i, j int) bool { return components[i][0] < components[j][0] })
	return components
}

// induceAdjacency restricts the subgraph's adjacency to the given vertex set,
// preserving sorted neighbor order.
func induceAdjacency(sub *graph.Subgraph, members []persist.WalletID) map[persist.WalletID][]persist.WalletID {
	in := make(map[persist.WalletID]bool, len(members))
	for _, v := range members {
		in[v] = true
	}
	adj := make(map[persist.WalletID][]persist.WalletID, len(members))
	for _, v := range members {
		for _, w := range sub.Adj[v] {
			if in[w] {
				adj[v] = append(adj[v], w)
			}
		}
	}
	return adj
}
