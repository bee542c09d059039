package discover

import (
	"strings"

	"github.com/mikeydub/go-barter/service/persist"
)

// CanonicalKey reduces a loop to a key that is invariant under rotation and
// direction reversal, so the same loop discovered from any start vertex in
// either orientation deduplicates to one record. The key is the
// lexicographically smallest rotation of the `wallet|nft` pair encoding,
// taken across both directions.
func CanonicalKey(steps []persist.TradeStep) persist.CanonicalID {
	pairs := make([]string, len(steps))
	for i, s := range steps {
		pairs[i] = s.Giver.String() + "|" + s.NFT.String()
	}

	reversed := make([]string, len(pairs))
	for i := range pairs {
		reversed[i] = pairs[len(pairs)-1-i]
	}

	best := minRotation(pairs)
	if r := minRotation(reversed); r < best {
		best = r
	}
	return persist.CanonicalID(best)
}

func minRotation(pairs []string) string {
	n := len(pairs)
	best := ""
	for i := 0; i < n; i++ {
		rotated := make([]string, 0, n)
		rotated = append(rotated, pairs[i:]...)
		rotated = append(rotated, pairs[:i]...)
		encoded := strings.Join(rotated, ",")
		if best == "" || encoded < best {
			best = encoded
		}
	}
	return best
}

// roundDeduper tracks canonical keys seen within a single discovery round.
// Exact and tiny; the probabilistic pre-filter only guards the active set.
type roundDeduper struct {
	seen map[persist.CanonicalID]bool
}

func newRoundDeduper() *roundDeduper {
	return &roundDeduper{seen: map[persist.CanonicalID]bool{}}
}

// Admit reports whether the key is new to this round and records it.
func (d *roundDeduper) Admit(id persist.CanonicalID) bool {
	if d.seen[id] {
		return false
	}
	d.seen[id] = true
	return true
}
