// Package interleave merges two rankings into one so that clicks can be
// credited to the system that contributed each document.
//
// # Team-draft interleaving
//
// Each side keeps a read cursor and a count of accepted picks. The side with
// fewer picks drafts next and a coin decides ties. A drafting side skips
// documents already placed by either side. When one side runs out of fresh
// documents the other keeps drafting alone, which biases the tail towards the
// longer ranking.
//
// Reference: Radlinski, Kurup, Joachims. "How Does Clickthrough Data Reflect
// Retrieval Quality?" CIKM 2008.
package interleave

import (
	"math/rand/v2"
	"sync"

	"github.com/knoguchi/livelab/internal/repository"
)

// Coin decides which side drafts when both have the same number of picks.
type Coin interface {
	// BaselineFirst reports whether the baseline drafts this turn.
	BaselineFirst() bool
}

// RandomCoin flips a fair coin.
type RandomCoin struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomCoin returns a coin seeded from the runtime's random source.
func NewRandomCoin() *RandomCoin {
	return &RandomCoin{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// BaselineFirst implements Coin.
func (c *RandomCoin) BaselineFirst() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.IntN(2) == 0
}

// Sequence replays fixed outcomes and then repeats the last one.
// An empty sequence always lets the baseline draft first.
type Sequence []bool

// BaselineFirst implements Coin.
func (s *Sequence) BaselineFirst() bool {
	if len(*s) == 0 {
		return true
	}
	v := (*s)[0]
	if len(*s) > 1 {
		*s = (*s)[1:]
	}
	return v
}

// Interleaver merges a baseline and an experimental ranking.
type Interleaver interface {
	// Interleave returns at most length positions drawn from both rankings.
	// A non-positive length means the baseline's length.
	Interleave(base, exp []string, length int) repository.Items
}

// TeamDraft implements Interleaver with team-draft interleaving.
type TeamDraft struct {
	Coin Coin
}

// NewTeamDraft creates a team-draft interleaver. A nil coin uses a fair random coin.
func NewTeamDraft(coin Coin) *TeamDraft {
	if coin == nil {
		coin = NewRandomCoin()
	}
	return &TeamDraft{Coin: coin}
}

// Interleave implements Interleaver.
func (t *TeamDraft) Interleave(base, exp []string, length int) repository.Items {
	return Merge(base, exp, length, t.Coin)
}

type team struct {
	docs   []string
	cursor int
	picks  int
	origin repository.Origin
}

// next advances past documents already placed and returns the first fresh one.
func (tm *team) next(placed map[string]struct{}) (string, bool) {
	for tm.cursor < len(tm.docs) {
		doc := tm.docs[tm.cursor]
		tm.cursor++
		if _, seen := placed[doc]; !seen {
			return doc, true
		}
	}
	return "", false
}

// Merge runs team-draft interleaving over base and exp.
func Merge(base, exp []string, length int, coin Coin) repository.Items {
	if length <= 0 {
		length = len(base)
	}
	if distinct := countDistinct(base, exp); length > distinct {
		length = distinct
	}

	baseline := &team{docs: base, origin: repository.OriginBaseline}
	experimental := &team{docs: exp, origin: repository.OriginExperimental}
	placed := make(map[string]struct{}, length)
	out := make(repository.Items, 0, length)

	for len(out) < length {
		drafting, other := experimental, baseline
		switch {
		case baseline.picks < experimental.picks:
			drafting, other = baseline, experimental
		case baseline.picks == experimental.picks && coin.BaselineFirst():
			drafting, other = baseline, experimental
		}

		doc, ok := drafting.next(placed)
		if !ok {
			drafting = other
			if doc, ok = drafting.next(placed); !ok {
				break
			}
		}

		placed[doc] = struct{}{}
		drafting.picks++
		out = append(out, repository.Item{DocID: doc, Origin: drafting.origin})
	}
	return out
}

func countDistinct(lists ...[]string) int {
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, doc := range list {
			seen[doc] = struct{}{}
		}
	}
	return len(seen)
}
