package IO

import (
	"math/rand"

	"github.com/ulzee/icdbert/params"
)

// Batch is a padded, masked set of examples. Labels hold the original id at
// masked positions and params.IgnoreIndex elsewhere.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Labels        [][]int
}

func (b Batch) Size() int { return len(b.InputIDs) }

// MaskedTokens counts positions carrying a label.
func (b Batch) MaskedTokens() int {
	n := 0
	for _, row := range b.Labels {
		for _, l := range row {
			if l != params.IgnoreIndex {
				n++
			}
		}
	}
	return n
}

// MLMCollator pads examples and applies BERT masking: every non-special
// position is selected with Probability; selected positions become [MASK]
// 80% of the time, a random token 10% and stay unchanged 10%.
type MLMCollator struct {
	Probability float64

	tok       Tokenizer
	vocabSize int
	special   map[int]bool
	rng       *rand.Rand
}

func NewMLMCollator(tok Tokenizer, probability float64, seed int64) *MLMCollator {
	sp := map[int]bool{}
	for _, id := range tok.Special().IDs() {
		sp[id] = true
	}
	return &MLMCollator{
		Probability: probability,
		tok:         tok,
		vocabSize:   tok.Vocab().Size(),
		special:     sp,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// WithSeed returns a copy of c with its own generator seeded from seed.
func (c *MLMCollator) WithSeed(seed int64) *MLMCollator {
	cp := *c
	cp.rng = rand.New(rand.NewSource(seed))
	return &cp
}

// Collate pads to the longest example and masks. Not safe for concurrent use.
func (c *MLMCollator) Collate(examples []Encoding) Batch {
	T := 0
	for _, e := range examples {
		T = max(T, len(e.InputIDs))
	}
	s := c.tok.Special()
	b := Batch{
		InputIDs:      make([][]int, len(examples)),
		AttentionMask: make([][]int, len(examples)),
		Labels:        make([][]int, len(examples)),
	}
	for i, e := range examples {
		ids := make([]int, T)
		att := make([]int, T)
		labels := make([]int, T)
		for t := 0; t < T; t++ {
			labels[t] = params.IgnoreIndex
			if t >= len(e.InputIDs) {
				ids[t] = s.PAD
				continue
			}
			ids[t] = e.InputIDs[t]
			att[t] = 1
			if e.AttentionMask != nil {
				att[t] = e.AttentionMask[t]
			}
			if c.special[ids[t]] || c.rng.Float64() >= c.Probability {
				continue
			}
			labels[t] = ids[t]
			switch r := c.rng.Float64(); {
			case r < 0.8:
				ids[t] = s.MASK
			case r < 0.9:
				ids[t] = c.rng.Intn(c.vocabSize)
			}
		}
		b.InputIDs[i], b.AttentionMask[i], b.Labels[i] = ids, att, labels
	}
	return b
}
