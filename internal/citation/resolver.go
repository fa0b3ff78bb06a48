// Package citation orders source cards by authority. Its output order is
// final; consumers must not re-sort it.
package citation

import (
	"sort"

	"github.com/sells-group/gazette-cli/internal/model"
)

// Block is a resolved citation set.
type Block struct {
	Primary    *model.SourceCard  `json:"primary,omitempty"`
	Supporting []model.SourceCard `json:"supporting"`
}

// Less reports whether a outranks b: lower authority rank, then newer
// effective date (missing dates are oldest), then higher confidence, then
// smaller id.
func Less(a, b model.SourceCard) bool {
	if ra, rb := a.Authority.Rank(), b.Authority.Rank(); ra != rb {
		return ra < rb
	}

	switch {
	case a.EffectiveFrom != nil && b.EffectiveFrom == nil:
		return true
	case a.EffectiveFrom == nil && b.EffectiveFrom != nil:
		return false
	case a.EffectiveFrom != nil && b.EffectiveFrom != nil && !a.EffectiveFrom.Equal(*b.EffectiveFrom):
		return a.EffectiveFrom.After(*b.EffectiveFrom)
	}

	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.ID < b.ID
}

// Order returns a sorted copy of cards; the input is not modified.
func Order(cards []model.SourceCard) []model.SourceCard {
	out := make([]model.SourceCard, len(cards))
	copy(out, cards)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Resolve orders cards and splits them into the primary citation and the
// supporting remainder.
func Resolve(cards []model.SourceCard) Block {
	ordered := Order(cards)
	if len(ordered) == 0 {
		return Block{Supporting: []model.SourceCard{}}
	}
	return Block{Primary: &ordered[0], Supporting: ordered[1:]}
}

// Cards flattens the block back into its authoritative order.
func (b Block) Cards() []model.SourceCard {
	if b.Primary == nil {
		return nil
	}
	return append([]model.SourceCard{*b.Primary}, b.Supporting...)
}
