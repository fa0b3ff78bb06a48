package model

import "time"

// Authority is the credibility tier of a source.
type Authority string

const (
	AuthorityLaw        Authority = "LAW"
	AuthorityRegulation Authority = "REGULATION"
	AuthorityGuidance   Authority = "GUIDANCE"
	AuthorityPractice   Authority = "PRACTICE"
)

// unrankedAuthority sorts after every recognized tier.
const unrankedAuthority = 99

// Rank returns the sort rank; lower ranks are more authoritative.
func (a Authority) Rank() int {
	switch a {
	case AuthorityLaw:
		return 0
	case AuthorityRegulation:
		return 1
	case AuthorityGuidance:
		return 2
	case AuthorityPractice:
		return 3
	default:
		return unrankedAuthority
	}
}

// SourceCard is read-only reference data a reasoning run may cite.
type SourceCard struct {
	ID            string     `json:"id"`
	Authority     Authority  `json:"authority"`
	Title         string     `json:"title,omitempty"`
	Reference     string     `json:"reference,omitempty"` // e.g. "NN 73/13, čl. 5"
	EffectiveFrom *time.Time `json:"effective_from,omitempty"`
	Confidence    float64    `json:"confidence"`
	Excerpt       string     `json:"excerpt,omitempty"`
}
