package parser

import (
	"fmt"
	"strings"

	"github.com/sells-group/gazette-cli/internal/model"
)

// Violation codes reported by Verify.
const (
	ViolationOutOfBounds = "out_of_bounds"
	ViolationMismatch    = "text_mismatch"
	ViolationContainment = "outside_parent"
	ViolationOrder       = "sibling_overlap"
)

// Violation describes one node whose offsets cannot be trusted.
type Violation struct {
	Path        string `json:"path"`
	Code        string `json:"code"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Detail      string `json:"detail"`
}

// IntegrityError is returned when a parse produced untrustworthy offsets. It
// signals a parser or config defect and must not be retried.
type IntegrityError struct {
	Identity   Identity
	Violations []Violation
}

func (e *IntegrityError) Error() string {
	paths := make([]string, 0, len(e.Violations))
	for i, v := range e.Violations {
		if i == 5 {
			paths = append(paths, fmt.Sprintf("+%d more", len(e.Violations)-5))
			break
		}
		paths = append(paths, v.Path+":"+v.Code)
	}
	return fmt.Sprintf("parser: offset integrity violated (%s %s, config %s): %s",
		e.Identity.ParserID, e.Identity.ParserVersion, e.Identity.ConfigHash, strings.Join(paths, ", "))
}

// Verify checks that every node re-extracts verbatim from cleanText, lies
// within its parent, and does not overlap the previous sibling.
func Verify(cleanText string, nodes []*model.ProvisionNode) []Violation {
	var out []Violation
	verifyLevel(cleanText, nodes, 0, len(cleanText), &out)
	return out
}

func verifyLevel(cleanText string, nodes []*model.ProvisionNode, lo, hi int, out *[]Violation) {
	prevEnd := lo
	for _, n := range nodes {
		v := Violation{Path: n.Path, StartOffset: n.StartOffset, EndOffset: n.EndOffset}
		switch {
		case n.StartOffset < 0 || n.EndOffset > len(cleanText) || n.StartOffset > n.EndOffset:
			v.Code = ViolationOutOfBounds
			v.Detail = fmt.Sprintf("clean text length %d", len(cleanText))
			*out = append(*out, v)
			continue
		case cleanText[n.StartOffset:n.EndOffset] != n.RawText:
			v.Code = ViolationMismatch
			v.Detail = fmt.Sprintf("recorded %d bytes, span holds %d", len(n.RawText), n.EndOffset-n.StartOffset)
			*out = append(*out, v)
		case n.StartOffset < lo || n.EndOffset > hi:
			v.Code = ViolationContainment
			v.Detail = fmt.Sprintf("parent span [%d,%d)", lo, hi)
			*out = append(*out, v)
		case n.StartOffset < prevEnd:
			v.Code = ViolationOrder
			v.Detail = fmt.Sprintf("previous sibling ends at %d", prevEnd)
			*out = append(*out, v)
		}
		prevEnd = n.EndOffset
		verifyLevel(cleanText, n.Children, n.StartOffset, n.EndOffset, out)
	}
}
