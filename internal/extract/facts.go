package extract

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/gazette-cli/internal/model"
	"github.com/sells-group/gazette-cli/pkg/anthropic"
)

// ErrInvalidOutput marks a reply that is not the provision_extractor JSON.
var ErrInvalidOutput = eris.New("extract: invalid model output")

// Kinds the provision_extractor prompt allows.
var factKinds = map[string]bool{
	"obligation":     true,
	"deadline":       true,
	"amount":         true,
	"amendment":      true,
	"definition":     true,
	"effective_date": true,
	"repeal":         true,
}

// ParseFacts decodes {"facts":[...]} from a model reply. One malformed fact
// rejects the whole reply. An empty list is valid.
func ParseFacts(text string) ([]model.Fact, error) {
	var out struct {
		Facts *[]model.Fact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(anthropic.CleanJSON(text)), &out); err != nil {
		return nil, eris.Wrap(ErrInvalidOutput, err.Error())
	}
	if out.Facts == nil {
		return nil, eris.Wrap(ErrInvalidOutput, "missing facts")
	}

	facts := *out.Facts
	for i := range facts {
		f := &facts[i]
		f.Kind = strings.ToLower(strings.TrimSpace(f.Kind))
		f.Subject = strings.TrimSpace(f.Subject)
		f.Value = strings.TrimSpace(f.Value)
		switch {
		case !factKinds[f.Kind]:
			return nil, eris.Wrapf(ErrInvalidOutput, "fact %d: unknown kind %q", i, f.Kind)
		case f.Subject == "" || f.Value == "":
			return nil, eris.Wrapf(ErrInvalidOutput, "fact %d: empty subject or value", i)
		case f.Confidence < 0 || f.Confidence > 1:
			return nil, eris.Wrapf(ErrInvalidOutput, "fact %d: confidence %.2f out of range", i, f.Confidence)
		}
	}
	return facts, nil
}
