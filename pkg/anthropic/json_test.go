package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", `{"facts":[]}`, `{"facts":[]}`},
		{"json fence", "```json\n{\"answer\":\"da\"}\n```", `{"answer":"da"}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", "Evo odgovora: {\"a\":1} Hvala.", `{"a":1}`},
		{"no object", "nothing here", "nothing here"},
		{"whitespace", "  \n{\"a\":1}\n  ", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSON(tt.input))
		})
	}
}
