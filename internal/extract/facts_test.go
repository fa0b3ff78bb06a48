package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/gazette-cli/internal/model"
)

func TestParseFacts(t *testing.T) {
	facts, err := ParseFacts("```json\n" + `{"facts":[{"kind":" Deadline ","subject":"prijava","value":"do 20. u mjesecu","confidence":0.7}]}` + "\n```")
	require.NoError(t, err)
	assert.Equal(t, []model.Fact{{Kind: "deadline", Subject: "prijava", Value: "do 20. u mjesecu", Confidence: 0.7}}, facts)
}

func TestParseFacts_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"not json", "Nema činjenica."},
		{"missing facts", `{"items":[]}`},
		{"unknown kind", `{"facts":[{"kind":"opinion","subject":"a","value":"b","confidence":0.5}]}`},
		{"empty value", `{"facts":[{"kind":"amount","subject":"a","value":" ","confidence":0.5}]}`},
		{"confidence range", `{"facts":[{"kind":"amount","subject":"a","value":"b","confidence":1.5}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFacts(tt.text)
			assert.ErrorIs(t, err, ErrInvalidOutput)
		})
	}
}

func TestParseFacts_Empty(t *testing.T) {
	facts, err := ParseFacts(`{"facts":[]}`)
	require.NoError(t, err)
	assert.Empty(t, facts)
}
