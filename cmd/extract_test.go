//go:build !integration

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/gazette-cli/internal/extract"
)

func TestExtractStage_IsDefined(t *testing.T) {
	assert.Equal(t, "extraction.extract", extractStage)
}

func TestFormatExtractSummary(t *testing.T) {
	var buf bytes.Buffer
	formatExtractSummary(&buf, &extract.Summary{
		DocumentID:   "nn-2024-012",
		Jobs:         3,
		Skipped:      1,
		Succeeded:    1,
		Failed:       1,
		DeadLettered: 1,
		Facts:        4,
		InputTokens:  1200,
		OutputTokens: 300,
	})
	out := buf.String()

	assert.Contains(t, out, "Document:      nn-2024-012")
	assert.Contains(t, out, "Jobs:          3")
	assert.Contains(t, out, "Dead-lettered: 1")
	assert.Contains(t, out, "Tokens:        1200 in / 300 out")
}

func TestFormatExtractSummary_Nil(t *testing.T) {
	var buf bytes.Buffer
	formatExtractSummary(&buf, nil)
	assert.Empty(t, buf.String())
}
