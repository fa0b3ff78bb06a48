// Package anthropic is a narrow client for the Messages API. The pipelines
// depend on the Client interface so tests never reach the network.
package anthropic

import (
	"context"
	"strings"
)

// Client is the one model operation the extraction and answer pipelines use.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is a single-turn or multi-turn message call.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64 // nil leaves the API default
}

// SystemBlock is one block of system instructions.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl marks a prompt-cache breakpoint. TTL is "5m", "1h" or empty
// for the API default.
type CacheControl struct {
	TTL string
}

// Message is a conversational turn; Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// MessageResponse carries the fields the pipelines read back.
type MessageResponse struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   string
	StopSequence string
	Usage        TokenUsage
}

// ContentBlock is one block of response content.
type ContentBlock struct {
	Type string
	Text string
}

// Text joins the response's text blocks, skipping every other block type.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// BuildCachedSystemBlocks puts the system text behind a cache breakpoint.
// Extraction jobs share their instructions, so the first call of a fan-out
// writes the cache and the others read it.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
