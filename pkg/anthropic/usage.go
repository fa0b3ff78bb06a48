package anthropic

import "go.uber.org/zap"

// TokenUsage is the token accounting of one call.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// price is USD per million tokens.
type price struct{ input, output float64 }

var pricing = map[string]price{
	"claude-haiku-4-5-20251001":  {input: 1, output: 5},
	"claude-sonnet-4-5-20250929": {input: 3, output: 15},
	"claude-opus-4-1-20250805":   {input: 15, output: 75},
}

// Cache writes bill at 125% of the input price, cache reads at 10%.
const (
	cacheWriteFactor = 1.25
	cacheReadFactor  = 0.1
)

// EstimateCost prices u for model in USD. Unknown models cost 0.
func (u TokenUsage) EstimateCost(model string) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	input := float64(u.InputTokens) +
		float64(u.CacheCreationInputTokens)*cacheWriteFactor +
		float64(u.CacheReadInputTokens)*cacheReadFactor
	return (input*p.input + float64(u.OutputTokens)*p.output) / 1e6
}

// LogCost logs u and its estimated cost for one agent call.
func (u TokenUsage) LogCost(model, agentType string) {
	zap.L().Info("anthropic: usage",
		zap.String("model", model),
		zap.String("agent_type", agentType),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}
