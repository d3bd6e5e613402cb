// Package cost estimates the API spend of a pipeline run.
package cost

import "github.com/sells-group/attendry/internal/model"

// Rates holds per-model pricing in USD per million tokens.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Voyage    map[string]float64   `yaml:"voyage" mapstructure:"voyage"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Extraction computes the cost of the LLM extraction calls. Unknown
// models cost 0.
func (c *Calculator) Extraction(llmModel string, usage model.TokenUsage) float64 {
	rate, ok := c.rates.Anthropic[llmModel]
	if !ok {
		return 0
	}
	return (float64(usage.InputTokens)/1e6)*rate.Input + (float64(usage.OutputTokens)/1e6)*rate.Output
}

// Rerank computes the cost of one rerank call.
func (c *Calculator) Rerank(rerankModel string, tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Voyage[rerankModel]
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		Voyage: map[string]float64{
			"rerank-2":      0.05,
			"rerank-2-lite": 0.02,
		},
	}
}
