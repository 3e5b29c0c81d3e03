package spend

import (
	"strings"

	"github.com/gantry-ai/gantry/pkg/models"
	"github.com/gantry-ai/gantry/pkg/providers"
)

// Price is USD per 1k tokens
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPricing maps upstream model prefixes to list prices. Longest
// matching prefix wins, so "gpt-4o-mini" resolves before "gpt-4o".
var defaultPricing = map[string]Price{
	"gpt-4o":                  {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":             {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1":                 {InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":            {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"gpt-3.5-turbo":           {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"o3":                      {InputPer1K: 0.002, OutputPer1K: 0.008},
	"claude-opus-4":           {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":         {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":        {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"gemini-2.0-flash":        {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-1.5-pro":          {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"anthropic.claude-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"amazon.nova-pro":         {InputPer1K: 0.0008, OutputPer1K: 0.0032},
}

// PriceFor resolves the effective price for a deployment. Explicit pricing
// on the model list entry wins over the builtin table. Unknown models cost
// zero rather than guessing.
func PriceFor(dep *models.Deployment) Price {
	if dep.InputCostPer1K > 0 || dep.OutputCostPer1K > 0 {
		return Price{InputPer1K: dep.InputCostPer1K, OutputPer1K: dep.OutputCostPer1K}
	}

	var best Price
	bestLen := 0
	for prefix, price := range defaultPricing {
		if strings.HasPrefix(dep.UpstreamModel, prefix) && len(prefix) > bestLen {
			best = price
			bestLen = len(prefix)
		}
	}
	return best
}

// Cost computes the USD cost of one completion
func Cost(price Price, usage providers.Usage) float64 {
	return float64(usage.PromptTokens)/1000.0*price.InputPer1K +
		float64(usage.CompletionTokens)/1000.0*price.OutputPer1K
}
