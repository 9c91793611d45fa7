package gateway

import "strings"

// modelRate is EUR per million tokens.
type modelRate struct {
	input  float64
	output float64
}

// modelRates maps model-name prefixes to prices. Unknown models cost
// zero rather than guessing. Prices shift often; these are for the cost
// figures on interaction records, not for billing.
var modelRates = map[string]modelRate{
	"gpt-4o-mini":       {0.14, 0.55},
	"gpt-4o":            {2.30, 9.20},
	"gpt-4.1-mini":      {0.37, 1.48},
	"gpt-4.1":           {1.85, 7.40},
	"o3":                {1.85, 7.40},
	"claude-3-5-haiku":  {0.74, 3.70},
	"claude-3-5-sonnet": {2.77, 13.85},
	"claude-sonnet-4":   {2.77, 13.85},
	"claude-opus-4":     {13.85, 69.25},
	"gemini-1.5-flash":  {0.07, 0.28},
	"gemini-1.5-pro":    {1.16, 4.62},
	"gemini-2.0-flash":  {0.09, 0.37},
	"llama3.1-8b":       {0.09, 0.09},
	"llama3.1-70b":      {0.55, 0.55},
	"glm-4":             {0.50, 0.50},
}

// estimateCostEUR prices a call by the longest matching model prefix.
func estimateCostEUR(model string, inputTokens, outputTokens int) float64 {
	var best string
	for prefix := range modelRates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	r := modelRates[best]
	return (float64(inputTokens)*r.input + float64(outputTokens)*r.output) / 1e6
}
