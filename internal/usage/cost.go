package usage

import (
	"strings"

	"github.com/ding113/claude-code-hub/internal/model"
)

// rate is USD per million tokens.
type rate struct {
	input         float64
	output        float64
	cacheCreation float64
	cacheRead     float64
}

// priceTable maps model-name prefixes to rates. Longest prefix wins. Prices
// follow the public vendor sheets; unknown models fall back to defaultRate
// so billing never silently drops to zero.
var priceTable = map[string]rate{
	"claude-opus-4":    {input: 15, output: 75, cacheCreation: 18.75, cacheRead: 1.5},
	"claude-sonnet-4":  {input: 3, output: 15, cacheCreation: 3.75, cacheRead: 0.3},
	"claude-haiku-4":   {input: 1, output: 5, cacheCreation: 1.25, cacheRead: 0.1},
	"claude-3-5-haiku": {input: 0.8, output: 4, cacheCreation: 1, cacheRead: 0.08},

	"gpt-4o-mini": {input: 0.15, output: 0.6, cacheRead: 0.075},
	"gpt-4o":      {input: 2.5, output: 10, cacheRead: 1.25},
	"gpt-4.1":     {input: 2, output: 8, cacheRead: 0.5},
	"gpt-5-mini":  {input: 0.25, output: 2, cacheRead: 0.025},
	"gpt-5":       {input: 1.25, output: 10, cacheRead: 0.125},
	"o3":          {input: 2, output: 8, cacheRead: 0.5},

	"gemini-2.5-pro":   {input: 1.25, output: 10, cacheRead: 0.31},
	"gemini-2.5-flash": {input: 0.3, output: 2.5, cacheRead: 0.075},
	"gemini-2.0-flash": {input: 0.1, output: 0.4, cacheRead: 0.025},
}

var defaultRate = rate{input: 3, output: 15, cacheCreation: 3.75, cacheRead: 0.3}

func rateFor(modelName string) rate {
	best := ""
	r := defaultRate
	for prefix, pr := range priceTable {
		if strings.HasPrefix(modelName, prefix) && len(prefix) > len(best) {
			best = prefix
			r = pr
		}
	}
	return r
}

// Cost converts usage to USD for a billed model name, scaled by the
// provider's cost multiplier.
func Cost(modelName string, u model.Usage, multiplier float64) float64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	r := rateFor(modelName)
	const m = 1e6
	c := float64(u.InputTokens)/m*r.input +
		float64(u.OutputTokens)/m*r.output +
		float64(u.CacheCreationTokens)/m*r.cacheCreation +
		float64(u.CacheReadTokens)/m*r.cacheRead
	return c * multiplier
}

// BilledModel picks which model name drives billing: the client-requested
// name or the provider-redirected one, per the system setting.
func BilledModel(source, original, redirected string) string {
	if source == "redirected" && redirected != "" {
		return redirected
	}
	return original
}
