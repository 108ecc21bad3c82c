// Package usage records token usage and estimated cost of edit-image calls.
package usage

import "math"

// DefaultModel is the pricing used for models missing from the table.
const DefaultModel = "gemini-2.0-flash"

// Price is USD per one million tokens.
type Price struct {
	Input  float64
	Output float64
	// Cached is the price of cached prompt tokens. Zero means a quarter of Input.
	Cached float64
}

// Pricing maps model names to prices.
type Pricing map[string]Price

// DefaultPricing returns the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		"gemini-2.0-flash":               {Input: 0.10, Output: 0.40, Cached: 0.025},
		"gemini-2.0-flash-lite":          {Input: 0.075, Output: 0.30, Cached: 0.01875},
		"gemini-1.5-flash":               {Input: 0.075, Output: 0.30, Cached: 0.01875},
		"gemini-1.5-pro":                 {Input: 1.25, Output: 5.00, Cached: 0.3125},
		"gemini-2.5-pro-preview-tts":     {Input: 1.00, Output: 20.00, Cached: 0.25},
		"gemini-3-pro-image-preview":     {Input: 2.00, Output: 120.00, Cached: 0.50},
		"gemini-3.1-flash-image-preview": {Input: 0.10, Output: 0.40, Cached: 0.025},
	}
}

// Cost is a cost breakdown in USD.
type Cost struct {
	Input  float64
	Output float64
	Cached float64
	Total  float64
}

// Cost prices one call. Thought tokens are billed as input; cached tokens are
// taken out of the prompt count and billed at the cached rate. Values are
// rounded to 8 decimals.
func (p Pricing) Cost(model string, prompt, completion, cached, thoughts int) Cost {
	price, ok := p[model]
	if !ok {
		price = p[DefaultModel]
	}
	cachedPrice := price.Cached
	if cachedPrice == 0 {
		cachedPrice = price.Input * 0.25
	}

	nonCached := max(0, prompt-cached) + thoughts

	c := Cost{
		Input:  float64(nonCached) / 1e6 * price.Input,
		Output: float64(completion) / 1e6 * price.Output,
		Cached: float64(cached) / 1e6 * cachedPrice,
	}
	c.Total = c.Input + c.Output + c.Cached

	return Cost{
		Input:  round8(c.Input),
		Output: round8(c.Output),
		Cached: round8(c.Cached),
		Total:  round8(c.Total),
	}
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
