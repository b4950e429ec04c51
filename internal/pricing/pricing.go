// Package pricing estimates the USD cost of token usage per model.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     decimal.Decimal
	CompletionPer1M decimal.Decimal
}

func price(prompt, completion string) ModelPricing {
	return ModelPricing{
		PromptPer1M:     decimal.RequireFromString(prompt),
		CompletionPer1M: decimal.RequireFromString(completion),
	}
}

// Public list prices. Unknown models cost 0.
var knownModels = map[string]ModelPricing{
	"claude-opus-4":     price("15.00", "75.00"),
	"claude-sonnet-4":   price("3.00", "15.00"),
	"claude-sonnet-4-5": price("3.00", "15.00"),
	"claude-3-7-sonnet": price("3.00", "15.00"),
	"claude-haiku-4-5":  price("1.00", "5.00"),
	"gpt-4o":            price("2.50", "10.00"),
	"gpt-4o-mini":       price("0.15", "0.60"),
	"gpt-4.1":           price("2.00", "8.00"),
	"gemini-2.5-pro":    price("1.25", "10.00"),
	"gemini-2.5-flash":  price("0.30", "2.50"),
}

var million = decimal.NewFromInt(1_000_000)

// Normalize strips a provider prefix ("anthropic/claude-sonnet-4") and
// lowercases the model name.
func Normalize(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	return m
}

// Lookup returns the pricing for model, if known.
func Lookup(model string) (ModelPricing, bool) {
	p, ok := knownModels[Normalize(model)]
	return p, ok
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns zero for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int64) decimal.Decimal {
	p, ok := Lookup(model)
	if !ok {
		return decimal.Zero
	}
	prompt := decimal.NewFromInt(promptTokens).Mul(p.PromptPer1M)
	completion := decimal.NewFromInt(completionTokens).Mul(p.CompletionPer1M)
	return prompt.Add(completion).Div(million)
}
