package providers

import (
	"github.com/shopspring/decimal"
)

var perMillion = decimal.NewFromInt(1_000_000)

// costFromPricing 按每百万 token 价格计算费用，无价格时为 0
func costFromPricing(pricing *Pricing, usage Usage) decimal.Decimal {
	if pricing == nil {
		return decimal.Zero
	}
	prompt := pricing.Prompt.Mul(decimal.NewFromInt(int64(usage.PromptTokens)))
	completion := pricing.Completion.Mul(decimal.NewFromInt(int64(usage.CompletionTokens)))
	return prompt.Add(completion).Div(perMillion)
}

// perTokenToPerMillion 上游按单 token 报价的字符串，转换为每百万价格
func perTokenToPerMillion(price string) decimal.Decimal {
	d, err := decimal.NewFromString(price)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d.Mul(perMillion)
}
