package llm

// ModelPricing is the static cost schedule for one model.
// Token rates are USD per million tokens; PerPage is USD per OCR page.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
	PerPage       float64
}

// pricingTable is the provider/model cost schedule. Unknown models cost zero
// (local models in particular).
var pricingTable = map[string]ModelPricing{
	"mistral-ocr-latest":     {PerPage: 0.001},
	"mistral-small-latest":   {InputPerMTok: 0.10, OutputPerMTok: 0.30},
	"mistral-medium-latest":  {InputPerMTok: 0.40, OutputPerMTok: 2.00},
	"mistral-large-latest":   {InputPerMTok: 2.00, OutputPerMTok: 6.00},
	"pixtral-12b-latest":     {InputPerMTok: 0.15, OutputPerMTok: 0.15},
	"pixtral-large-latest":   {InputPerMTok: 2.00, OutputPerMTok: 6.00},
	"open-mistral-nemo":      {InputPerMTok: 0.15, OutputPerMTok: 0.15},
	"ministral-8b-latest":    {InputPerMTok: 0.10, OutputPerMTok: 0.10},
	"Qwen2.5-VL-72B-Instruct": {InputPerMTok: 0.91, OutputPerMTok: 0.91},
}

// Cost computes the billing cost for one call's usage.
func Cost(model string, usage Usage) float64 {
	p, ok := pricingTable[model]
	if !ok {
		return 0
	}
	cost := float64(usage.PromptTokens)/1e6*p.InputPerMTok +
		float64(usage.CompletionTokens)/1e6*p.OutputPerMTok +
		float64(usage.Pages)*p.PerPage
	return cost
}
