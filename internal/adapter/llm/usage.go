package llm

// DefaultModel prices unknown models.
const DefaultModel = "gpt-4-turbo-preview"

// Input and output cost split applied to every estimate.
const (
	inputWeight  = 0.7
	outputWeight = 0.3
)

type modelPrice struct {
	input  float64 // USD per token
	output float64
}

var priceTable = map[string]modelPrice{
	"gpt-4-turbo-preview": {input: 0.01 / 1000, output: 0.03 / 1000},
	"gpt-4":               {input: 0.03 / 1000, output: 0.06 / 1000},
	"gpt-3.5-turbo":       {input: 0.0015 / 1000, output: 0.002 / 1000},
}

// EstimateTokens approximates the token count of text as ceil(bytes/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateCost prices tokens for model; unknown models use DefaultModel's row.
func EstimateCost(tokens int, model string) float64 {
	price, ok := priceTable[model]
	if !ok {
		price = priceTable[DefaultModel]
	}
	t := float64(tokens)
	return t*inputWeight*price.input + t*outputWeight*price.output
}
