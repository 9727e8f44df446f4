package prompt

// Usage is the token count reported by the model for the rewrite calls of one run.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

func (u Usage) add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

// Providers disagree on GenerationInfo key names; the first positive value wins.
var (
	inputKeys  = []string{"PromptTokens", "InputTokens", "input_tokens"}
	outputKeys = []string{"CompletionTokens", "OutputTokens", "output_tokens"}
	totalKeys  = []string{"TotalTokens", "total_tokens"}
)

func usageFrom(info map[string]any) Usage {
	if info == nil {
		return Usage{}
	}
	u := Usage{
		InputTokens:  firstInt(info, inputKeys),
		OutputTokens: firstInt(info, outputKeys),
		TotalTokens:  firstInt(info, totalKeys),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

func firstInt(info map[string]any, keys []string) int {
	for _, k := range keys {
		if v := asInt(info[k]); v > 0 {
			return v
		}
	}
	return 0
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
