package llm

const defaultOpenRouterBaseURL = "https://openrouter.ai/api"

// newOpenRouter reuses the OpenAI chat wire format; only the base URL and
// provider name differ.
func newOpenRouter(apiKey, baseURL, model string) Provider {
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	return &openaiProvider{name: "openrouter", apiKey: apiKey, baseURL: baseURL, model: model}
}
