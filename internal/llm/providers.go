package llm

// Base URLs for OpenAI-compatible providers. Anything not listed here
// needs an explicit api_url on the guardian or request.
var providerBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"deepseek":   "https://api.deepseek.com",
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
}

// ResolveBaseURL picks the endpoint for a request: an explicit base URL
// wins, then the provider table, then the ollama default.
func ResolveBaseURL(provider, baseURL string) string {
	if baseURL != "" {
		return baseURL
	}
	if url, ok := providerBaseURLs[provider]; ok {
		return url
	}
	return providerBaseURLs["ollama"]
}
