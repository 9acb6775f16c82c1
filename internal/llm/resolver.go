package llm

import "strings"

// resolved maps a friendly model alias to a provider and its canonical id.
type resolved struct {
	Provider Provider
	Model    string
}

var modelAliases = map[string]resolved{
	"claude-sonnet-4": {ProviderAnthropic, "claude-sonnet-4-20250514"},
	"claude-haiku":    {ProviderAnthropic, "claude-3-5-haiku-20241022"},
	"gpt-4o":          {ProviderOpenAI, "gpt-4o"},
	"gpt-4o-mini":     {ProviderOpenAI, "gpt-4o-mini"},
	"gemini-flash":    {ProviderGemini, "gemini-2.5-flash"},
	"gemini-pro":      {ProviderGemini, "gemini-2.5-pro"},
	"command":         {ProviderCohere, "command"},
	"llama3":          {ProviderOllama, "llama3"},
}

// Resolve maps a model alias to its provider and canonical model id. Unknown
// names pass through unchanged under the given default provider, so fully
// qualified provider model ids keep working.
func Resolve(name string, defaultProvider Provider) (Provider, string) {
	if r, ok := modelAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return r.Provider, r.Model
	}
	return defaultProvider, name
}
