package providerapi

// AnthropicFactory builds AnthropicBackends sharing one API key/base URL.
type AnthropicFactory struct {
	name    string
	apiKey  string
	baseURL string
}

// NewAnthropicFactory constructs a factory for the "anthropic" provider family.
func NewAnthropicFactory(name, apiKey, baseURL string) *AnthropicFactory {
	return &AnthropicFactory{name: name, apiKey: apiKey, baseURL: baseURL}
}

func (f *AnthropicFactory) Name() string { return f.name }

func (f *AnthropicFactory) Create(model string, opts Options) Provider {
	if opts.APIKey == "" {
		opts.APIKey = f.apiKey
	}
	if opts.BaseURL == "" {
		opts.BaseURL = f.baseURL
	}
	return NewAnthropicBackend(model, opts)
}

// OpenAICompatFactory builds OpenAICompatBackends sharing one API key/base
// URL/provider name (distinct instances cover OpenAI itself, OpenRouter,
// Ollama, vLLM, or any other Chat Completions-compatible endpoint).
type OpenAICompatFactory struct {
	name    string
	apiKey  string
	baseURL string
}

// NewOpenAICompatFactory constructs a factory for one OpenAI-compatible endpoint.
func NewOpenAICompatFactory(name, apiKey, baseURL string) *OpenAICompatFactory {
	return &OpenAICompatFactory{name: name, apiKey: apiKey, baseURL: baseURL}
}

func (f *OpenAICompatFactory) Name() string { return f.name }

func (f *OpenAICompatFactory) Create(model string, opts Options) Provider {
	if opts.APIKey == "" {
		opts.APIKey = f.apiKey
	}
	if opts.BaseURL == "" {
		opts.BaseURL = f.baseURL
	}
	return NewOpenAICompatBackend(f.name, model, opts)
}
