package llm

import "context"

// dashScopeProvider implements Provider for Alibaba Cloud DashScope, which
// serves the Qwen model family through an OpenAI-compatible endpoint.
type dashScopeProvider struct {
	base openAICompatClient
}

// NewDashScope creates a provider for DashScope.
func NewDashScope(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode"
	}
	return &dashScopeProvider{base: newOpenAICompatClient(cfg)}
}

func (p *dashScopeProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *dashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, fn func(StreamChunk) error) error {
	return p.base.chatStream(ctx, req, fn)
}

func (p *dashScopeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
