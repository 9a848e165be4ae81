package llm

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

var errEmptyResponse = errors.New("model returned no choices")

// LangChainProvider adapts any langchaingo model to Provider.
type LangChainProvider struct {
	model llms.Model
	name  string
	opts  []llms.CallOption
}

// NewLangChainProvider wraps model. opts are passed to every call.
func NewLangChainProvider(model llms.Model, name string, opts ...llms.CallOption) *LangChainProvider {
	return &LangChainProvider{model: model, name: name, opts: opts}
}

// NewGoogleAIProvider returns a Gemini backed provider.
func NewGoogleAIProvider(ctx context.Context, apiKey, modelName string) (*LangChainProvider, error) {
	m, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(modelName),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create googleai client")
	}
	return NewLangChainProvider(m, modelName), nil
}

// NewOpenAIProvider returns an OpenAI backed provider.
func NewOpenAIProvider(apiKey, modelName string) (*LangChainProvider, error) {
	m, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithModel(modelName),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create openai client")
	}
	return NewLangChainProvider(m, modelName), nil
}

func (p *LangChainProvider) Name() string { return p.name }

func (p *LangChainProvider) Generate(ctx context.Context, system string, turns []Turn) (string, error) {
	resp, err := p.model.GenerateContent(ctx, toMessageContent(system, turns), p.opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

func toMessageContent(system string, turns []Turn) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, t := range turns {
		role := llms.ChatMessageTypeHuman
		if t.Role == RoleModel {
			role = llms.ChatMessageTypeAI
		}
		parts := make([]llms.ContentPart, 0, len(t.Parts))
		for _, p := range t.Parts {
			if p.IsBinary() {
				parts = append(parts, llms.BinaryPart(p.MIME, p.Data))
			} else {
				parts = append(parts, llms.TextPart(p.Text))
			}
		}
		msgs = append(msgs, llms.MessageContent{Role: role, Parts: parts})
	}
	return msgs
}
