package provider

import (
	"context"

	"tollgate/internal/model"
)

const (
	mistralURL   = "https://api.mistral.ai/v1/chat/completions"
	mistralModel = "mistral-large-latest"

	mistralSystemPrompt = "You are Mistral AI, helping users of a conversational assistant. " +
		"Be helpful, concise, and friendly."
)

// Mistral is the Mistral chat adapter. The API is OpenAI-shaped.
type Mistral struct {
	apiClient
	apiKey string
	model  string
	url    string
}

func NewMistral(apiKey string) *Mistral {
	return &Mistral{apiClient: newAPIClient(KindMistral), apiKey: apiKey, url: mistralURL, model: mistralModel}
}

func (p *Mistral) Kind() Kind                 { return KindMistral }
func (p *Mistral) Operation() model.Operation { return model.OpChat }
func (p *Mistral) Cost(Request) int64         { return chatCost }

func (p *Mistral) Generate(ctx context.Context, req Request) (*Response, error) {
	body := chatCompletionRequest{
		Model:       p.model,
		Messages:    openaiMessages(mistralSystemPrompt, req),
		MaxTokens:   1000,
		Temperature: 0.7,
	}

	var out chatCompletionResponse
	err := p.postJSON(ctx, p.url, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, body, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, &Error{Provider: KindMistral, Reason: "empty completion", Retriable: true}
	}
	return &Response{Content: out.Choices[0].Message.Content, MeteredCost: chatCost}, nil
}
