package provider

import (
	"context"

	"tollgate/internal/model"
)

const (
	claudeURL   = "https://api.anthropic.com/v1/messages"
	claudeModel = "claude-3-opus-20240229"

	claudeSystemPrompt = "You are Claude, an AI assistant by Anthropic, helping users of a " +
		"conversational assistant. Be helpful, concise, and friendly."
)

type claudeRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system"`
	Messages    []chatMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Claude is the Anthropic chat adapter.
type Claude struct {
	apiClient
	apiKey string
	model  string
	url    string
}

func NewClaude(apiKey string) *Claude {
	return &Claude{apiClient: newAPIClient(KindClaude), apiKey: apiKey, url: claudeURL, model: claudeModel}
}

func (p *Claude) Kind() Kind                 { return KindClaude }
func (p *Claude) Operation() model.Operation { return model.OpChat }
func (p *Claude) Cost(Request) int64         { return chatCost }

func (p *Claude) Generate(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]chatMessage, 0, len(req.History)+1)
	for _, t := range req.History {
		role := "assistant"
		if t.Role == "user" {
			role = "user"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: t.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body := claudeRequest{
		Model:       p.model,
		MaxTokens:   1000,
		Temperature: 0.7,
		System:      claudeSystemPrompt,
		Messages:    msgs,
	}

	var out claudeResponse
	err := p.postJSON(ctx, p.url, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	}, body, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Content) == 0 {
		return nil, &Error{Provider: KindClaude, Reason: "empty completion", Retriable: true}
	}
	return &Response{Content: out.Content[0].Text, MeteredCost: chatCost}, nil
}
