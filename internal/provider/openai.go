package provider

import (
	"context"

	"tollgate/internal/model"
)

const (
	openaiChatURL = "https://api.openai.com/v1/chat/completions"
	openaiModel   = "gpt-4o"

	openaiSystemPrompt = "You are ChatGPT, a large language model trained by OpenAI. " +
		"You are helping users of a conversational assistant. Be helpful, concise, and friendly."

	chatCost = 1
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// OpenAI is the GPT chat adapter.
type OpenAI struct {
	apiClient
	apiKey string
	model  string
	url    string
}

func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{apiClient: newAPIClient(KindOpenAI), apiKey: apiKey, url: openaiChatURL, model: openaiModel}
}

func (p *OpenAI) Kind() Kind                 { return KindOpenAI }
func (p *OpenAI) Operation() model.Operation { return model.OpChat }
func (p *OpenAI) Cost(Request) int64         { return chatCost }

func (p *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	body := chatCompletionRequest{
		Model:       p.model,
		Messages:    openaiMessages(openaiSystemPrompt, req),
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
		return nil, &Error{Provider: KindOpenAI, Reason: "empty completion", Retriable: true}
	}
	return &Response{Content: out.Choices[0].Message.Content, MeteredCost: chatCost}, nil
}

// openaiMessages builds the OpenAI-shaped message list: system prompt,
// trailing context window, then the current prompt. Mistral shares the shape.
func openaiMessages(system string, req Request) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: system})
	for _, t := range req.History {
		msgs = append(msgs, chatMessage{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	return msgs
}
