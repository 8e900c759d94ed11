package genai

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are a helpful assistant in a group chat. " +
	"The lines below are recent room messages in \"sender: content\" form. " +
	"Write a single short reply addressed to the room. Plain text only."

// OpenAI is a Generator backed by an OpenAI-compatible chat completion API.
type OpenAI struct {
	client *openai.Client
	model  string
	system string
}

// NewOpenAI constructs a Generator for the given API. baseURL may be empty
// for the default endpoint; model defaults to gpt-4o-mini.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		system: defaultSystemPrompt,
	}
}

// Reply implements Generator. Content-policy refusals map to ErrBlocked and
// empty responses to ErrMalformed so the responder can phrase its fallback.
func (g *OpenAI) Reply(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 400 {
			return "", errors.Join(ErrBlocked, err)
		}
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrMalformed
	}
	if resp.Choices[0].FinishReason == openai.FinishReasonContentFilter {
		return "", ErrBlocked
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrMalformed
	}
	return text, nil
}
