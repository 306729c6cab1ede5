package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/evoke-ai/mnemo/internal/chat"
	"github.com/evoke-ai/mnemo/internal/model"
)

// OpenAI streams completions from the OpenAI chat API or any
// OpenAI-compatible endpoint.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates a provider. baseURL may be empty for the default
// endpoint.
func NewOpenAI(baseURL, apiKey string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}
}

func toMessages(turns []chat.Turn, systemTurn string) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if systemTurn != "" {
		msgs = append(msgs, openai.SystemMessage(systemTurn))
	}
	for _, t := range turns {
		switch t.Role {
		case model.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case model.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}

func (o *OpenAI) Stream(ctx context.Context, turns []chat.Turn, opts Options, onDelta func(string)) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: toMessages(turns, opts.SystemTurn),
		Model:    openai.ChatModel(opts.Model),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if len(opts.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: opts.Stop,
		}
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	var b strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := stream.Err(); err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
			return "", ErrRateLimited
		}
		return "", fmt.Errorf("completion stream: %w", err)
	}
	return b.String(), nil
}
