package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/lexiqai/voice-session/internal/config"
)

// OpenAIBackend streams chat completions from an OpenAI-compatible API
type OpenAIBackend struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIBackend creates a backend from configuration
func NewOpenAIBackend(cfg *config.Config) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}
	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.OpenAIModel,
		maxTokens:   cfg.OpenAIMaxTokens,
		temperature: cfg.OpenAITemperature,
	}
}

// Stream implements Backend
func (b *OpenAIBackend) Stream(ctx context.Context, req Request, onDelta func(string) error) error {
	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    chatMessages(req),
		Stream:      true,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to open chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read chat completion stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if err := onDelta(response.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}

func chatMessages(req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Transcript,
	})
}
