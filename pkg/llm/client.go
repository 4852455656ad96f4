// Package llm provides a client for interacting with Large Language Models
// through an OpenAI-compatible chat completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"tutor-chat-go/internal/config"
)

// FragmentWriter receives generated text fragments in production order.
type FragmentWriter interface {
	WriteFragment(fragment string) error
}

// FragmentWriterFunc adapts a function to FragmentWriter.
type FragmentWriterFunc func(fragment string) error

func (f FragmentWriterFunc) WriteFragment(fragment string) error {
	return f(fragment)
}

// Client defines the interface for an LLM client.
type Client interface {
	// StreamChat 以 role-based 消息调用聊天接口，并把每个流式分块依次交给 writer。
	// writer 返回错误时中止流。
	StreamChat(ctx context.Context, messages []Message, gen GenerationParams, writer FragmentWriter) error
	// SummarizeTitle 一次性请求为对话生成简短标题。
	SummarizeTitle(ctx context.Context, messages []Message) (string, error)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为。取值范围由提供方校验，这里原样透传。
type GenerationParams struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

const titleInstruction = "You are a helpful assistant that creates concise, relevant titles."

const titlePromptSuffix = `Based on the conversation above, create a short, descriptive title for this chat.
The title should be a single line, no more than 50 characters, and should capture the main topic or purpose of the conversation.
Return ONLY the title text with no prefixes, quotes, or additional formatting.`

type openaiClient struct {
	cfg    config.LLMConfig
	client openai.Client
}

// NewClient creates a new LLM client for the configured OpenAI-compatible endpoint.
func NewClient(cfg config.LLMConfig) Client {
	baseURL := cfg.BaseURL
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	return &openaiClient{
		cfg:    cfg,
		client: openai.NewClient(opts...),
	}
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func (c *openaiClient) StreamChat(ctx context.Context, messages []Message, gen GenerationParams, writer FragmentWriter) error {
	params := openai.ChatCompletionNewParams{
		Model:       c.cfg.Model,
		Messages:    toParams(messages),
		Temperature: openai.Float(gen.Temperature),
		TopP:        openai.Float(gen.TopP),
		MaxTokens:   openai.Int(int64(gen.MaxTokens)),
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params, option.WithJSONSet("top_k", gen.TopK))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := writer.WriteFragment(content); err != nil {
			return fmt.Errorf("failed to forward fragment: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("chat stream failed: %w", err)
	}
	return nil
}

func (c *openaiClient) SummarizeTitle(ctx context.Context, messages []Message) (string, error) {
	var conversation strings.Builder
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		if m.Role == "user" {
			conversation.WriteString("User: ")
		} else {
			conversation.WriteString("Assistant: ")
		}
		conversation.WriteString(m.Content)
		conversation.WriteString("\n\n")
	}
	prompt := "\n" + conversation.String() + "\n" + titlePromptSuffix

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(titleInstruction),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.7),
		TopP:        openai.Float(0.95),
		MaxTokens:   openai.Int(100),
	}, option.WithJSONSet("top_k", 64))
	if err != nil {
		return "", fmt.Errorf("title request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("client didn't return any content choices")
	}
	return resp.Choices[0].Message.Content, nil
}
