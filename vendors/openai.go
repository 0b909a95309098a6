package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/xiaoyuanzhu-com/claude-console/config"
	"github.com/xiaoyuanzhu-com/claude-console/log"
)

var (
	openaiClient     *OpenAIClient
	openaiClientOnce sync.Once
	openaiLogger     = log.GetLogger("OpenAI")
)

// OpenAIClient wraps an OpenAI-compatible chat API, used for session
// auto-titling. A nil client is a valid no-op.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// CompletionOptions holds options for completions.
type CompletionOptions struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float32
	JSONMode     bool
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content      string
	FinishReason string
}

// GetOpenAIClient returns the singleton OpenAI client.
func GetOpenAIClient() *OpenAIClient {
	openaiClientOnce.Do(func() {
		cfg := config.Get()
		if cfg.OpenAIAPIKey == "" {
			openaiLogger.Warn().Msg("OPENAI_API_KEY not configured, auto-titling disabled")
			return
		}

		clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
		if cfg.OpenAIBaseURL != "" && cfg.OpenAIBaseURL != "https://api.openai.com/v1" {
			clientConfig.BaseURL = cfg.OpenAIBaseURL
		}

		openaiClient = &OpenAIClient{
			client: openai.NewClientWithConfig(clientConfig),
			model:  cfg.OpenAIModel,
		}

		openaiLogger.Info().Str("model", cfg.OpenAIModel).Msg("OpenAI initialized")
	})

	return openaiClient
}

// Enabled reports whether the client is configured.
func (o *OpenAIClient) Enabled() bool {
	return o != nil
}

// Complete performs a chat completion.
func (o *OpenAIClient) Complete(ctx context.Context, opts CompletionOptions) (*CompletionResponse, error) {
	if o == nil {
		return nil, nil
	}

	var messages []openai.ChatCompletionMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: opts.Prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		openaiLogger.Error().Err(err).Msg("completion failed")
		return nil, err
	}
	if len(resp.Choices) == 0 {
		openaiLogger.Error().Msg("completion response has no choices")
		return &CompletionResponse{}, nil
	}

	return &CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

const titleSystemPrompt = `You name coding sessions. Given the opening exchange of a session between a developer and a coding agent, produce a short title (at most 8 words) that captures what the session is about.
No quotes, no trailing punctuation.
Respond with JSON in format: {"title": "..."}`

// maxTitleLen bounds generated titles; the prompt asks for short output but
// the model is not guaranteed to comply.
const maxTitleLen = 60

func clampTitle(s string) string {
	runes := []rune(s)
	if len(runes) <= maxTitleLen {
		return s
	}
	return strings.TrimSpace(string(runes[:maxTitleLen]))
}

// GenerateSessionTitle produces a short title for a transcript excerpt.
func (o *OpenAIClient) GenerateSessionTitle(ctx context.Context, excerpt string) (string, error) {
	if o == nil {
		return "", nil
	}

	resp, err := o.Complete(ctx, CompletionOptions{
		SystemPrompt: titleSystemPrompt,
		Prompt:       excerpt,
		Temperature:  0.2,
		JSONMode:     true,
	})
	if err != nil {
		return "", err
	}

	parsed, err := parseJSONFromLLMResponse(resp.Content)
	if err != nil {
		openaiLogger.Error().Err(err).Str("content", resp.Content).Msg("failed to parse title JSON")
		return "", nil
	}
	if obj, ok := parsed.(map[string]interface{}); ok {
		if title, ok := obj["title"].(string); ok {
			return clampTitle(strings.TrimSpace(title)), nil
		}
	}
	return "", nil
}

// parseJSONFromLLMResponse robustly parses JSON from LLM responses, which
// sometimes arrive wrapped in markdown fences or prose.
func parseJSONFromLLMResponse(content string) (interface{}, error) {
	content = strings.TrimSpace(content)

	var result interface{}
	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return result, nil
	}

	codeBlockRe := regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
	if matches := codeBlockRe.FindStringSubmatch(content); len(matches) > 1 {
		if err := json.Unmarshal([]byte(strings.TrimSpace(matches[1])), &result); err == nil {
			return result, nil
		}
	}

	jsonObjectRe := regexp.MustCompile(`\{[\s\S]*\}`)
	if match := jsonObjectRe.FindString(content); match != "" {
		if err := json.Unmarshal([]byte(match), &result); err == nil {
			return result, nil
		}
	}

	return nil, fmt.Errorf("unable to parse JSON from LLM response")
}
