package models

import "encoding/json"

// APIMessage is the Anthropic-API-shaped payload nested inside user and
// assistant session messages. Content is either a plain string (user input)
// or an array of content blocks; use Text and Blocks instead of touching the
// raw bytes.
type APIMessage struct {
	Role         string          `json:"role"`
	Content      json.RawMessage `json:"content,omitempty"`
	Model        string          `json:"model,omitempty"`
	ID           string          `json:"id,omitempty"`
	Type         string          `json:"type,omitempty"`
	StopReason   *string         `json:"stop_reason,omitempty"`
	StopSequence *string         `json:"stop_sequence,omitempty"`
	Usage        *TokenUsage     `json:"usage,omitempty"`
}

// Text returns string-form content, or "" when content is block-structured.
func (m *APIMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return ""
	}
	return s
}

// Blocks returns block-structured content, or nil when content is a string.
func (m *APIMessage) Blocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// TokenUsage represents token usage statistics.
type TokenUsage struct {
	InputTokens              int    `json:"input_tokens,omitempty"`
	OutputTokens             int    `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int    `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int    `json:"cache_read_input_tokens,omitempty"`
	ServiceTier              string `json:"service_tier,omitempty"`
}

// ContentBlock is one block of a structured message: "text", "thinking",
// "tool_use", or "tool_result". Fields apply per type.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

// ResultText flattens a tool_result content payload to plain text. The wire
// carries either a string or an array of nested text blocks; anything that
// fails to parse degrades to the raw JSON text rather than being dropped.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var nested []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &nested); err == nil {
		out := ""
		for _, n := range nested {
			if n.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += n.Text
			}
		}
		return out
	}
	return string(b.Content)
}
