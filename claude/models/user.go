package models

import (
	"encoding/json"
	"strings"
)

// UserSessionMessage represents a user input or tool result message.
type UserSessionMessage struct {
	RawJSON
	BaseMessage
	EnvelopeFields
	Message          *APIMessage     `json:"message,omitempty"`
	ToolUseResult    json.RawMessage `json:"toolUseResult,omitempty"`
	IsCompactSummary bool            `json:"isCompactSummary,omitempty"`
}

func (m UserSessionMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type Alias UserSessionMessage
	return json.Marshal(Alias(m))
}

// GetUserPrompt extracts the user-typed text, filtering out system-injected
// tags like <ide_opened_file> and <system-reminder>.
func (m *UserSessionMessage) GetUserPrompt() string {
	if m.Message == nil {
		return ""
	}

	var userTexts []string
	if s := m.Message.Text(); s != "" {
		if filtered := filterSystemTags(s); filtered != "" {
			userTexts = append(userTexts, filtered)
		}
	} else {
		for _, block := range m.Message.Blocks() {
			if block.Type != "text" {
				continue
			}
			if filtered := filterSystemTags(block.Text); filtered != "" {
				userTexts = append(userTexts, filtered)
			}
		}
	}
	return strings.Join(userTexts, "\n")
}

// ToolResults returns the tool_result blocks carried by this message.
func (m *UserSessionMessage) ToolResults() []ContentBlock {
	if m.Message == nil {
		return nil
	}
	var results []ContentBlock
	for _, block := range m.Message.Blocks() {
		if block.Type == "tool_result" {
			results = append(results, block)
		}
	}
	return results
}

// filterSystemTags removes system-injected XML tags from text. Returns empty
// string when the text is only a system tag.
func filterSystemTags(text string) string {
	if strings.HasPrefix(text, "<ide_") ||
		strings.HasPrefix(text, "<system-reminder>") ||
		strings.HasPrefix(text, "<local-command") {
		return ""
	}
	return strings.TrimSpace(text)
}
