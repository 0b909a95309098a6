package models

import "encoding/json"

// AssistantSessionMessage represents the model's response with text,
// thinking, and/or tool calls.
type AssistantSessionMessage struct {
	RawJSON
	BaseMessage
	EnvelopeFields
	Message *APIMessage `json:"message,omitempty"`
}

func (m AssistantSessionMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type Alias AssistantSessionMessage
	return json.Marshal(Alias(m))
}

// Model returns the model that produced this message, if recorded.
func (m *AssistantSessionMessage) Model() string {
	if m.Message == nil {
		return ""
	}
	return m.Message.Model
}
