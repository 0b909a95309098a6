package models

import "encoding/json"

// SystemSessionMessage represents system events other than init: compaction
// boundaries, turn durations, informational notices.
type SystemSessionMessage struct {
	RawJSON
	BaseMessage
	EnvelopeFields
	Subtype         string          `json:"subtype,omitempty"`
	Content         string          `json:"content,omitempty"`
	Level           string          `json:"level,omitempty"`
	IsMeta          *bool           `json:"isMeta,omitempty"`
	DurationMs      int64           `json:"durationMs,omitempty"`
	CompactMetadata json.RawMessage `json:"compactMetadata,omitempty"`
}

func (m SystemSessionMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type Alias SystemSessionMessage
	return json.Marshal(Alias(m))
}

// CompactInfo describes a context compaction boundary.
type CompactInfo struct {
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int    `json:"preTokens,omitempty"`
}

// GetCompactInfo parses compaction metadata, returning zero values when the
// payload is absent or malformed.
func (m *SystemSessionMessage) GetCompactInfo() CompactInfo {
	var info CompactInfo
	if len(m.CompactMetadata) > 0 {
		json.Unmarshal(m.CompactMetadata, &info)
	}
	return info
}

// SystemInitMessage represents the session initialization message
// (subtype "init"), sent at session start with configuration and tools.
type SystemInitMessage struct {
	RawJSON
	BaseMessage
	EnvelopeFields
	Subtype        string      `json:"subtype,omitempty"`
	Cwd            string      `json:"cwd,omitempty"`
	InitSessionID  string      `json:"session_id,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	MCPServers     []MCPServer `json:"mcp_servers,omitempty"`
	Model          string      `json:"model,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	SlashCommands  []string    `json:"slash_commands,omitempty"`
	APIKeySource   string      `json:"apiKeySource,omitempty"`
}

// MCPServer represents an MCP server status in the init message.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (m SystemInitMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}
	type Alias SystemInitMessage
	return json.Marshal(Alias(m))
}
