// Package models defines the wire shapes of Claude Code session data: the
// JSONL rows persisted under ~/.claude/projects and the equivalent messages
// emitted on a live stream-json run. Every parsed message keeps its raw bytes
// so serialization back out is byte-faithful regardless of which fields this
// package happens to model.
package models

import "encoding/json"

// SessionMessageI is implemented by all session message types.
type SessionMessageI interface {
	json.Marshaler
	GetType() string
	GetUUID() string
	GetTimestamp() string
}

// Ensure all types implement SessionMessageI
var (
	_ SessionMessageI = (*UserSessionMessage)(nil)
	_ SessionMessageI = (*AssistantSessionMessage)(nil)
	_ SessionMessageI = (*SystemSessionMessage)(nil)
	_ SessionMessageI = (*SystemInitMessage)(nil)
	_ SessionMessageI = (*ResultSessionMessage)(nil)
	_ SessionMessageI = (*SummarySessionMessage)(nil)
	_ SessionMessageI = (*CustomTitleSessionMessage)(nil)
	_ SessionMessageI = (*UnknownSessionMessage)(nil)
)

// RawJSON holds the original bytes of a parsed message. MarshalJSON returns
// them as-is, so unmodeled fields survive a read-serve round trip.
type RawJSON struct {
	Raw json.RawMessage `json:"-"`
}

// BaseMessage contains fields common to all message types.
type BaseMessage struct {
	Type       string  `json:"type"`
	UUID       string  `json:"uuid"`
	ParentUUID *string `json:"parentUuid"`
	Timestamp  string  `json:"timestamp"`
}

// GetType returns the message type.
func (m BaseMessage) GetType() string { return m.Type }

// GetUUID returns the message UUID.
func (m BaseMessage) GetUUID() string { return m.UUID }

// GetTimestamp returns the message timestamp.
func (m BaseMessage) GetTimestamp() string { return m.Timestamp }

// EnvelopeFields contains optional fields that may appear on any message.
// ParentToolUseID appears on live stream-json messages produced inside a
// sub-agent; JSONL rows mark the same thing with IsSidechain and leave the
// linkage to be recovered (see transcript assembly).
type EnvelopeFields struct {
	IsSidechain     *bool  `json:"isSidechain,omitempty"`
	UserType        string `json:"userType,omitempty"`
	CWD             string `json:"cwd,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	Version         string `json:"version,omitempty"`
	GitBranch       string `json:"gitBranch,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
	AgentID         string `json:"agentId,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}
