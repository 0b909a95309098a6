// Package transcript assembles the live transcript of a coding-agent session
// into a renderable structure: it groups tool calls, sub-agent output, and
// control blocks into ordered items, correlates tool calls with their results,
// tracks approval state for permission and input requests, and computes live
// durations for running operations.
//
// The package is pure with respect to the transport that delivers blocks:
// callers append blocks, re-run Group over the snapshot, and resolve items
// against the Index, Machine, and Tracker. Nothing here retries or blocks.
package transcript

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the block variants.
type Kind string

const (
	KindText              Kind = "text"
	KindThinking          Kind = "thinking"
	KindToolUse           Kind = "tool_use"
	KindToolResult        Kind = "tool_result"
	KindPermissionRequest Kind = "permission_request"
	KindInputRequest      Kind = "input_request"
	KindAskUserQuestion   Kind = "ask_user_question"
	KindError             Kind = "error"
	KindModelChanged      Kind = "model_changed"
	KindCompactBoundary   Kind = "compact_boundary"
	KindSystemInit        Kind = "system_init"
	KindResultMaxTurns    Kind = "result_max_turns"
	KindResultError       Kind = "result_error"
)

// BlockBase carries the fields shared by every block variant.
//
// ID is unique within one transcript. ParentToolUseID, when set, binds the
// block to the sub-agent spawned by the ToolUseBlock whose ToolCallID equals
// it; nesting is single-level. CreatedAt may be zero for blocks whose source
// carried no usable timestamp; consumers show no duration in that case.
type BlockBase struct {
	ID              string    `json:"id"`
	ParentToolUseID string    `json:"parentToolUseId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Base returns the shared header fields.
func (b *BlockBase) Base() *BlockBase { return b }

// Block is one atomic transcript unit. The transcript is an append-only,
// never-reordered sequence of blocks; slice index is the sole chronological
// tie-break. Blocks are immutable after creation except for the narrow
// patches the engine itself applies: a result's error/duration fields become
// visible when the result arrives, and a permission or input request's
// decision fields are written exactly once.
type Block interface {
	Kind() Kind
	Base() *BlockBase
}

// TextBlock is a plain text segment. Role distinguishes user prompts from
// assistant output; empty means assistant.
type TextBlock struct {
	BlockBase
	Text string `json:"text"`
	Role string `json:"role,omitempty"`
}

func (*TextBlock) Kind() Kind { return KindText }

// ThinkingBlock is extended reasoning emitted before a response.
type ThinkingBlock struct {
	BlockBase
	Thinking string `json:"thinking"`
}

func (*ThinkingBlock) Kind() Kind { return KindThinking }

// ToolUseBlock is one tool invocation. ToolCallID is the correlation key a
// later ToolResultBlock refers back to. Whether the call spawned a sub-agent
// is never declared on the block itself; it is discovered structurally when
// other blocks carry this ToolCallID as their ParentToolUseID.
type ToolUseBlock struct {
	BlockBase
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

func (*ToolUseBlock) Kind() Kind { return KindToolUse }

// ToolResultBlock is the outcome of a tool invocation. Content holds the
// string payload; structured payloads that fail to parse upstream degrade to
// their raw text here rather than being dropped. DurationMs is the
// authoritative server-side duration in milliseconds, 0 when absent.
type ToolResultBlock struct {
	BlockBase
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (*ToolResultBlock) Kind() Kind { return KindToolResult }

// Decision is a terminal permission outcome.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// DecisionOrigin records which path resolved a request.
type DecisionOrigin string

const (
	OriginAuto      DecisionOrigin = "auto"      // allowed by a standing rule at creation
	OriginLocal     DecisionOrigin = "local"     // a connected client decided
	OriginBroadcast DecisionOrigin = "broadcast" // decision arrived from elsewhere and was merged
)

// PermissionRequestBlock asks the user to allow or deny a tool invocation.
// AutoApproved requests are terminal from creation. Decided/Decision/DecidedBy
// are written exactly once, by the approval machine.
type PermissionRequestBlock struct {
	BlockBase
	RequestID    string          `json:"requestId"`
	ToolName     string          `json:"toolName"`
	Input        json.RawMessage `json:"input,omitempty"`
	AutoApproved bool            `json:"autoApproved,omitempty"`
	Decided      bool            `json:"decided,omitempty"`
	Decision     Decision        `json:"decision,omitempty"`
	DecidedBy    DecisionOrigin  `json:"decidedBy,omitempty"`
}

func (*PermissionRequestBlock) Kind() Kind { return KindPermissionRequest }

// InputRequestBlock asks the user for a free-text answer.
type InputRequestBlock struct {
	BlockBase
	RequestID string `json:"requestId"`
	Prompt    string `json:"prompt"`
	Submitted bool   `json:"submitted,omitempty"`
	Answer    string `json:"answer,omitempty"`
}

func (*InputRequestBlock) Kind() Kind { return KindInputRequest }

// Option is one selectable answer for a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one entry of an AskUserQuestion form.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
	Options     []Option `json:"options,omitempty"`
}

// AskUserQuestionBlock is a structured question form raised by the agent.
// Answer holds the deterministically formatted submission (see FormatAnswers).
type AskUserQuestionBlock struct {
	BlockBase
	RequestID string     `json:"requestId"`
	Questions []Question `json:"questions"`
	Submitted bool       `json:"submitted,omitempty"`
	Answer    string     `json:"answer,omitempty"`
}

func (*AskUserQuestionBlock) Kind() Kind { return KindAskUserQuestion }

// ErrorBlock surfaces a stream-level error inline in the transcript.
type ErrorBlock struct {
	BlockBase
	Message string `json:"message"`
}

func (*ErrorBlock) Kind() Kind { return KindError }

// ModelChangedBlock marks a mid-session model switch.
type ModelChangedBlock struct {
	BlockBase
	FromModel string `json:"fromModel,omitempty"`
	ToModel   string `json:"toModel"`
}

func (*ModelChangedBlock) Kind() Kind { return KindModelChanged }

// CompactBoundaryBlock marks a context compaction point.
type CompactBoundaryBlock struct {
	BlockBase
	Trigger   string `json:"trigger,omitempty"` // "manual" or "auto"
	PreTokens int    `json:"preTokens,omitempty"`
}

func (*CompactBoundaryBlock) Kind() Kind { return KindCompactBoundary }

// SystemInitBlock is the session bootstrap event.
type SystemInitBlock struct {
	BlockBase
	SessionID      string   `json:"sessionId"`
	Model          string   `json:"model,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
}

func (*SystemInitBlock) Kind() Kind { return KindSystemInit }

// ResultMaxTurnsBlock reports a turn that stopped at the turn limit.
type ResultMaxTurnsBlock struct {
	BlockBase
	NumTurns int `json:"numTurns,omitempty"`
}

func (*ResultMaxTurnsBlock) Kind() Kind { return KindResultMaxTurns }

// ResultErrorBlock reports a turn that ended in an error.
type ResultErrorBlock struct {
	BlockBase
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (*ResultErrorBlock) Kind() Kind { return KindResultError }

// MarshalBlock serializes a block with its "type" discriminator for delivery
// to clients.
func MarshalBlock(b Block) ([]byte, error) {
	type tagged struct {
		Type Kind `json:"type"`
	}
	switch v := b.(type) {
	case *TextBlock:
		return json.Marshal(struct {
			tagged
			*TextBlock
		}{tagged{v.Kind()}, v})
	case *ThinkingBlock:
		return json.Marshal(struct {
			tagged
			*ThinkingBlock
		}{tagged{v.Kind()}, v})
	case *ToolUseBlock:
		return json.Marshal(struct {
			tagged
			*ToolUseBlock
		}{tagged{v.Kind()}, v})
	case *ToolResultBlock:
		return json.Marshal(struct {
			tagged
			*ToolResultBlock
		}{tagged{v.Kind()}, v})
	case *PermissionRequestBlock:
		return json.Marshal(struct {
			tagged
			*PermissionRequestBlock
		}{tagged{v.Kind()}, v})
	case *InputRequestBlock:
		return json.Marshal(struct {
			tagged
			*InputRequestBlock
		}{tagged{v.Kind()}, v})
	case *AskUserQuestionBlock:
		return json.Marshal(struct {
			tagged
			*AskUserQuestionBlock
		}{tagged{v.Kind()}, v})
	case *ErrorBlock:
		return json.Marshal(struct {
			tagged
			*ErrorBlock
		}{tagged{v.Kind()}, v})
	case *ModelChangedBlock:
		return json.Marshal(struct {
			tagged
			*ModelChangedBlock
		}{tagged{v.Kind()}, v})
	case *CompactBoundaryBlock:
		return json.Marshal(struct {
			tagged
			*CompactBoundaryBlock
		}{tagged{v.Kind()}, v})
	case *SystemInitBlock:
		return json.Marshal(struct {
			tagged
			*SystemInitBlock
		}{tagged{v.Kind()}, v})
	case *ResultMaxTurnsBlock:
		return json.Marshal(struct {
			tagged
			*ResultMaxTurnsBlock
		}{tagged{v.Kind()}, v})
	case *ResultErrorBlock:
		return json.Marshal(struct {
			tagged
			*ResultErrorBlock
		}{tagged{v.Kind()}, v})
	default:
		return nil, fmt.Errorf("unknown block kind %T", b)
	}
}
