package claude

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/xiaoyuanzhu-com/claude-console/claude/models"
	"github.com/xiaoyuanzhu-com/claude-console/transcript"
)

// TranscriptEvent is one element of a session's ordered event log: either a
// parsed stream message or an engine block injected by the control channel
// (permission prompts, input requests). Exactly one field is set.
type TranscriptEvent struct {
	Message models.SessionMessageI
	Block   transcript.Block
}

// BuildBlocks converts parsed session messages into transcript blocks.
//
// The conversion is pure and deterministic: block ids derive from message
// uuids, so rebuilding over a grown message list reproduces the old blocks
// unchanged and appends new ones. Live permission and input prompts are not
// derived here; the session injects those as events, see AssembleBlocks.
func BuildBlocks(messages []models.SessionMessageI) []transcript.Block {
	events := make([]TranscriptEvent, 0, len(messages))
	for _, msg := range messages {
		events = append(events, TranscriptEvent{Message: msg})
	}
	return AssembleBlocks(events)
}

// AssembleBlocks replays an event log into transcript blocks. Message events
// go through the same conversion as BuildBlocks; block events are emitted at
// their position in the log, which is how control-channel prompts land between
// the messages that surrounded them.
func AssembleBlocks(events []TranscriptEvent) []transcript.Block {
	messages := make([]models.SessionMessageI, 0, len(events))
	for _, ev := range events {
		if ev.Message != nil {
			messages = append(messages, ev.Message)
		}
	}

	b := &blockBuilder{
		byUUID:    make(map[string]models.SessionMessageI, len(messages)),
		chainRoot: make(map[string]string),
		taskCalls: make(map[string][]string),
	}
	for _, msg := range messages {
		if uuid := msg.GetUUID(); uuid != "" {
			b.byUUID[uuid] = msg
		}
	}
	b.collectTaskCalls(messages)

	blocks := make([]transcript.Block, 0, len(events))
	msgIdx := 0
	for _, ev := range events {
		switch {
		case ev.Message != nil:
			blocks = b.appendMessage(blocks, ev.Message, msgIdx)
			msgIdx++
		case ev.Block != nil:
			blocks = append(blocks, ev.Block)
		}
	}
	return blocks
}

type blockBuilder struct {
	byUUID    map[string]models.SessionMessageI
	chainRoot map[string]string   // message uuid -> sidechain root uuid
	taskCalls map[string][]string // task prompt -> spawning tool call ids, in order
	rootCall  map[string]string   // sidechain root uuid -> resolved tool call id
	lastModel string
}

// collectTaskCalls indexes Task tool invocations by their prompt so sidechain
// transcripts read back from disk can be tied to the call that spawned them.
// Live streams carry parent_tool_use_id directly and skip this entirely.
func (b *blockBuilder) collectTaskCalls(messages []models.SessionMessageI) {
	b.rootCall = make(map[string]string)
	for _, msg := range messages {
		am, ok := msg.(*models.AssistantSessionMessage)
		if !ok || am.Message == nil || isSidechain(&am.EnvelopeFields) {
			continue
		}
		for _, block := range am.Message.Blocks() {
			if block.Type != "tool_use" || block.Name != "Task" {
				continue
			}
			var input struct {
				Prompt string `json:"prompt"`
			}
			if err := json.Unmarshal(block.Input, &input); err != nil {
				continue
			}
			prompt := strings.TrimSpace(input.Prompt)
			if prompt != "" && block.ID != "" {
				b.taskCalls[prompt] = append(b.taskCalls[prompt], block.ID)
			}
		}
	}
}

// parentCallID resolves which tool call a message's blocks belong under.
// Precedence: explicit envelope linkage, then sidechain chain recovery. A
// sidechain whose spawning call cannot be found gets a synthetic parent id,
// which keeps its blocks out of the top-level flow instead of misfiling them.
func (b *blockBuilder) parentCallID(msg models.SessionMessageI, env *models.EnvelopeFields) string {
	if env.ParentToolUseID != "" {
		return env.ParentToolUseID
	}
	if !isSidechain(env) {
		return ""
	}

	root := b.resolveChainRoot(msg.GetUUID())
	if root == "" {
		return "sidechain:unlinked"
	}
	if call, ok := b.rootCall[root]; ok {
		return call
	}

	call := "sidechain:" + root
	if rm, ok := b.byUUID[root].(*models.UserSessionMessage); ok {
		prompt := strings.TrimSpace(rm.GetUserPrompt())
		if ids := b.taskCalls[prompt]; len(ids) > 0 {
			call = ids[0]
			b.taskCalls[prompt] = ids[1:]
		}
	}
	b.rootCall[root] = call
	return call
}

func (b *blockBuilder) resolveChainRoot(uuid string) string {
	if uuid == "" {
		return ""
	}
	if root, ok := b.chainRoot[uuid]; ok {
		return root
	}
	root := uuid
	seen := map[string]bool{uuid: true}
	for {
		msg, ok := b.byUUID[root]
		if !ok {
			break
		}
		var parent *string
		switch m := msg.(type) {
		case *models.UserSessionMessage:
			parent = m.ParentUUID
		case *models.AssistantSessionMessage:
			parent = m.ParentUUID
		case *models.SystemSessionMessage:
			parent = m.ParentUUID
		}
		if parent == nil || *parent == "" || seen[*parent] {
			break
		}
		if _, ok := b.byUUID[*parent]; !ok {
			break
		}
		root = *parent
		seen[root] = true
	}
	b.chainRoot[uuid] = root
	return root
}

func (b *blockBuilder) appendMessage(blocks []transcript.Block, msg models.SessionMessageI, idx int) []transcript.Block {
	switch m := msg.(type) {
	case *models.UserSessionMessage:
		return b.appendUser(blocks, m, idx)
	case *models.AssistantSessionMessage:
		return b.appendAssistant(blocks, m, idx)
	case *models.SystemInitMessage:
		return append(blocks, &transcript.SystemInitBlock{
			BlockBase:      base(blockID(m.UUID, idx, 0), "", m.Timestamp),
			SessionID:      firstNonEmpty(m.InitSessionID, m.SessionID),
			Model:          m.Model,
			CWD:            m.Cwd,
			Tools:          m.Tools,
			PermissionMode: m.PermissionMode,
		})
	case *models.SystemSessionMessage:
		return b.appendSystem(blocks, m, idx)
	case *models.ResultSessionMessage:
		return b.appendResult(blocks, m, idx)
	default:
		return blocks
	}
}

func (b *blockBuilder) appendUser(blocks []transcript.Block, m *models.UserSessionMessage, idx int) []transcript.Block {
	if m.IsCompactSummary {
		return blocks
	}
	parent := b.parentCallID(m, &m.EnvelopeFields)

	for i, result := range m.ToolResults() {
		blocks = append(blocks, &transcript.ToolResultBlock{
			BlockBase:  base(blockID(m.UUID, idx, i), parent, m.Timestamp),
			ToolCallID: result.ToolUseID,
			Content:    result.ResultText(),
			IsError:    result.IsError != nil && *result.IsError,
			DurationMs: resultDurationMs(m.ToolUseResult),
		})
	}

	role := "user"
	if isSidechain(&m.EnvelopeFields) {
		// Inside a sub-agent the "user" turn is the spawning prompt, not a
		// person typing.
		role = ""
	}
	if prompt := m.GetUserPrompt(); prompt != "" {
		blocks = append(blocks, &transcript.TextBlock{
			BlockBase: base(blockID(m.UUID, idx, 100), parent, m.Timestamp),
			Text:      prompt,
			Role:      role,
		})
	}
	return blocks
}

func (b *blockBuilder) appendAssistant(blocks []transcript.Block, m *models.AssistantSessionMessage, idx int) []transcript.Block {
	if m.Message == nil {
		return blocks
	}
	parent := b.parentCallID(m, &m.EnvelopeFields)

	if model := m.Model(); model != "" && !isSidechain(&m.EnvelopeFields) {
		if b.lastModel != "" && b.lastModel != model {
			blocks = append(blocks, &transcript.ModelChangedBlock{
				BlockBase: base(blockID(m.UUID, idx, 200), "", m.Timestamp),
				FromModel: b.lastModel,
				ToModel:   model,
			})
		}
		b.lastModel = model
	}

	for i, block := range m.Message.Blocks() {
		bb := base(blockID(m.UUID, idx, i), parent, m.Timestamp)
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			blocks = append(blocks, &transcript.TextBlock{BlockBase: bb, Text: block.Text})
		case "thinking":
			blocks = append(blocks, &transcript.ThinkingBlock{BlockBase: bb, Thinking: block.Thinking})
		case "tool_use":
			blocks = append(blocks, &transcript.ToolUseBlock{
				BlockBase:  bb,
				ToolCallID: block.ID,
				Name:       block.Name,
				Input:      block.Input,
			})
		}
	}
	return blocks
}

func (b *blockBuilder) appendSystem(blocks []transcript.Block, m *models.SystemSessionMessage, idx int) []transcript.Block {
	switch m.Subtype {
	case "compact_boundary":
		info := m.GetCompactInfo()
		return append(blocks, &transcript.CompactBoundaryBlock{
			BlockBase: base(blockID(m.UUID, idx, 0), "", m.Timestamp),
			Trigger:   info.Trigger,
			PreTokens: info.PreTokens,
		})
	default:
		if m.Level == "error" && m.Content != "" {
			return append(blocks, &transcript.ErrorBlock{
				BlockBase: base(blockID(m.UUID, idx, 0), b.parentCallID(m, &m.EnvelopeFields), m.Timestamp),
				Message:   m.Content,
			})
		}
		return blocks
	}
}

func (b *blockBuilder) appendResult(blocks []transcript.Block, m *models.ResultSessionMessage, idx int) []transcript.Block {
	switch {
	case m.Subtype == "error_max_turns":
		return append(blocks, &transcript.ResultMaxTurnsBlock{
			BlockBase: base(blockID(m.UUID, idx, 0), "", m.Timestamp),
			NumTurns:  m.NumTurns,
		})
	case m.IsError != nil && *m.IsError:
		return append(blocks, &transcript.ResultErrorBlock{
			BlockBase:  base(blockID(m.UUID, idx, 0), "", m.Timestamp),
			Message:    firstNonEmpty(m.Result, m.Subtype),
			DurationMs: m.DurationMs,
		})
	default:
		// Successful results carry stats, not renderable content.
		return blocks
	}
}

// blockID builds a stable block id from a message uuid and block position.
// Messages without a uuid (some live stream events) fall back to their index
// in the sequence, which is stable because the sequence is append-only.
func blockID(uuid string, msgIdx, blockIdx int) string {
	if uuid == "" {
		uuid = "m" + strconv.Itoa(msgIdx)
	}
	return uuid + ":" + strconv.Itoa(blockIdx)
}

func base(id, parent, timestamp string) transcript.BlockBase {
	return transcript.BlockBase{
		ID:              id,
		ParentToolUseID: parent,
		CreatedAt:       parseTimestamp(timestamp),
	}
}

// parseTimestamp is lenient: an unparseable timestamp yields the zero time,
// which downstream renders as "no duration" rather than an error.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// resultDurationMs extracts a duration from the opaque toolUseResult payload
// when the executing tool recorded one.
func resultDurationMs(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var d struct {
		DurationMs      int64 `json:"durationMs"`
		TotalDurationMs int64 `json:"totalDurationMs"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0
	}
	if d.DurationMs > 0 {
		return d.DurationMs
	}
	return d.TotalDurationMs
}

func isSidechain(env *models.EnvelopeFields) bool {
	return env.IsSidechain != nil && *env.IsSidechain
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
