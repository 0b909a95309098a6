package claude

import (
	"strings"
	"testing"

	"github.com/xiaoyuanzhu-com/claude-console/claude/models"
	"github.com/xiaoyuanzhu-com/claude-console/transcript"
)

func parseLine(t *testing.T, line string) models.SessionMessageI {
	t.Helper()

	msg := models.ParseMessage([]byte(line))
	if msg == nil {
		t.Fatalf("failed to parse fixture line: %s", line)
	}
	return msg
}

func parseLines(t *testing.T, lines ...string) []models.SessionMessageI {
	t.Helper()

	messages := make([]models.SessionMessageI, 0, len(lines))
	for _, line := range lines {
		messages = append(messages, parseLine(t, line))
	}
	return messages
}

// ============================================================================
// Assistant content
// ============================================================================

func TestBuildBlocks_AssistantContent(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","content":[{"type":"thinking","thinking":"let me check"},{"type":"text","text":"Running the build."},{"type":"tool_use","id":"call-1","name":"Bash","input":{"command":"go build ./..."}}]}}`,
	))

	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}

	thinking, ok := blocks[0].(*transcript.ThinkingBlock)
	if !ok {
		t.Fatalf("expected thinking block, got %T", blocks[0])
	}
	if thinking.Thinking != "let me check" {
		t.Errorf("expected thinking text, got %q", thinking.Thinking)
	}
	if thinking.ID != "a1:0" {
		t.Errorf("expected id a1:0, got %s", thinking.ID)
	}

	text, ok := blocks[1].(*transcript.TextBlock)
	if !ok {
		t.Fatalf("expected text block, got %T", blocks[1])
	}
	if text.Role != "" {
		t.Errorf("expected assistant text to carry no role, got %q", text.Role)
	}
	if text.ID != "a1:1" {
		t.Errorf("expected id a1:1, got %s", text.ID)
	}

	tool, ok := blocks[2].(*transcript.ToolUseBlock)
	if !ok {
		t.Fatalf("expected tool_use block, got %T", blocks[2])
	}
	if tool.ToolCallID != "call-1" {
		t.Errorf("expected tool call id call-1, got %s", tool.ToolCallID)
	}
	if tool.Name != "Bash" {
		t.Errorf("expected tool name Bash, got %s", tool.Name)
	}
	if tool.ID != "a1:2" {
		t.Errorf("expected id a1:2, got %s", tool.ID)
	}
}

func TestBuildBlocks_SkipsEmptyAssistantText(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","content":[{"type":"text","text":""},{"type":"text","text":"real content"}]}}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	text := blocks[0].(*transcript.TextBlock)
	if text.Text != "real content" {
		t.Errorf("expected the non-empty text, got %q", text.Text)
	}
	// The skipped block still consumed its content index
	if text.ID != "a1:1" {
		t.Errorf("expected id a1:1, got %s", text.ID)
	}
}

// ============================================================================
// User messages
// ============================================================================

func TestBuildBlocks_UserPrompt(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"fix the login bug"}}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	text, ok := blocks[0].(*transcript.TextBlock)
	if !ok {
		t.Fatalf("expected text block, got %T", blocks[0])
	}
	if text.Role != "user" {
		t.Errorf("expected role user, got %q", text.Role)
	}
	if text.Text != "fix the login bug" {
		t.Errorf("expected prompt text, got %q", text.Text)
	}
	if text.ID != "u1:100" {
		t.Errorf("expected prompt id u1:100, got %s", text.ID)
	}
}

func TestBuildBlocks_UserSystemTagsFiltered(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"<system-reminder>injected context</system-reminder>"}}`,
	))

	if len(blocks) != 0 {
		t.Errorf("expected system-injected content to produce no blocks, got %d", len(blocks))
	}
}

func TestBuildBlocks_ToolResult(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:10Z","toolUseResult":{"durationMs":420},"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"call-1","content":"ok: build passed","is_error":false}]}}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	result, ok := blocks[0].(*transcript.ToolResultBlock)
	if !ok {
		t.Fatalf("expected tool_result block, got %T", blocks[0])
	}
	if result.ToolCallID != "call-1" {
		t.Errorf("expected tool call id call-1, got %s", result.ToolCallID)
	}
	if result.Content != "ok: build passed" {
		t.Errorf("expected result content, got %q", result.Content)
	}
	if result.IsError {
		t.Error("expected isError false")
	}
	if result.DurationMs != 420 {
		t.Errorf("expected duration 420ms, got %d", result.DurationMs)
	}
	if result.ID != "u1:0" {
		t.Errorf("expected id u1:0, got %s", result.ID)
	}
}

func TestBuildBlocks_ErrorToolResult(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:10Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"call-1","content":[{"type":"text","text":"command not found"}],"is_error":true}]}}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	result := blocks[0].(*transcript.ToolResultBlock)
	if !result.IsError {
		t.Error("expected isError true")
	}
	if result.Content != "command not found" {
		t.Errorf("expected nested text flattened, got %q", result.Content)
	}
}

func TestBuildBlocks_CompactSummarySkipped(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","isCompactSummary":true,"message":{"role":"user","content":"This session is being continued from a previous conversation..."}}`,
	))

	if len(blocks) != 0 {
		t.Errorf("expected compact summary to produce no blocks, got %d", len(blocks))
	}
}

// ============================================================================
// Model changes
// ============================================================================

func TestBuildBlocks_ModelChanged(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"first"}]}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-08-25T10:01:00Z","message":{"role":"assistant","model":"claude-opus-4","content":[{"type":"text","text":"second"}]}}`,
	))

	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks (text, model change, text), got %d", len(blocks))
	}

	change, ok := blocks[1].(*transcript.ModelChangedBlock)
	if !ok {
		t.Fatalf("expected model_changed block, got %T", blocks[1])
	}
	if change.FromModel != "claude-sonnet-4" {
		t.Errorf("expected fromModel claude-sonnet-4, got %s", change.FromModel)
	}
	if change.ToModel != "claude-opus-4" {
		t.Errorf("expected toModel claude-opus-4, got %s", change.ToModel)
	}
}

func TestBuildBlocks_NoModelChangeOnFirstModel(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"hello"}]}}`,
	))

	for _, b := range blocks {
		if b.Kind() == transcript.KindModelChanged {
			t.Error("expected no model_changed block for the first model seen")
		}
	}
}

func TestBuildBlocks_SidechainModelIgnored(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"main"}]}}`,
		`{"type":"assistant","uuid":"s1","timestamp":"2026-08-25T10:00:30Z","isSidechain":true,"message":{"role":"assistant","model":"claude-haiku-4","content":[{"type":"text","text":"sub-agent"}]}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-08-25T10:01:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"main again"}]}}`,
	))

	for _, b := range blocks {
		if b.Kind() == transcript.KindModelChanged {
			t.Error("expected sub-agent model to not register as a model change")
		}
	}
}

// ============================================================================
// Sub-agent linkage
// ============================================================================

func TestBuildBlocks_SidechainLinkedToTaskCall(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"call-task-1","name":"Task","input":{"description":"Research","prompt":"Research the auth flow"}}]}}`,
		`{"type":"user","uuid":"su1","parentUuid":null,"timestamp":"2026-08-25T10:00:01Z","isSidechain":true,"message":{"role":"user","content":"Research the auth flow"}}`,
		`{"type":"assistant","uuid":"sa1","parentUuid":"su1","timestamp":"2026-08-25T10:00:05Z","isSidechain":true,"message":{"role":"assistant","content":[{"type":"text","text":"The auth flow starts in login.go"}]}}`,
	))

	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}

	// The sidechain user turn is the spawning prompt, not a person typing
	prompt := blocks[1].(*transcript.TextBlock)
	if prompt.Role != "" {
		t.Errorf("expected sidechain prompt to carry no user role, got %q", prompt.Role)
	}
	if prompt.ParentToolUseID != "call-task-1" {
		t.Errorf("expected prompt parented to call-task-1, got %q", prompt.ParentToolUseID)
	}

	reply := blocks[2].(*transcript.TextBlock)
	if reply.ParentToolUseID != "call-task-1" {
		t.Errorf("expected reply parented to call-task-1, got %q", reply.ParentToolUseID)
	}

	// The spawning call itself stays top-level
	if call := blocks[0].(*transcript.ToolUseBlock); call.ParentToolUseID != "" {
		t.Errorf("expected task call at top level, got parent %q", call.ParentToolUseID)
	}
}

func TestBuildBlocks_DuplicateTaskPromptsConsumedInOrder(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"call-1","name":"Task","input":{"prompt":"check tests"}},{"type":"tool_use","id":"call-2","name":"Task","input":{"prompt":"check tests"}}]}}`,
		`{"type":"user","uuid":"su1","parentUuid":null,"timestamp":"2026-08-25T10:00:01Z","isSidechain":true,"message":{"role":"user","content":"check tests"}}`,
		`{"type":"user","uuid":"su2","parentUuid":null,"timestamp":"2026-08-25T10:00:02Z","isSidechain":true,"message":{"role":"user","content":"check tests"}}`,
	))

	if len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}

	first := blocks[2].(*transcript.TextBlock)
	if first.ParentToolUseID != "call-1" {
		t.Errorf("expected first sidechain bound to call-1, got %q", first.ParentToolUseID)
	}
	second := blocks[3].(*transcript.TextBlock)
	if second.ParentToolUseID != "call-2" {
		t.Errorf("expected second sidechain bound to call-2, got %q", second.ParentToolUseID)
	}
}

func TestBuildBlocks_UnlinkedSidechainStaysNested(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"user","uuid":"su1","parentUuid":null,"timestamp":"2026-08-25T10:00:01Z","isSidechain":true,"message":{"role":"user","content":"orphaned sub-agent prompt"}}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	text := blocks[0].(*transcript.TextBlock)
	if text.ParentToolUseID == "" {
		t.Error("expected unlinked sidechain to keep a synthetic parent, got top-level")
	}
	if !strings.HasPrefix(text.ParentToolUseID, "sidechain:") {
		t.Errorf("expected synthetic sidechain parent, got %q", text.ParentToolUseID)
	}
}

func TestBuildBlocks_EnvelopeParentToolUseID(t *testing.T) {
	// Live stream-json messages carry the linkage explicitly
	blocks := BuildBlocks(parseLines(t,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","parent_tool_use_id":"call-99","message":{"role":"assistant","content":[{"type":"text","text":"from the sub-agent"}]}}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if got := blocks[0].Base().ParentToolUseID; got != "call-99" {
		t.Errorf("expected parent call-99, got %q", got)
	}
}

// ============================================================================
// System and result blocks
// ============================================================================

func TestBuildBlocks_SystemInit(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"system","subtype":"init","uuid":"i1","timestamp":"2026-08-25T10:00:00Z","session_id":"abc-123","model":"claude-sonnet-4","cwd":"/home/user/project","tools":["Bash","Read"],"permissionMode":"default"}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	init, ok := blocks[0].(*transcript.SystemInitBlock)
	if !ok {
		t.Fatalf("expected system_init block, got %T", blocks[0])
	}
	if init.SessionID != "abc-123" {
		t.Errorf("expected session id abc-123, got %s", init.SessionID)
	}
	if init.Model != "claude-sonnet-4" {
		t.Errorf("expected model claude-sonnet-4, got %s", init.Model)
	}
	if init.CWD != "/home/user/project" {
		t.Errorf("expected cwd, got %s", init.CWD)
	}
	if len(init.Tools) != 2 {
		t.Errorf("expected 2 tools, got %d", len(init.Tools))
	}
}

func TestBuildBlocks_CompactBoundary(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"system","subtype":"compact_boundary","uuid":"c1","timestamp":"2026-08-25T10:00:00Z","compactMetadata":{"trigger":"auto","preTokens":155000}}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	boundary, ok := blocks[0].(*transcript.CompactBoundaryBlock)
	if !ok {
		t.Fatalf("expected compact_boundary block, got %T", blocks[0])
	}
	if boundary.Trigger != "auto" {
		t.Errorf("expected trigger auto, got %s", boundary.Trigger)
	}
	if boundary.PreTokens != 155000 {
		t.Errorf("expected preTokens 155000, got %d", boundary.PreTokens)
	}
}

func TestBuildBlocks_SystemErrorSurfaced(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"system","uuid":"e1","timestamp":"2026-08-25T10:00:00Z","level":"error","content":"stream disconnected"}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	errBlock, ok := blocks[0].(*transcript.ErrorBlock)
	if !ok {
		t.Fatalf("expected error block, got %T", blocks[0])
	}
	if errBlock.Message != "stream disconnected" {
		t.Errorf("expected error message, got %q", errBlock.Message)
	}
}

func TestBuildBlocks_InfoSystemMessagesSilent(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"system","uuid":"n1","timestamp":"2026-08-25T10:00:00Z","level":"info","content":"turn duration 1200ms"}`,
	))

	if len(blocks) != 0 {
		t.Errorf("expected info-level system message to produce no blocks, got %d", len(blocks))
	}
}

func TestBuildBlocks_ResultMaxTurns(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"result","uuid":"r1","timestamp":"2026-08-25T10:00:00Z","subtype":"error_max_turns","num_turns":50}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	maxTurns, ok := blocks[0].(*transcript.ResultMaxTurnsBlock)
	if !ok {
		t.Fatalf("expected result_max_turns block, got %T", blocks[0])
	}
	if maxTurns.NumTurns != 50 {
		t.Errorf("expected 50 turns, got %d", maxTurns.NumTurns)
	}
}

func TestBuildBlocks_ResultError(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"result","uuid":"r1","timestamp":"2026-08-25T10:00:00Z","subtype":"error_during_execution","is_error":true,"result":"process exited unexpectedly","duration_ms":8200}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	resErr, ok := blocks[0].(*transcript.ResultErrorBlock)
	if !ok {
		t.Fatalf("expected result_error block, got %T", blocks[0])
	}
	if resErr.Message != "process exited unexpectedly" {
		t.Errorf("expected error message, got %q", resErr.Message)
	}
	if resErr.DurationMs != 8200 {
		t.Errorf("expected duration 8200ms, got %d", resErr.DurationMs)
	}
}

func TestBuildBlocks_SuccessResultSilent(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"result","uuid":"r1","timestamp":"2026-08-25T10:00:00Z","subtype":"success","is_error":false,"result":"done","num_turns":3,"duration_ms":5000}`,
	))

	if len(blocks) != 0 {
		t.Errorf("expected success result to produce no blocks, got %d", len(blocks))
	}
}

// ============================================================================
// Identity and stability
// ============================================================================

func TestBuildBlocks_StableAcrossAppends(t *testing.T) {
	lines := []string{
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"run the tests"}}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:05Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"call-1","name":"Bash","input":{"command":"go test ./..."}}]}}`,
		`{"type":"user","uuid":"u2","timestamp":"2026-08-25T10:00:15Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"call-1","content":"PASS"}]}}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-08-25T10:00:20Z","message":{"role":"assistant","content":[{"type":"text","text":"All green."}]}}`,
	}

	prefix := BuildBlocks(parseLines(t, lines[:2]...))
	full := BuildBlocks(parseLines(t, lines...))

	if len(full) <= len(prefix) {
		t.Fatalf("expected full build to extend prefix, got %d <= %d", len(full), len(prefix))
	}
	for i := range prefix {
		if prefix[i].Base().ID != full[i].Base().ID {
			t.Errorf("block %d: id changed across append, %s -> %s", i, prefix[i].Base().ID, full[i].Base().ID)
		}
		if prefix[i].Kind() != full[i].Kind() {
			t.Errorf("block %d: kind changed across append, %s -> %s", i, prefix[i].Kind(), full[i].Kind())
		}
	}
}

func TestBuildBlocks_MissingUUIDUsesSequenceIndex(t *testing.T) {
	blocks := BuildBlocks(parseLines(t,
		`{"type":"user","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"no uuid here"}}`,
	))

	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if got := blocks[0].Base().ID; got != "m0:100" {
		t.Errorf("expected fallback id m0:100, got %s", got)
	}
}

// ============================================================================
// Event log replay
// ============================================================================

func TestAssembleBlocks_InterleavesInjectedBlocks(t *testing.T) {
	perm := &transcript.PermissionRequestBlock{
		BlockBase: transcript.BlockBase{ID: "perm:req-1"},
		RequestID: "req-1",
		ToolName:  "Bash",
	}

	events := []TranscriptEvent{
		{Message: parseLine(t, `{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"assistant","content":[{"type":"tool_use","id":"call-1","name":"Bash","input":{"command":"rm -rf build"}}]}}`)},
		{Block: perm},
		{Message: parseLine(t, `{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:10Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"call-1","content":"removed"}]}}`)},
	}

	blocks := AssembleBlocks(events)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}

	if blocks[0].Kind() != transcript.KindToolUse {
		t.Errorf("expected tool_use first, got %s", blocks[0].Kind())
	}
	if blocks[1] != transcript.Block(perm) {
		t.Error("expected the injected permission block at its log position")
	}
	if blocks[2].Kind() != transcript.KindToolResult {
		t.Errorf("expected tool_result last, got %s", blocks[2].Kind())
	}
}

func TestAssembleBlocks_EmptyLog(t *testing.T) {
	if got := len(AssembleBlocks(nil)); got != 0 {
		t.Errorf("expected no blocks from empty log, got %d", got)
	}
}
