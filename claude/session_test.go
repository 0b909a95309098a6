package claude

import (
	"os"
	"strings"
	"testing"

	"github.com/xiaoyuanzhu-com/claude-console/db"
	"github.com/xiaoyuanzhu-com/claude-console/transcript"
)

// ============================================================================
// Titles
// ============================================================================

func TestComputeDisplayTitle(t *testing.T) {
	tests := []struct {
		name        string
		customTitle string
		summary     string
		firstPrompt string
		want        string
	}{
		{"custom title wins", "My Session", "A summary", "a prompt", "My Session"},
		{"summary over prompt", "", "A summary", "a prompt", "A summary"},
		{"prompt as fallback", "", "", "a prompt", "a prompt"},
		{"untitled when empty", "", "", "", "Untitled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("s1")
			s.customTitle = tt.customTitle
			s.summary = tt.summary
			s.firstPrompt = tt.firstPrompt

			if got := s.ComputeDisplayTitle(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTruncateTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"short passthrough", "fix the bug", "fix the bug"},
		{"first line only", "fix the bug\nand then some", "fix the bug"},
		{"long input capped", strings.Repeat("a", 150), strings.Repeat("a", 100) + "..."},
		{"exactly at cap", strings.Repeat("b", 100), strings.Repeat("b", 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncateTitle(tt.input); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// ============================================================================
// File loading
// ============================================================================

func TestSession_LoadFromFile_AbsorbsMetadata(t *testing.T) {
	path := writeFile(t,
		`{"type":"summary","summary":"Fixing the login flow","leafUuid":"a1"}`+"\n"+
			`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","gitBranch":"main","cwd":"/home/user/project","message":{"role":"user","content":"fix the login bug please"}}`+"\n"+
			`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"On it."}]}}`+"\n")

	s := NewSession("s1")
	s.fullPath = path

	if err := s.LoadFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info := s.Info()
	if info.MessageCount != 3 {
		t.Errorf("expected 3 messages, got %d", info.MessageCount)
	}
	if info.FirstPrompt != "fix the login bug please" {
		t.Errorf("expected first prompt, got %q", info.FirstPrompt)
	}
	if info.Summary != "Fixing the login flow" {
		t.Errorf("expected summary, got %q", info.Summary)
	}
	if info.Title != "Fixing the login flow" {
		t.Errorf("expected summary as title, got %q", info.Title)
	}
	if info.GitBranch != "main" {
		t.Errorf("expected git branch main, got %q", info.GitBranch)
	}
	if info.CWD != "/home/user/project" {
		t.Errorf("expected cwd, got %q", info.CWD)
	}
	if info.Status != StatusIdle {
		t.Errorf("expected idle status, got %s", info.Status)
	}
}

func TestSession_LoadFromFile_FirstPromptSkipsSidechains(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"su1","timestamp":"2026-08-25T10:00:00Z","isSidechain":true,"message":{"role":"user","content":"sub-agent prompt"}}`+"\n"+
			`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:01Z","message":{"role":"user","content":"the real ask"}}`+"\n")

	s := NewSession("s1")
	s.fullPath = path

	if err := s.LoadFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Info().FirstPrompt; got != "the real ask" {
		t.Errorf("expected the top-level prompt, got %q", got)
	}
}

func TestSession_RefreshFromFile_TailsAppends(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`+"\n")

	s := NewSession("s1")
	s.fullPath = path

	if err := s.LoadFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Info().MessageCount; got != 1 {
		t.Fatalf("expected 1 message after load, got %d", got)
	}

	appendToFile(t, path,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`+"\n")

	if err := s.RefreshFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Info().MessageCount; got != 2 {
		t.Errorf("expected 2 messages after refresh, got %d", got)
	}

	// Nothing new: refresh must be a no-op
	if err := s.RefreshFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Info().MessageCount; got != 2 {
		t.Errorf("expected count unchanged, got %d", got)
	}
}

func TestSession_RefreshFromFile_ReloadsOnShrink(t *testing.T) {
	long := `{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"one"}}` + "\n" +
		`{"type":"user","uuid":"u2","timestamp":"2026-08-25T10:01:00Z","message":{"role":"user","content":"two"}}` + "\n" +
		`{"type":"user","uuid":"u3","timestamp":"2026-08-25T10:02:00Z","message":{"role":"user","content":"three"}}` + "\n"
	path := writeFile(t, long)

	s := NewSession("s1")
	s.fullPath = path

	if err := s.LoadFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Info().MessageCount; got != 3 {
		t.Fatalf("expected 3 messages, got %d", got)
	}

	// A rewrite (compaction) leaves a shorter file behind
	short := `{"type":"user","uuid":"u9","timestamp":"2026-08-25T10:03:00Z","message":{"role":"user","content":"compacted"}}` + "\n"
	if err := os.WriteFile(path, []byte(short), 0o644); err != nil {
		t.Fatalf("failed to rewrite file: %v", err)
	}

	if err := s.RefreshFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.Info().MessageCount; got != 1 {
		t.Errorf("expected full reload to 1 message, got %d", got)
	}
}

func TestSession_LoadFromFile_KeepsControlBlocks(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`+"\n")

	s := NewSession("s1")
	s.fullPath = path
	if err := s.LoadFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	perm := &transcript.PermissionRequestBlock{
		BlockBase: transcript.BlockBase{ID: "req:r1"},
		RequestID: "r1",
		ToolName:  "Bash",
	}
	s.mu.Lock()
	s.appendBlockLocked(perm)
	s.mu.Unlock()

	// A reload re-reads the file but must not lose the prompt block
	if err := s.LoadFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	blocks := s.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks (text + prompt), got %d", len(blocks))
	}
	if blocks[len(blocks)-1].Kind() != transcript.KindPermissionRequest {
		t.Errorf("expected prompt block to survive reload, got %s", blocks[len(blocks)-1].Kind())
	}
}

// ============================================================================
// Persisted decisions
// ============================================================================

func TestSession_RestoreDecisions_StayTerminal(t *testing.T) {
	s := NewSession("s1")
	s.RestoreDecisions([]db.DecisionRecord{
		{RequestID: "r1", Decision: "allow", DecidedBy: "local"},
		{RequestID: "r2", Decision: "deny", DecidedBy: "local"},
		{RequestID: "r3", Decision: "allow", DecidedBy: "auto"},
		{RequestID: "r4", Decision: "answered", DecidedBy: "local"},
	})

	if got := len(s.machine.PendingIDs()); got != 0 {
		t.Errorf("expected no pending requests after restore, got %d", got)
	}

	// Restored ids must reject any further decision
	if out := s.machine.Decide("r1", transcript.DecisionDeny, transcript.OriginLocal); out.Applied {
		t.Error("expected restored allow to stay terminal")
	}
	if out := s.machine.Decide("r2", transcript.DecisionAllow, transcript.OriginLocal); out.Applied {
		t.Error("expected restored deny to stay terminal")
	}
	if out := s.machine.Decide("r3", transcript.DecisionDeny, transcript.OriginLocal); out.Applied {
		t.Error("expected auto-approved request to stay terminal")
	}
	if out := s.machine.Submit("r4", "again"); out.Applied {
		t.Error("expected answered input to stay terminal")
	}
}

func TestSession_PendingRequestsCounted(t *testing.T) {
	s := NewSession("s1")
	s.machine.RegisterPermission("r1", false)
	s.machine.RegisterInput("r2")

	if got := s.Info().PendingRequests; got != 2 {
		t.Errorf("expected 2 pending requests, got %d", got)
	}

	s.machine.Decide("r1", transcript.DecisionAllow, transcript.OriginLocal)
	if got := s.Info().PendingRequests; got != 1 {
		t.Errorf("expected 1 pending request after decision, got %d", got)
	}
}

// ============================================================================
// Projections
// ============================================================================

func TestSession_PlainText(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`+"\n"+
			`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"world"}]}}`+"\n")

	s := NewSession("s1")
	s.fullPath = path

	// Unloaded shells never force a parse
	if got := s.PlainText(); got != "" {
		t.Errorf("expected empty text before load, got %q", got)
	}

	if err := s.LoadFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.PlainText(); got != "hello\nworld\n" {
		t.Errorf("expected flattened text, got %q", got)
	}
}

func TestSession_Markdown(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"export me"}}`+"\n")

	s := NewSession("s1")
	s.fullPath = path
	s.customTitle = "Export Demo"
	if err := s.LoadFromFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	md := s.Markdown()
	if !strings.Contains(md, "# Export Demo") {
		t.Errorf("expected title heading, got %q", md)
	}
	if !strings.Contains(md, "export me") {
		t.Errorf("expected prompt text, got %q", md)
	}
	if !strings.Contains(md, "**User:**") {
		t.Errorf("expected user marker, got %q", md)
	}
}

// ============================================================================
// Question answers
// ============================================================================

func TestPerQuestionAnswers(t *testing.T) {
	questions := []transcript.Question{
		{Question: "Which database?"},
		{Question: "Which regions?"},
	}

	tests := []struct {
		name string
		sel  transcript.AnswerSelection
		want map[string]string
	}{
		{
			name: "selections per question",
			sel:  transcript.AnswerSelection{Selected: map[int][]string{0: {"Postgres"}, 1: {"us-east", "eu-west"}}},
			want: map[string]string{"Which database?": "Postgres", "Which regions?": "us-east, eu-west"},
		},
		{
			name: "free text alone lands on first question",
			sel:  transcript.AnswerSelection{FreeText: "SQLite is fine"},
			want: map[string]string{"Which database?": "SQLite is fine"},
		},
		{
			name: "free text appends to first selection",
			sel:  transcript.AnswerSelection{Selected: map[int][]string{0: {"Postgres"}}, FreeText: "with pgbouncer"},
			want: map[string]string{"Which database?": "Postgres\nwith pgbouncer"},
		},
		{
			name: "nothing selected",
			sel:  transcript.AnswerSelection{},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := perQuestionAnswers(questions, tt.sel)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d answers, got %d (%v)", len(tt.want), len(got), got)
			}
			for q, a := range tt.want {
				if got[q] != a {
					t.Errorf("question %q: expected %q, got %q", q, a, got[q])
				}
			}
		})
	}
}
