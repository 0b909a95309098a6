package claude

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xiaoyuanzhu-com/claude-console/claude/models"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}

func appendToFile(t *testing.T, path, content string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("failed to open file for append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
}

// ============================================================================
// Full reads
// ============================================================================

func TestReadSessionFile_ParsesInOrder(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`+"\n"+
			`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`+"\n"+
			`{"type":"result","uuid":"r1","timestamp":"2026-08-25T10:00:06Z","subtype":"success"}`+"\n")

	messages, err := ReadSessionFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}

	wantTypes := []string{"user", "assistant", "result"}
	for i, want := range wantTypes {
		if got := messages[i].GetType(); got != want {
			t.Errorf("message %d: expected type %s, got %s", i, want, got)
		}
	}
	if messages[0].GetUUID() != "u1" {
		t.Errorf("expected uuid u1, got %s", messages[0].GetUUID())
	}
}

func TestReadSessionFile_SkipsBlankLines(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`+"\n"+
			"\n"+
			"   \n"+
			`{"type":"user","uuid":"u2","timestamp":"2026-08-25T10:01:00Z","message":{"role":"user","content":"again"}}`+"\n")

	messages, err := ReadSessionFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(messages))
	}
}

func TestReadSessionFile_ToleratesMalformedLines(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`+"\n"+
			`this is not json`+"\n"+
			`{"type":"user","uuid":"u2","timestamp":"2026-08-25T10:01:00Z","message":{"role":"user","content":"still here"}}`+"\n")

	messages, err := ReadSessionFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages (malformed kept as unknown), got %d", len(messages))
	}
	if _, ok := messages[1].(*models.UnknownSessionMessage); !ok {
		t.Errorf("expected malformed line to parse as unknown, got %T", messages[1])
	}
	if messages[2].GetUUID() != "u2" {
		t.Errorf("expected read to continue past malformed line, got uuid %s", messages[2].GetUUID())
	}
}

func TestReadSessionFile_UnmodeledTypeKept(t *testing.T) {
	path := writeFile(t, `{"type":"file-history-snapshot","uuid":"f1"}`+"\n")

	messages, err := ReadSessionFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if got := messages[0].GetType(); got != "file-history-snapshot" {
		t.Errorf("expected type to be preserved, got %s", got)
	}
}

func TestReadSessionFile_Missing(t *testing.T) {
	if _, err := ReadSessionFile(filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}
}

// ============================================================================
// Offset tailing
// ============================================================================

func TestReadSessionFileFrom_TailsAppendedRows(t *testing.T) {
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`+"\n")

	first, offset, err := ReadSessionFileFrom(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 message, got %d", len(first))
	}

	appendToFile(t, path,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-08-25T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`+"\n")

	second, newOffset, err := ReadSessionFileFrom(path, offset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected 1 appended message, got %d", len(second))
	}
	if second[0].GetUUID() != "a1" {
		t.Errorf("expected only the appended row, got uuid %s", second[0].GetUUID())
	}
	if newOffset <= offset {
		t.Errorf("expected offset to advance past %d, got %d", offset, newOffset)
	}
}

func TestReadSessionFileFrom_LeavesMidWriteLine(t *testing.T) {
	// Final line has no newline and is not complete JSON: the CLI is still
	// writing it. It must not be consumed.
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`+"\n"+
			`{"type":"assistant","uuid":"a1","timest`)

	messages, offset, err := ReadSessionFileFrom(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 complete message, got %d", len(messages))
	}

	// Finish the interrupted row, then resume from the returned offset
	appendToFile(t, path, `amp":"2026-08-25T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`+"\n")

	rest, _, err := ReadSessionFileFrom(path, offset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected the completed row on resume, got %d messages", len(rest))
	}
	if rest[0].GetUUID() != "a1" {
		t.Errorf("expected uuid a1, got %s", rest[0].GetUUID())
	}
	if rest[0].GetType() != "assistant" {
		t.Errorf("expected assistant, got %s", rest[0].GetType())
	}
}

func TestReadSessionFileFrom_ConsumesCompleteUnterminatedLine(t *testing.T) {
	// No trailing newline, but the JSON is complete, so it counts.
	path := writeFile(t,
		`{"type":"user","uuid":"u1","timestamp":"2026-08-25T10:00:00Z","message":{"role":"user","content":"hello"}}`)

	messages, offset, err := ReadSessionFileFrom(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if offset != info.Size() {
		t.Errorf("expected offset %d to cover the whole file, got %d", info.Size(), offset)
	}
}

func TestReadSessionFileFrom_EmptyFile(t *testing.T) {
	path := writeFile(t, "")

	messages, offset, err := ReadSessionFileFrom(path, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected 0 messages, got %d", len(messages))
	}
	if offset != 0 {
		t.Errorf("expected offset 0, got %d", offset)
	}
}
