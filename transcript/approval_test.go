package transcript

import (
	"testing"
)

// =============================================================================
// Permission Decision Tests
// =============================================================================

func TestMachine_AutoApprovedIsTerminal(t *testing.T) {
	m := NewMachine()
	if state := m.RegisterPermission("req-1", true); state != StateAutoApproved {
		t.Fatalf("expected auto_approved, got %s", state)
	}

	// A conflicting denial arriving later from another surface is ignored.
	out := m.Decide("req-1", DecisionDeny, OriginBroadcast)
	if out.Applied {
		t.Fatal("expected late denial to be a no-op")
	}
	if out.State != StateAutoApproved {
		t.Errorf("expected state auto_approved, got %s", out.State)
	}
	if out.Decision != DecisionAllow {
		t.Errorf("expected decision allow, got %s", out.Decision)
	}
	if out.Origin != OriginAuto {
		t.Errorf("expected origin auto, got %s", out.Origin)
	}
}

func TestMachine_FirstDecisionWins(t *testing.T) {
	m := NewMachine()
	m.RegisterPermission("req-1", false)

	first := m.Decide("req-1", DecisionAllow, OriginLocal)
	if !first.Applied || first.State != StateAllowed {
		t.Fatalf("expected first decision applied, got %+v", first)
	}

	second := m.Decide("req-1", DecisionDeny, OriginBroadcast)
	if second.Applied {
		t.Fatal("expected second decision to be a no-op")
	}
	if second.State != StateAllowed || second.Decision != DecisionAllow {
		t.Errorf("expected allow to stand, got %+v", second)
	}
	if second.Origin != OriginLocal {
		t.Errorf("expected winning origin local, got %s", second.Origin)
	}
}

func TestMachine_DenyApplied(t *testing.T) {
	m := NewMachine()
	m.RegisterPermission("req-1", false)

	out := m.Decide("req-1", DecisionDeny, OriginLocal)
	if !out.Applied || out.State != StateDenied {
		t.Fatalf("expected denied, got %+v", out)
	}
}

func TestMachine_UnknownRequestIsNoop(t *testing.T) {
	m := NewMachine()
	if out := m.Decide("missing", DecisionAllow, OriginLocal); out.Applied {
		t.Fatal("expected decision on unknown id to be a no-op")
	}
	if out := m.Submit("missing", "answer"); out.Applied {
		t.Fatal("expected submission on unknown id to be a no-op")
	}
}

func TestMachine_RegisterIsIdempotent(t *testing.T) {
	m := NewMachine()
	m.RegisterPermission("req-1", false)
	m.Decide("req-1", DecisionAllow, OriginLocal)

	// Replaying the transcript registers the same id again.
	if state := m.RegisterPermission("req-1", false); state != StateAllowed {
		t.Errorf("expected decision preserved across re-register, got %s", state)
	}
}

func TestMachine_BroadcastDecisionApplies(t *testing.T) {
	m := NewMachine()
	m.RegisterPermission("req-1", false)

	out := m.Decide("req-1", DecisionDeny, OriginBroadcast)
	if !out.Applied || out.Origin != OriginBroadcast {
		t.Fatalf("expected broadcast decision to apply to a pending request, got %+v", out)
	}
}

// =============================================================================
// Input Submission Tests
// =============================================================================

func TestMachine_SubmitExactlyOnce(t *testing.T) {
	m := NewMachine()
	m.RegisterInput("req-1")

	out := m.Submit("req-1", "42")
	if !out.Applied || out.State != StateSubmitted {
		t.Fatalf("expected submission applied, got %+v", out)
	}
	if out.Answer != "42" {
		t.Errorf("expected answer 42, got %q", out.Answer)
	}

	// Resubmitting is a no-op and the first answer stands.
	again := m.Submit("req-1", "43")
	if again.Applied {
		t.Fatal("expected resubmission to be a no-op")
	}
	if again.Answer != "42" {
		t.Errorf("expected original answer preserved, got %q", again.Answer)
	}
}

func TestMachine_ClassesDoNotCross(t *testing.T) {
	m := NewMachine()
	m.RegisterPermission("perm-1", false)
	m.RegisterInput("input-1")

	if out := m.Submit("perm-1", "text"); out.Applied {
		t.Fatal("expected submit on a permission request to be a no-op")
	}
	if out := m.Decide("input-1", DecisionAllow, OriginLocal); out.Applied {
		t.Fatal("expected decide on an input request to be a no-op")
	}
}

func TestMachine_PendingIDs(t *testing.T) {
	m := NewMachine()
	m.RegisterPermission("req-1", false)
	m.RegisterPermission("req-2", true)
	m.RegisterInput("req-3")
	m.Decide("req-1", DecisionAllow, OriginLocal)

	pending := m.PendingIDs()
	if len(pending) != 1 || pending[0] != "req-3" {
		t.Fatalf("expected [req-3], got %v", pending)
	}
}

// =============================================================================
// Block Stamping Tests
// =============================================================================

func TestMachine_StampPermission(t *testing.T) {
	m := NewMachine()
	m.RegisterPermission("req-1", false)
	m.Decide("req-1", DecisionDeny, OriginLocal)

	b := &PermissionRequestBlock{RequestID: "req-1", ToolName: "Bash"}
	m.Stamp(b)
	if !b.Decided || b.Decision != DecisionDeny || b.DecidedBy != OriginLocal {
		t.Errorf("expected stamped denial, got %+v", b)
	}
}

func TestMachine_StampLeavesPendingUntouched(t *testing.T) {
	m := NewMachine()
	m.RegisterPermission("req-1", false)

	b := &PermissionRequestBlock{RequestID: "req-1", ToolName: "Bash"}
	m.Stamp(b)
	if b.Decided {
		t.Error("expected pending request left undecided")
	}
}

func TestMachine_StampInput(t *testing.T) {
	m := NewMachine()
	m.RegisterInput("req-1")
	m.Submit("req-1", "42")

	b := &InputRequestBlock{RequestID: "req-1", Prompt: "enter a number"}
	m.Stamp(b)
	if !b.Submitted || b.Answer != "42" {
		t.Errorf("expected stamped submission, got %+v", b)
	}
}

// =============================================================================
// Answer Formatting Tests
// =============================================================================

func TestFormatAnswers(t *testing.T) {
	single := []Question{{Question: "Pick a color", Options: []Option{{Label: "red"}, {Label: "blue"}}}}
	multi := []Question{
		{Question: "Pick a color", Header: "Color", Options: []Option{{Label: "red"}, {Label: "blue"}}},
		{Question: "Pick a size", Options: []Option{{Label: "S"}, {Label: "M"}}},
	}

	tests := []struct {
		name      string
		questions []Question
		sel       AnswerSelection
		want      string
	}{
		{
			name:      "single question single choice",
			questions: single,
			sel:       AnswerSelection{Selected: map[int][]string{0: {"red"}}},
			want:      "red",
		},
		{
			name:      "single question multi select",
			questions: single,
			sel:       AnswerSelection{Selected: map[int][]string{0: {"red", "blue"}}},
			want:      "red, blue",
		},
		{
			name:      "free text only",
			questions: single,
			sel:       AnswerSelection{FreeText: "42"},
			want:      "42",
		},
		{
			name:      "single question with trailing free text",
			questions: single,
			sel:       AnswerSelection{Selected: map[int][]string{0: {"red"}}, FreeText: "but darker"},
			want:      "red\nbut darker",
		},
		{
			name:      "multiple questions use header or question",
			questions: multi,
			sel:       AnswerSelection{Selected: map[int][]string{0: {"red"}, 1: {"S", "M"}}},
			want:      "Color: red\nPick a size: S, M",
		},
		{
			name:      "unanswered questions are skipped",
			questions: multi,
			sel:       AnswerSelection{Selected: map[int][]string{1: {"M"}}},
			want:      "Pick a size: M",
		},
		{
			name:      "multiple questions with free text",
			questions: multi,
			sel:       AnswerSelection{Selected: map[int][]string{0: {"blue"}}, FreeText: "ship it"},
			want:      "Color: blue\nship it",
		},
		{
			name:      "empty selection",
			questions: multi,
			sel:       AnswerSelection{},
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatAnswers(tt.questions, tt.sel); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMachine_SubmitAnswersFormatsOnce(t *testing.T) {
	m := NewMachine()
	m.RegisterInput("req-1")
	questions := []Question{{Question: "Proceed?", Options: []Option{{Label: "yes"}, {Label: "no"}}}}

	out := m.SubmitAnswers("req-1", questions, AnswerSelection{Selected: map[int][]string{0: {"yes"}}})
	if !out.Applied || out.Answer != "yes" {
		t.Fatalf("expected formatted submission, got %+v", out)
	}

	again := m.SubmitAnswers("req-1", questions, AnswerSelection{Selected: map[int][]string{0: {"no"}}})
	if again.Applied || again.Answer != "yes" {
		t.Fatalf("expected resubmission ignored, got %+v", again)
	}
}
