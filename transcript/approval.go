package transcript

import (
	"strings"
	"sync"
)

// ApprovalState is the lifecycle state of a permission or input request.
//
// Permission requests move pending -> allowed | denied, or are born
// auto_approved. Input requests (free text and question forms) move
// pending -> submitted. Every non-pending state is terminal.
type ApprovalState string

const (
	StatePending      ApprovalState = "pending"
	StateAutoApproved ApprovalState = "auto_approved"
	StateAllowed      ApprovalState = "allowed"
	StateDenied       ApprovalState = "denied"
	StateSubmitted    ApprovalState = "submitted"
)

// Terminal reports whether no further transition is possible from s.
func (s ApprovalState) Terminal() bool { return s != StatePending }

type requestClass int

const (
	classPermission requestClass = iota
	classInput
)

type requestState struct {
	class    requestClass
	state    ApprovalState
	decision Decision
	origin   DecisionOrigin
	answer   string
}

// Outcome reports the effect of a decision or submission attempt. Applied is
// false when the attempt was a no-op: unknown request id, or a terminal state
// reached earlier. The remaining fields always describe the authoritative
// state after the call, so a losing caller still learns what won.
type Outcome struct {
	Applied  bool
	State    ApprovalState
	Decision Decision
	Origin   DecisionOrigin
	Answer   string
}

// Machine is the single authority for request decisions in one session.
//
// Decisions can race: a connected client responds while a standing rule
// already allowed the call, or while another tab's decision is merged in.
// All transitions run under one lock and the first applied transition wins;
// everything later against the same request id is a recorded no-op, and a
// terminal state is never overridden regardless of the later decision's
// origin. The winning origin is kept so the transcript can say which path
// resolved the request.
type Machine struct {
	mu       sync.Mutex
	requests map[string]*requestState
	order    []string
}

// NewMachine returns an empty approval machine.
func NewMachine() *Machine {
	return &Machine{requests: make(map[string]*requestState)}
}

// RegisterPermission records a new permission request. Auto-approved
// requests are terminal from the moment they exist. Re-registering an id is
// a no-op that returns the existing state, so replaying a transcript never
// resets a decision.
func (m *Machine) RegisterPermission(requestID string, autoApproved bool) ApprovalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.requests[requestID]; ok {
		return rs.state
	}
	rs := &requestState{class: classPermission, state: StatePending}
	if autoApproved {
		rs.state = StateAutoApproved
		rs.decision = DecisionAllow
		rs.origin = OriginAuto
	}
	m.requests[requestID] = rs
	m.order = append(m.order, requestID)
	return rs.state
}

// RegisterInput records a new input or question request as pending.
func (m *Machine) RegisterInput(requestID string) ApprovalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.requests[requestID]; ok {
		return rs.state
	}
	m.requests[requestID] = &requestState{class: classInput, state: StatePending}
	m.order = append(m.order, requestID)
	return StatePending
}

// Decide applies a permission decision. Unknown ids and requests already in
// a terminal state are no-ops.
func (m *Machine) Decide(requestID string, decision Decision, origin DecisionOrigin) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.requests[requestID]
	if !ok || rs.class != classPermission {
		return Outcome{}
	}
	if rs.state.Terminal() {
		return m.outcomeLocked(rs, false)
	}
	rs.decision = decision
	rs.origin = origin
	if decision == DecisionAllow {
		rs.state = StateAllowed
	} else {
		rs.state = StateDenied
	}
	return m.outcomeLocked(rs, true)
}

// Submit applies a free-text answer to an input request, exactly once.
func (m *Machine) Submit(requestID string, answer string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.requests[requestID]
	if !ok || rs.class != classInput {
		return Outcome{}
	}
	if rs.state.Terminal() {
		return m.outcomeLocked(rs, false)
	}
	rs.state = StateSubmitted
	rs.answer = answer
	rs.origin = OriginLocal
	return m.outcomeLocked(rs, true)
}

// SubmitAnswers formats a question-form selection deterministically and
// submits it, exactly once.
func (m *Machine) SubmitAnswers(requestID string, questions []Question, sel AnswerSelection) Outcome {
	return m.Submit(requestID, FormatAnswers(questions, sel))
}

func (m *Machine) outcomeLocked(rs *requestState, applied bool) Outcome {
	return Outcome{
		Applied:  applied,
		State:    rs.state,
		Decision: rs.decision,
		Origin:   rs.origin,
		Answer:   rs.answer,
	}
}

// StateOf returns the current state for a request id.
func (m *Machine) StateOf(requestID string) (ApprovalState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.requests[requestID]
	if !ok {
		return "", false
	}
	return rs.state, true
}

// PendingIDs lists undecided request ids in registration order, for
// re-sending outstanding prompts to a client that just connected.
func (m *Machine) PendingIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if rs := m.requests[id]; rs != nil && !rs.state.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stamp copies the authoritative state for a request onto its transcript
// block. Blocks are rebuilt from scratch on every snapshot, so the machine
// re-stamps them rather than the builder guessing; blocks the machine does
// not know keep whatever the source already recorded.
func (m *Machine) Stamp(b Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := b.(type) {
	case *PermissionRequestBlock:
		rs, ok := m.requests[v.RequestID]
		if !ok || !rs.state.Terminal() {
			return
		}
		v.Decided = true
		v.Decision = rs.decision
		v.DecidedBy = rs.origin
		if rs.state == StateAutoApproved {
			v.AutoApproved = true
		}
	case *InputRequestBlock:
		rs, ok := m.requests[v.RequestID]
		if !ok || rs.state != StateSubmitted {
			return
		}
		v.Submitted = true
		v.Answer = rs.answer
	case *AskUserQuestionBlock:
		rs, ok := m.requests[v.RequestID]
		if !ok || rs.state != StateSubmitted {
			return
		}
		v.Submitted = true
		v.Answer = rs.answer
	}
}

// AnswerSelection holds a question-form submission before formatting: chosen
// option labels per question index, plus optional trailing free text.
type AnswerSelection struct {
	Selected map[int][]string
	FreeText string
}

// FormatAnswers renders a form submission as the single answer string sent
// back to the agent. The format is deterministic:
//
//   - one question: the selected labels joined by ", "
//   - several questions: one line per answered question,
//     "<header or question>: <labels>", joined by newline
//   - free text, when present, is appended as a trailing line
//
// A submission with no selections and only free text is exactly the free
// text, with no leading newline.
func FormatAnswers(questions []Question, sel AnswerSelection) string {
	var lines []string
	if len(questions) == 1 {
		if labels := strings.Join(sel.Selected[0], ", "); labels != "" {
			lines = append(lines, labels)
		}
	} else {
		for i, q := range questions {
			labels := strings.Join(sel.Selected[i], ", ")
			if labels == "" {
				continue
			}
			name := q.Header
			if name == "" {
				name = q.Question
			}
			lines = append(lines, name+": "+labels)
		}
	}
	if ft := strings.TrimSpace(sel.FreeText); ft != "" {
		lines = append(lines, ft)
	}
	return strings.Join(lines, "\n")
}
