package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/xiaoyuanzhu-com/claude-console/claude/models"
	"github.com/xiaoyuanzhu-com/claude-console/claude/runner"
	"github.com/xiaoyuanzhu-com/claude-console/db"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/transcript"
)

var logger = log.GetLogger("claude")

// SessionStatus describes what a session is doing right now.
type SessionStatus string

const (
	// StatusIdle: historical transcript, no CLI process attached.
	StatusIdle SessionStatus = "idle"
	// StatusConnected: CLI attached and waiting for input.
	StatusConnected SessionStatus = "connected"
	// StatusRunning: CLI attached and a turn is in flight.
	StatusRunning SessionStatus = "running"
)

// Client is one WebSocket connection attached to a session.
type Client struct {
	Conn *websocket.Conn
	Send chan []byte
}

// SessionInfo is the JSON snapshot of a session's metadata for list and
// detail endpoints.
type SessionInfo struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	CustomTitle     string        `json:"customTitle,omitempty"`
	Summary         string        `json:"summary,omitempty"`
	FirstPrompt     string        `json:"firstPrompt,omitempty"`
	ProjectPath     string        `json:"projectPath,omitempty"`
	CWD             string        `json:"cwd,omitempty"`
	GitBranch       string        `json:"gitBranch,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	MessageCount    int           `json:"messageCount"`
	LastReadCount   int           `json:"lastReadCount"`
	Status          SessionStatus `json:"status"`
	Processing      bool          `json:"processing"`
	Archived        bool          `json:"archived"`
	PermissionMode  string        `json:"permissionMode,omitempty"`
	PendingRequests int           `json:"pendingRequests"`
}

// promptMeta retains what a control-channel prompt asked, so the response can
// be shaped for the wire after the user answers.
type promptMeta struct {
	kind      transcript.Kind
	toolName  string
	input     json.RawMessage
	prompt    string
	questions []transcript.Question
}

// Session is one transcript plus everything the console layers on top of it:
// approval state, elapsed timers, connected clients, and (when active) the
// CLI process producing new messages.
//
// Historical sessions are fed from their JSONL file; active sessions are fed
// from the CLI stream and leave the file alone until the process exits.
type Session struct {
	ID string

	mu sync.RWMutex

	// metadata
	fullPath       string
	projectPath    string
	cwd            string
	gitBranch      string
	createdAt      time.Time
	updatedAt      time.Time
	firstPrompt    string
	summary        string
	customTitle    string
	archived       bool
	permissionMode string
	lastReadCount  int
	alwaysAllowed  map[string]bool

	// transcript event log, replayed in order to rebuild blocks
	events       []TranscriptEvent
	fileOffset   int64
	messageCount int
	blocks       []transcript.Block
	blocksStale  bool
	loaded       bool

	machine *transcript.Machine
	tracker *transcript.Tracker
	prompts map[string]*promptMeta

	// live process
	run        *runner.Runner
	runCtx     context.Context
	processing bool
	activateFn func() error

	clients map[*Client]bool

	// onChange is the manager's hook for list updates and search indexing.
	onChange func(s *Session)
}

// NewSession builds an empty session shell. The manager fills in metadata
// from disk, the database, or a live init message.
func NewSession(id string) *Session {
	return &Session{
		ID:            id,
		machine:       transcript.NewMachine(),
		tracker:       transcript.NewTracker(),
		prompts:       make(map[string]*promptMeta),
		clients:       make(map[*Client]bool),
		alwaysAllowed: make(map[string]bool),
	}
}

// ============================================================================
// Metadata
// ============================================================================

// ComputeDisplayTitle picks the best available title.
// Priority: CustomTitle > Summary > FirstPrompt > "Untitled".
func (s *Session) ComputeDisplayTitle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayTitleLocked()
}

func (s *Session) displayTitleLocked() string {
	if s.customTitle != "" {
		return s.customTitle
	}
	if s.summary != "" {
		return s.summary
	}
	if s.firstPrompt != "" {
		return s.firstPrompt
	}
	return "Untitled"
}

// Info snapshots the session metadata for JSON responses.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:              s.ID,
		Title:           s.displayTitleLocked(),
		CustomTitle:     s.customTitle,
		Summary:         s.summary,
		FirstPrompt:     s.firstPrompt,
		ProjectPath:     s.projectPath,
		CWD:             s.cwd,
		GitBranch:       s.gitBranch,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
		MessageCount:    s.messageCount,
		LastReadCount:   s.lastReadCount,
		Status:          s.statusLocked(),
		Processing:      s.processing,
		Archived:        s.archived,
		PermissionMode:  s.permissionMode,
		PendingRequests: len(s.machine.PendingIDs()),
	}
}

func (s *Session) statusLocked() SessionStatus {
	switch {
	case s.run == nil:
		return StatusIdle
	case s.processing:
		return StatusRunning
	default:
		return StatusConnected
	}
}

// Active reports whether a CLI process is attached.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run != nil
}

// UpdatedAt returns the last activity time, for list ordering.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Archived reports the archive flag.
func (s *Session) Archived() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archived
}

// FullPath returns the JSONL path backing this session, if known.
func (s *Session) FullPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fullPath
}

// SetArchived persists and applies the archive flag.
func (s *Session) SetArchived(archived bool) error {
	var err error
	if archived {
		err = db.ArchiveSession(s.ID)
	} else {
		err = db.UnarchiveSession(s.ID)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.archived = archived
	s.mu.Unlock()
	s.changed()
	return nil
}

// SetCustomTitle persists a user- or model-provided title.
func (s *Session) SetCustomTitle(title string) error {
	if err := db.SetSessionCustomTitle(s.ID, title); err != nil {
		return err
	}
	s.mu.Lock()
	s.customTitle = title
	s.mu.Unlock()
	s.changed()
	return nil
}

// MarkRead records how far the user has read into the transcript.
func (s *Session) MarkRead(count int) error {
	if err := db.SetSessionLastReadCount(s.ID, count); err != nil {
		return err
	}
	s.mu.Lock()
	if count > s.lastReadCount {
		s.lastReadCount = count
	}
	s.mu.Unlock()
	return nil
}

// SetPermissionMode persists the permission mode and, when a process is
// attached, switches it immediately.
func (s *Session) SetPermissionMode(ctx context.Context, mode string) error {
	if err := db.SetSessionPermissionMode(s.ID, mode); err != nil {
		return err
	}
	s.mu.Lock()
	s.permissionMode = mode
	run := s.run
	s.mu.Unlock()
	if run != nil {
		if err := run.SetPermissionMode(ctx, mode); err != nil {
			return err
		}
	}
	s.changed()
	return nil
}

// applyRecord copies persisted console state onto the session.
func (s *Session) applyRecord(rec *db.SessionRecord) {
	if rec == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = rec.ArchivedAt != nil
	s.lastReadCount = rec.LastReadCount
	s.permissionMode = rec.PermissionMode
	s.customTitle = rec.CustomTitle
	for _, t := range rec.AlwaysAllowedTools {
		s.alwaysAllowed[t] = true
	}
}

// RestoreDecisions replays the persisted approval trail into the state
// machine so request ids decided in an earlier run stay terminal. Prompt
// blocks themselves are ephemeral and are not restored.
func (s *Session) RestoreDecisions(recs []db.DecisionRecord) {
	for _, rec := range recs {
		switch rec.Decision {
		case "allow", "deny":
			auto := rec.DecidedBy == string(transcript.OriginAuto)
			s.machine.RegisterPermission(rec.RequestID, auto)
			if !auto {
				d := transcript.DecisionAllow
				if rec.Decision == "deny" {
					d = transcript.DecisionDeny
				}
				s.machine.Decide(rec.RequestID, d, transcript.DecisionOrigin(rec.DecidedBy))
			}
		case "answered":
			s.machine.RegisterInput(rec.RequestID)
			s.machine.Submit(rec.RequestID, "")
		}
	}
}

// ============================================================================
// Transcript assembly
// ============================================================================

// LoadFromFile replaces the message log with the full file contents. Control
// prompt blocks are re-appended at the end, so prompts (answered or not)
// survive a reload even though the CLI never writes them to the file.
func (s *Session) LoadFromFile() error {
	s.mu.Lock()
	path := s.fullPath
	s.mu.Unlock()
	if path == "" {
		return nil
	}

	messages, offset, err := ReadSessionFileFrom(path, 0)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var kept []TranscriptEvent
	for _, ev := range s.events {
		if ev.Block != nil {
			kept = append(kept, ev)
		}
	}
	s.events = s.events[:0]
	s.messageCount = 0
	s.firstPrompt = ""
	s.summary = ""
	for _, msg := range messages {
		s.appendMessageLocked(msg)
	}
	s.events = append(s.events, kept...)
	s.fileOffset = offset
	s.blocksStale = true
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// EnsureLoaded parses the backing file on first access. Sessions discovered
// by the directory scan are cheap shells until someone opens them.
func (s *Session) EnsureLoaded() error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	return s.LoadFromFile()
}

// RefreshFromFile reads messages appended since the last read. A shrunken
// file means a rewrite (compaction), which forces a full reload.
func (s *Session) RefreshFromFile() error {
	s.mu.Lock()
	if s.run != nil {
		// The stream is the source of truth while a process is attached.
		s.mu.Unlock()
		return nil
	}
	path := s.fullPath
	offset := s.fileOffset
	loaded := s.loaded
	s.mu.Unlock()
	if path == "" {
		return nil
	}
	if !loaded {
		err := s.LoadFromFile()
		if err == nil {
			s.broadcastTranscript()
			s.changed()
		}
		return err
	}

	messages, newOffset, err := ReadSessionFileFrom(path, offset)
	if err != nil {
		return err
	}
	if newOffset < offset {
		return s.LoadFromFile()
	}

	s.mu.Lock()
	for _, msg := range messages {
		s.appendMessageLocked(msg)
	}
	s.fileOffset = newOffset
	if len(messages) > 0 {
		s.blocksStale = true
	}
	s.mu.Unlock()

	if len(messages) > 0 {
		s.broadcastTranscript()
		s.changed()
	}
	return nil
}

// appendMessageLocked adds one message event and folds its metadata into the
// session. Callers hold s.mu.
func (s *Session) appendMessageLocked(msg models.SessionMessageI) {
	s.events = append(s.events, TranscriptEvent{Message: msg})
	s.messageCount++
	s.blocksStale = true

	if ts := parseTimestamp(msg.GetTimestamp()); !ts.IsZero() {
		if s.createdAt.IsZero() || ts.Before(s.createdAt) {
			s.createdAt = ts
		}
		if ts.After(s.updatedAt) {
			s.updatedAt = ts
		}
	}

	switch m := msg.(type) {
	case *models.UserSessionMessage:
		if s.firstPrompt == "" && !isSidechain(&m.EnvelopeFields) && !m.IsCompactSummary {
			if prompt := strings.TrimSpace(m.GetUserPrompt()); prompt != "" {
				s.firstPrompt = truncateTitle(prompt)
			}
		}
		s.absorbEnvelopeLocked(&m.EnvelopeFields)
	case *models.AssistantSessionMessage:
		s.absorbEnvelopeLocked(&m.EnvelopeFields)
	case *models.SystemInitMessage:
		if m.Cwd != "" {
			s.cwd = m.Cwd
		}
		if m.PermissionMode != "" && s.permissionMode == "" {
			s.permissionMode = m.PermissionMode
		}
	case *models.SummarySessionMessage:
		if m.Summary != "" {
			s.summary = m.Summary
		}
	case *models.CustomTitleSessionMessage:
		if m.CustomTitle != "" {
			s.customTitle = m.CustomTitle
		}
	}
}

func (s *Session) absorbEnvelopeLocked(env *models.EnvelopeFields) {
	if env.GitBranch != "" {
		s.gitBranch = env.GitBranch
	}
	if env.CWD != "" && s.cwd == "" {
		s.cwd = env.CWD
	}
}

// appendBlockLocked adds a control-channel block event. Callers hold s.mu.
func (s *Session) appendBlockLocked(b transcript.Block) {
	s.events = append(s.events, TranscriptEvent{Block: b})
	s.blocksStale = true
	now := time.Now()
	if now.After(s.updatedAt) {
		s.updatedAt = now
	}
}

// Blocks rebuilds (or returns the cached) block sequence for this session.
func (s *Session) Blocks() []transcript.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocksLocked()
}

func (s *Session) blocksLocked() []transcript.Block {
	if s.blocksStale || s.blocks == nil {
		s.blocks = AssembleBlocks(s.events)
		s.blocksStale = false
	}
	return s.blocks
}

// View assembles the grouped, correlated, stamped projection of the
// transcript for clients. Held under the session lock so stamping never
// races a concurrent marshal of the same blocks.
func (s *Session) View() ([]transcript.ViewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transcript.BuildView(s.blocksLocked(), s.machine, s.tracker)
}

// maxSearchContent caps flattened transcript text pushed to the search
// index.
const maxSearchContent = 64 * 1024

// PlainText flattens conversational text for search indexing. Sessions not
// yet loaded from disk return "" instead of forcing a parse.
func (s *Session) PlainText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ""
	}
	var sb strings.Builder
	for _, b := range s.blocksLocked() {
		if t, ok := b.(*transcript.TextBlock); ok {
			sb.WriteString(t.Text)
			sb.WriteByte('\n')
			if sb.Len() > maxSearchContent {
				break
			}
		}
	}
	text := sb.String()
	if len(text) > maxSearchContent {
		text = text[:maxSearchContent]
	}
	return text
}

// Markdown renders the transcript for export.
func (s *Session) Markdown() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := s.blocksLocked()
	for _, b := range blocks {
		s.machine.Stamp(b)
	}
	return transcript.RenderMarkdown(s.displayTitleLocked(), blocks)
}

// ============================================================================
// Live process
// ============================================================================

// AttachRunner connects a live CLI process to the session and starts pumping
// its stream. The context bounds the pump goroutines and elapsed ticking.
func (s *Session) AttachRunner(ctx context.Context, run *runner.Runner) {
	s.mu.Lock()
	s.run = run
	s.runCtx = ctx
	s.mu.Unlock()

	go s.pumpMessages(run)
	go s.pumpRequests(run)
	go func() {
		<-run.Done()
		s.detachRunner()
	}()

	s.broadcastStatus()
	s.changed()
}

// SetActivateFn installs the manager's lazy activation hook, called when
// input arrives for a session with no process attached.
func (s *Session) SetActivateFn(fn func() error) {
	s.mu.Lock()
	s.activateFn = fn
	s.mu.Unlock()
}

// EnsureActive spawns the CLI process if none is attached.
func (s *Session) EnsureActive() error {
	s.mu.Lock()
	if s.run != nil {
		s.mu.Unlock()
		return nil
	}
	fn := s.activateFn
	s.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("session %s cannot be activated", s.ID)
	}
	return fn()
}

func (s *Session) detachRunner() {
	s.mu.Lock()
	if s.run == nil {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.runCtx = nil
	s.processing = false
	s.mu.Unlock()

	s.tracker.StopAll()

	// The file is the authoritative record once the process exits; it also
	// holds rows the stream never carries (summaries, custom titles).
	if err := s.LoadFromFile(); err != nil {
		logger.Warn().Err(err).Str("sessionId", s.ID).Msg("reload after detach failed")
	}

	s.broadcastStatus()
	s.broadcastTranscript()
	s.changed()
}

func (s *Session) pumpMessages(run *runner.Runner) {
	for msg := range run.Messages() {
		s.ingestLive(msg)
	}
}

// ingestLive appends one streamed message and keeps timers and processing
// state in step with it.
func (s *Session) ingestLive(msg models.SessionMessageI) {
	now := time.Now()

	s.mu.Lock()
	s.appendMessageLocked(msg)
	runCtx := s.runCtx

	switch m := msg.(type) {
	case *models.AssistantSessionMessage:
		if m.Message != nil {
			for _, block := range m.Message.Blocks() {
				if block.Type == "tool_use" && block.ID != "" {
					s.tracker.Start(block.ID, now)
				}
			}
		}
	case *models.UserSessionMessage:
		for _, result := range m.ToolResults() {
			s.tracker.Freeze(result.ToolUseID, time.Duration(resultDurationMs(m.ToolUseResult))*time.Millisecond)
		}
	case *models.ResultSessionMessage:
		s.processing = false
	}
	processing := s.processing
	s.mu.Unlock()

	if _, ok := msg.(*models.ResultSessionMessage); ok {
		s.tracker.StopAll()
	}
	if runCtx != nil {
		s.tracker.EnsureTicking(runCtx, s.broadcastElapsed)
	}

	s.broadcastTranscript()
	if !processing {
		s.broadcastStatus()
	}
	s.changed()
}

func (s *Session) pumpRequests(run *runner.Runner) {
	for req := range run.Requests() {
		s.handleRequest(req)
	}
}

// handleRequest turns a forwarded can_use_tool request into a prompt block.
// AskUserQuestion maps to a question form (or a bare input prompt when it
// carries a single free-text question); everything else is a permission
// prompt, answered immediately when a standing allow rule covers the tool.
func (s *Session) handleRequest(req runner.Request) {
	now := time.Now()
	base := transcript.BlockBase{ID: "req:" + req.ID, CreatedAt: now}

	if req.ToolName == "AskUserQuestion" {
		var form struct {
			Questions []transcript.Question `json:"questions"`
		}
		if err := json.Unmarshal(req.Input, &form); err != nil || len(form.Questions) == 0 {
			logger.Warn().Err(err).Str("requestId", req.ID).Msg("unparseable question form, denying")
			s.respond(req.ID, runner.Response{Message: "Malformed question form"})
			return
		}
		s.machine.RegisterInput(req.ID)

		var block transcript.Block
		meta := &promptMeta{toolName: req.ToolName, input: req.Input, questions: form.Questions}
		if len(form.Questions) == 1 && len(form.Questions[0].Options) == 0 {
			meta.kind = transcript.KindInputRequest
			meta.prompt = form.Questions[0].Question
			block = &transcript.InputRequestBlock{BlockBase: base, RequestID: req.ID, Prompt: meta.prompt}
		} else {
			meta.kind = transcript.KindAskUserQuestion
			block = &transcript.AskUserQuestionBlock{BlockBase: base, RequestID: req.ID, Questions: form.Questions}
		}

		s.mu.Lock()
		s.prompts[req.ID] = meta
		s.appendBlockLocked(block)
		s.mu.Unlock()

		s.broadcastTranscript()
		s.changed()
		return
	}

	s.mu.Lock()
	auto := s.alwaysAllowed[req.ToolName]
	s.prompts[req.ID] = &promptMeta{kind: transcript.KindPermissionRequest, toolName: req.ToolName, input: req.Input}
	s.mu.Unlock()

	s.machine.RegisterPermission(req.ID, auto)
	block := &transcript.PermissionRequestBlock{
		BlockBase:    base,
		RequestID:    req.ID,
		ToolName:     req.ToolName,
		Input:        req.Input,
		AutoApproved: auto,
	}

	s.mu.Lock()
	s.appendBlockLocked(block)
	s.mu.Unlock()

	if auto {
		s.respond(req.ID, runner.Response{Allow: true})
		if err := db.InsertDecision(db.DecisionRecord{
			RequestID: req.ID,
			SessionID: s.ID,
			ToolName:  req.ToolName,
			Decision:  string(transcript.DecisionAllow),
			DecidedBy: string(transcript.OriginAuto),
		}); err != nil {
			logger.Warn().Err(err).Str("requestId", req.ID).Msg("persist auto decision failed")
		}
	}

	s.broadcastTranscript()
	s.changed()
}

// respond forwards a decision to the CLI, tolerating a process that already
// exited.
func (s *Session) respond(requestID string, resp runner.Response) {
	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()
	if run == nil {
		return
	}
	if err := run.Respond(requestID, resp); err != nil {
		logger.Warn().Err(err).Str("requestId", requestID).Msg("respond failed")
	}
}

// DecidePermission applies an allow/deny decision. The first applied decision
// wins; later calls are no-ops that still converge clients by rebroadcasting.
func (s *Session) DecidePermission(requestID string, allow, remember bool, origin transcript.DecisionOrigin) error {
	decision := transcript.DecisionDeny
	if allow {
		decision = transcript.DecisionAllow
	}

	out := s.machine.Decide(requestID, decision, origin)
	if out.Applied {
		s.mu.Lock()
		meta := s.prompts[requestID]
		s.mu.Unlock()

		toolName := ""
		if meta != nil {
			toolName = meta.toolName
		}

		resp := runner.Response{Allow: allow}
		if !allow {
			resp.Message = "User denied permission"
		}
		if allow && remember && toolName != "" {
			resp.UpdatedPermissions = []map[string]any{{
				"type":        "addRules",
				"rules":       []map[string]any{{"toolName": toolName}},
				"behavior":    "allow",
				"destination": "session",
			}}
			s.mu.Lock()
			s.alwaysAllowed[toolName] = true
			s.mu.Unlock()
			if err := db.AddAlwaysAllowedTool(s.ID, toolName); err != nil {
				logger.Warn().Err(err).Str("tool", toolName).Msg("persist always-allow failed")
			}
		}
		s.respond(requestID, resp)

		if err := db.InsertDecision(db.DecisionRecord{
			RequestID: requestID,
			SessionID: s.ID,
			ToolName:  toolName,
			Decision:  string(decision),
			DecidedBy: string(out.Origin),
			Remember:  remember,
		}); err != nil {
			logger.Warn().Err(err).Str("requestId", requestID).Msg("persist decision failed")
		}
	}

	s.broadcastTranscript()
	s.changed()
	return nil
}

// SubmitInput answers a free-text input prompt. Exactly one submission is
// forwarded; repeats fall out as no-ops.
func (s *Session) SubmitInput(requestID, text string) error {
	out := s.machine.Submit(requestID, text)
	if out.Applied {
		s.mu.RLock()
		meta := s.prompts[requestID]
		s.mu.RUnlock()
		answers := make(map[string]string, 1)
		if meta != nil && out.Answer != "" {
			answers[meta.prompt] = out.Answer
		}
		s.forwardAnswers(requestID, answers)
		s.recordAnswer(requestID)
	}
	s.broadcastTranscript()
	return nil
}

// SubmitAnswers answers a question form. The combined answer string is stored
// on the block; per-question answers go back to the CLI.
func (s *Session) SubmitAnswers(requestID string, sel transcript.AnswerSelection) error {
	s.mu.RLock()
	meta := s.prompts[requestID]
	s.mu.RUnlock()
	if meta == nil {
		return fmt.Errorf("unknown request %s", requestID)
	}

	if meta.kind == transcript.KindInputRequest {
		return s.SubmitInput(requestID, sel.FreeText)
	}

	out := s.machine.SubmitAnswers(requestID, meta.questions, sel)
	if out.Applied {
		s.forwardAnswers(requestID, perQuestionAnswers(meta.questions, sel))
		s.recordAnswer(requestID)
	}
	s.broadcastTranscript()
	return nil
}

// forwardAnswers replies to the CLI with the original input plus an answers
// map, which is how AskUserQuestion results flow back.
func (s *Session) forwardAnswers(requestID string, answers map[string]string) {
	s.mu.RLock()
	meta := s.prompts[requestID]
	s.mu.RUnlock()
	if meta == nil {
		return
	}

	updated := make(map[string]any)
	if len(meta.input) > 0 {
		if err := json.Unmarshal(meta.input, &updated); err != nil {
			updated = make(map[string]any)
		}
	}
	updated["answers"] = answers
	s.respond(requestID, runner.Response{Allow: true, UpdatedInput: updated})
}

func (s *Session) recordAnswer(requestID string) {
	s.mu.RLock()
	meta := s.prompts[requestID]
	s.mu.RUnlock()
	toolName := ""
	if meta != nil {
		toolName = meta.toolName
	}
	if err := db.InsertDecision(db.DecisionRecord{
		RequestID: requestID,
		SessionID: s.ID,
		ToolName:  toolName,
		Decision:  "answered",
		DecidedBy: string(transcript.OriginLocal),
	}); err != nil {
		logger.Warn().Err(err).Str("requestId", requestID).Msg("persist answer failed")
	}
}

// perQuestionAnswers shapes selections into the per-question answer map the
// CLI expects. Free text attaches to the first question when nothing was
// selected for it, otherwise on its own line.
func perQuestionAnswers(questions []transcript.Question, sel transcript.AnswerSelection) map[string]string {
	answers := make(map[string]string, len(questions))
	free := strings.TrimSpace(sel.FreeText)
	for i, q := range questions {
		answer := strings.Join(sel.Selected[i], ", ")
		if i == 0 && free != "" {
			if answer == "" {
				answer = free
			} else {
				answer += "\n" + free
			}
		}
		if answer != "" {
			answers[q.Question] = answer
		}
	}
	return answers
}

// SendUserMessage forwards user input to the CLI, spawning it first when the
// session is idle.
func (s *Session) SendUserMessage(ctx context.Context, text string) error {
	if err := s.EnsureActive(); err != nil {
		return err
	}

	s.mu.Lock()
	run := s.run
	if run == nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.ID, ErrNotActive)
	}
	s.processing = true

	// The stream does not echo input back, so record the user turn locally.
	// The CLI writes it to the JSONL file, which is re-read on detach.
	s.appendMessageLocked(syntheticUserMessage(s.ID, text))
	s.mu.Unlock()

	if err := run.SendUserMessage(ctx, text); err != nil {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
		return err
	}

	s.broadcastTranscript()
	s.broadcastStatus()
	s.changed()
	return nil
}

// Interrupt stops the current turn without killing the process.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()
	if run == nil {
		return fmt.Errorf("session %s: %w", s.ID, ErrNotActive)
	}
	return run.Interrupt(ctx)
}

// syntheticUserMessage builds the local echo of a user turn sent over stdin.
func syntheticUserMessage(sessionID, text string) *models.UserSessionMessage {
	content, _ := json.Marshal(text)
	msg := &models.UserSessionMessage{
		BaseMessage: models.BaseMessage{
			Type:      "user",
			UUID:      uuid.NewString(),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
		Message: &models.APIMessage{Role: "user", Content: content},
	}
	msg.SessionID = sessionID
	return msg
}

// ============================================================================
// Clients
// ============================================================================

// AddClient registers a WebSocket client and sends it a full snapshot so it
// can render without waiting for the next change.
func (s *Session) AddClient(client *Client) {
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	if data, err := s.snapshotFrame(); err == nil {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// RemoveClient unregisters a client and closes its send channel.
func (s *Session) RemoveClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.Send)
	}
}

// ClientCount reports connected clients, used to stop elapsed pushes when
// nobody is watching.
func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast fans data out to every connected client without blocking; a
// client with a full send buffer misses the frame and catches up on the next
// snapshot.
func (s *Session) Broadcast(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		select {
		case client.Send <- data:
		default:
			logger.Warn().Str("sessionId", s.ID).Msg("client send buffer full, skipping frame")
		}
	}
}

func (s *Session) snapshotFrame() ([]byte, error) {
	items, err := s.View()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type    string                `json:"type"`
		Session SessionInfo           `json:"session"`
		Items   []transcript.ViewItem `json:"items"`
	}{Type: "snapshot", Session: s.Info(), Items: items})
}

func (s *Session) broadcastTranscript() {
	if s.ClientCount() == 0 {
		return
	}
	items, err := s.View()
	if err != nil {
		logger.Warn().Err(err).Str("sessionId", s.ID).Msg("view assembly failed")
		return
	}
	data, err := json.Marshal(struct {
		Type  string                `json:"type"`
		Items []transcript.ViewItem `json:"items"`
	}{Type: "transcript", Items: items})
	if err != nil {
		return
	}
	s.Broadcast(data)
}

func (s *Session) broadcastStatus() {
	s.mu.RLock()
	status := s.statusLocked()
	processing := s.processing
	s.mu.RUnlock()
	data, err := json.Marshal(struct {
		Type       string        `json:"type"`
		Status     SessionStatus `json:"status"`
		Processing bool          `json:"processing"`
	}{Type: "status", Status: status, Processing: processing})
	if err != nil {
		return
	}
	s.Broadcast(data)
}

// broadcastElapsed pushes live timer readings on each tick. Results carry
// authoritative durations, so only running timers are included.
func (s *Session) broadcastElapsed() {
	if s.ClientCount() == 0 {
		return
	}
	durations := s.tracker.RunningDurations()
	if len(durations) == 0 {
		return
	}
	data, err := json.Marshal(struct {
		Type      string           `json:"type"`
		Durations map[string]int64 `json:"durations"`
	}{Type: "elapsed", Durations: durations})
	if err != nil {
		return
	}
	s.Broadcast(data)
}

// changed invokes the manager hook, if any.
func (s *Session) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// truncateTitle keeps list titles to a single readable line.
func truncateTitle(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 100
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
