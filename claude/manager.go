package claude

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/xiaoyuanzhu-com/claude-console/claude/models"
	"github.com/xiaoyuanzhu-com/claude-console/claude/runner"
	"github.com/xiaoyuanzhu-com/claude-console/config"
	"github.com/xiaoyuanzhu-com/claude-console/db"
)

// ErrSessionNotFound is returned when a session ID doesn't exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrTooManyLiveSessions is returned when the live process cap is reached.
var ErrTooManyLiveSessions = errors.New("too many live sessions")

// ErrNotActive is returned by operations that need a live CLI process when
// the session has none attached.
var ErrNotActive = errors.New("session is not active")

// maxLiveSessions caps concurrently attached CLI processes.
const maxLiveSessions = 10

// rescanInterval is the polling cadence used when the fsnotify watcher
// could not be started.
const rescanInterval = 30 * time.Second

// SessionEventType identifies what changed in the session store.
type SessionEventType string

const (
	SessionEventCreated     SessionEventType = "created"
	SessionEventUpdated     SessionEventType = "updated"
	SessionEventActivated   SessionEventType = "activated"
	SessionEventDeactivated SessionEventType = "deactivated"
	SessionEventDeleted     SessionEventType = "deleted"
)

// SessionEvent notifies subscribers about session store changes.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"sessionId"`
}

// SessionManager owns every session the console knows about: transcripts on
// disk under the projects directory, plus any live CLI processes it spawned.
// The store initializes lazily on first access and stays current through an
// fsnotify watcher.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	initialized bool

	projectsDir string
	cliPath     string

	watcher  *fsnotify.Watcher
	debounce *fileDebouncer

	subscribersMu sync.RWMutex
	subscribers   map[chan SessionEvent]struct{}

	liveCount int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionManager creates a manager rooted at the configured projects
// directory. Call Shutdown to stop the watcher and kill live processes.
func NewSessionManager() *SessionManager {
	cfg := config.Get()
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		sessions:    make(map[string]*Session),
		projectsDir: cfg.ClaudeProjectsDir,
		cliPath:     cfg.ClaudeCLIPath,
		subscribers: make(map[chan SessionEvent]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ============================================================================
// Events
// ============================================================================

// Subscribe returns a channel of session events and an unsubscribe function.
// Slow consumers drop events rather than blocking the store.
func (m *SessionManager) Subscribe() (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, 10)
	m.subscribersMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subscribersMu.Unlock()

	unsubscribe := func() {
		m.subscribersMu.Lock()
		if _, ok := m.subscribers[ch]; ok {
			delete(m.subscribers, ch)
			close(ch)
		}
		m.subscribersMu.Unlock()
	}
	return ch, unsubscribe
}

func (m *SessionManager) notify(event SessionEvent) {
	m.subscribersMu.RLock()
	defer m.subscribersMu.RUnlock()
	for ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			logger.Warn().Str("sessionId", event.SessionID).Str("event", string(event.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// ============================================================================
// Initialization and FS watcher
// ============================================================================

// ensureInitialized lazily builds the store with double-checked locking so
// the first request pays the scan cost instead of process startup.
func (m *SessionManager) ensureInitialized() {
	m.mu.RLock()
	if m.initialized {
		m.mu.RUnlock()
		return
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return
	}

	logger.Info().Str("projectsDir", m.projectsDir).Msg("initializing session store")

	m.loadFromIndexFiles()
	m.scanForMissingJSONL()
	m.applyPersistedState()

	if err := m.startWatcher(); err != nil {
		logger.Error().Err(err).Msg("failed to start session watcher, falling back to rescans")
		m.wg.Add(1)
		go m.rescanLoop()
	}

	m.initialized = true
	logger.Info().Int("sessionCount", len(m.sessions)).Msg("session store initialized")
}

// loadFromIndexFiles seeds sessions from per-project sessions-index.json
// files, which is much cheaper than parsing every JSONL up front.
func (m *SessionManager) loadFromIndexFiles() {
	entries, err := os.ReadDir(m.projectsDir)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read projects directory")
		return
	}

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		index, err := models.ReadSessionIndex(filepath.Join(m.projectsDir, entry.Name(), "sessions-index.json"))
		if err != nil {
			continue
		}
		for i := range index.Entries {
			s := m.newSessionFromIndex(&index.Entries[i])
			if _, exists := m.sessions[s.ID]; !exists {
				m.sessions[s.ID] = s
				loaded++
			}
		}
	}
	if loaded > 0 {
		logger.Debug().Int("count", loaded).Msg("seeded sessions from index files")
	}
}

func (m *SessionManager) newSessionFromIndex(entry *models.SessionIndexEntry) *Session {
	s := NewSession(entry.SessionID)
	s.fullPath = entry.FullPath
	s.projectPath = entry.ProjectPath
	s.firstPrompt = truncateTitle(entry.FirstPrompt)
	s.summary = entry.Summary
	s.customTitle = entry.CustomTitle
	s.messageCount = entry.MessageCount
	s.gitBranch = entry.GitBranch
	s.createdAt = parseTimestamp(entry.Created)
	s.updatedAt = parseTimestamp(entry.Modified)
	m.installHooks(s)
	return s
}

// scanForMissingJSONL picks up transcripts the index files don't cover yet
// and returns the IDs it added. Sessions are created as cheap shells; the
// JSONL is parsed on first open. Callers hold m.mu.
func (m *SessionManager) scanForMissingJSONL() []string {
	entries, err := os.ReadDir(m.projectsDir)
	if err != nil {
		return nil
	}

	var added []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		projectDir := filepath.Join(m.projectsDir, entry.Name())
		files, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".jsonl") {
				continue
			}
			sessionID := strings.TrimSuffix(file.Name(), ".jsonl")
			if _, exists := m.sessions[sessionID]; exists {
				continue
			}
			s := NewSession(sessionID)
			s.fullPath = filepath.Join(projectDir, file.Name())
			if info, err := file.Info(); err == nil {
				s.createdAt = info.ModTime()
				s.updatedAt = info.ModTime()
			}
			m.installHooks(s)
			m.sessions[sessionID] = s
			added = append(added, sessionID)
		}
	}
	if len(added) > 0 {
		logger.Debug().Int("count", len(added)).Msg("added sessions from JSONL scan")
	}
	return added
}

// applyPersistedState folds database rows (archive flags, permission modes,
// custom titles, decisions) into the loaded sessions, so restarts keep the
// console state the CLI never writes to its files. Decisions are restored
// independently of session rows: a plain allow without "remember" leaves a
// decision row but no console_sessions row.
func (m *SessionManager) applyPersistedState() {
	recs, err := db.ListSessionRecords()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load persisted session state")
	}
	for i := range recs {
		if s, ok := m.sessions[recs[i].SessionID]; ok {
			s.applyRecord(&recs[i])
		}
	}

	decs, err := db.ListDecisions()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load approval decisions")
		return
	}
	bySession := make(map[string][]db.DecisionRecord)
	for _, dec := range decs {
		bySession[dec.SessionID] = append(bySession[dec.SessionID], dec)
	}
	for id, group := range bySession {
		if s, ok := m.sessions[id]; ok {
			s.RestoreDecisions(group)
		}
	}
}

func (m *SessionManager) installHooks(s *Session) {
	s.onChange = func(changed *Session) {
		m.notify(SessionEvent{Type: SessionEventUpdated, SessionID: changed.ID})
	}
	s.activateFn = func() error {
		return m.activate(s, s.ID)
	}
}

// startWatcher begins watching the projects directory tree for JSONL changes.
// Callers hold m.mu.
func (m *SessionManager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(m.projectsDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch projects dir: %w", err)
	}
	entries, err := os.ReadDir(m.projectsDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				if err := watcher.Add(filepath.Join(m.projectsDir, entry.Name())); err != nil {
					logger.Warn().Err(err).Str("dir", entry.Name()).Msg("failed to watch project dir")
				}
			}
		}
	}

	m.watcher = watcher
	m.debounce = newFileDebouncer(refreshDebounceDelay, m.handleFileEvent)
	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

func (m *SessionManager) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.routeFSEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("session watcher error")
		}
	}
}

// routeFSEvent handles directory events inline and queues JSONL events on
// the debouncer. New project directories must be watched immediately or the
// first rows of their transcripts would be missed.
func (m *SessionManager) routeFSEvent(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == m.projectsDir {
				if err := m.watcher.Add(event.Name); err != nil {
					logger.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new project dir")
				}
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	m.debounce.Queue(event.Name, event.Op)
}

// handleFileEvent applies a debounced JSONL event to the store. The op may
// be a union of the ops coalesced within the debounce window.
func (m *SessionManager) handleFileEvent(path string, op fsnotify.Op) {
	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	switch {
	case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
		deleted := false
		m.mu.Lock()
		if s, ok := m.sessions[sessionID]; ok && !s.Active() {
			delete(m.sessions, sessionID)
			deleted = true
		}
		m.mu.Unlock()
		if deleted {
			m.notify(SessionEvent{Type: SessionEventDeleted, SessionID: sessionID})
		}

	case op.Has(fsnotify.Create) || op.Has(fsnotify.Write):
		m.mu.Lock()
		s, exists := m.sessions[sessionID]
		if !exists {
			s = NewSession(sessionID)
			s.fullPath = path
			now := time.Now()
			s.createdAt = now
			s.updatedAt = now
			m.installHooks(s)
			m.sessions[sessionID] = s
		} else if s.FullPath() == "" {
			s.mu.Lock()
			s.fullPath = path
			s.mu.Unlock()
		}
		m.mu.Unlock()

		if !exists {
			m.notify(SessionEvent{Type: SessionEventCreated, SessionID: sessionID})
			return
		}
		// Tail newly appended rows; no-op while a process is attached.
		if err := s.RefreshFromFile(); err != nil {
			logger.Warn().Err(err).Str("sessionId", sessionID).Msg("refresh after fs event failed")
		}
	}
}

// rescanLoop polls the projects tree so new and growing transcripts still
// show up when inotify is unavailable (exhausted watch descriptors, some
// network filesystems).
func (m *SessionManager) rescanLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.rescan()
		}
	}
}

func (m *SessionManager) rescan() {
	m.mu.Lock()
	created := m.scanForMissingJSONL()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, id := range created {
		m.notify(SessionEvent{Type: SessionEventCreated, SessionID: id})
	}

	for _, s := range snapshot {
		path := s.FullPath()
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.ModTime().After(s.UpdatedAt()) {
			continue
		}
		if err := s.RefreshFromFile(); err != nil {
			logger.Warn().Err(err).Str("sessionId", s.ID).Msg("refresh after rescan failed")
		}
	}
}

// ============================================================================
// Queries
// ============================================================================

// Sessions returns every session in the store, in no particular order.
func (m *SessionManager) Sessions() []*Session {
	m.ensureInitialized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// GetSession returns a fully loaded session by ID.
func (m *SessionManager) GetSession(id string) (*Session, error) {
	m.ensureInitialized()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := s.EnsureLoaded(); err != nil {
		logger.Warn().Err(err).Str("sessionId", id).Msg("failed to load session file")
	}
	return s, nil
}

// SessionPage is one page of session list results.
type SessionPage struct {
	Sessions   []SessionInfo `json:"sessions"`
	HasMore    bool          `json:"hasMore"`
	NextCursor string        `json:"nextCursor,omitempty"`
	TotalCount int           `json:"totalCount"`
}

// sessionRef pairs a live session with its point-in-time snapshot, so
// sorting and paging never hold any lock.
type sessionRef struct {
	s    *Session
	info SessionInfo
}

// ListSessions returns sessions ordered by recency, newest first, filtered by
// archive status ("active", "archived", or "all"). The cursor encodes the
// last row of the previous page as "<unixMilli>_<sessionID>". Rows on the
// returned page are enriched from their JSONL file on demand; rows outside it
// stay cheap shells.
func (m *SessionManager) ListSessions(cursor string, limit int, statusFilter string) *SessionPage {
	m.ensureInitialized()

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	m.mu.RLock()
	refs := make([]sessionRef, 0, len(m.sessions))
	for _, s := range m.sessions {
		refs = append(refs, sessionRef{s: s, info: s.Info()})
	}
	m.mu.RUnlock()

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].info.UpdatedAt.Equal(refs[j].info.UpdatedAt) {
			return refs[i].info.ID > refs[j].info.ID
		}
		return refs[i].info.UpdatedAt.After(refs[j].info.UpdatedAt)
	})

	start := 0
	if cursor != "" {
		start = cursorIndex(refs, cursor)
	}

	page := make([]SessionInfo, 0, limit)
	totalFiltered := 0
	afterCursor := 0
	for i := range refs {
		if statusFilter == "archived" && !refs[i].info.Archived {
			continue
		}
		if statusFilter != "archived" && statusFilter != "all" && refs[i].info.Archived {
			continue
		}
		totalFiltered++
		if i < start {
			continue
		}
		afterCursor++
		if len(page) < limit {
			if err := refs[i].s.EnsureLoaded(); err == nil {
				refs[i].info = refs[i].s.Info()
			}
			page = append(page, refs[i].info)
		}
	}

	hasMore := len(page) == limit && afterCursor > limit
	next := ""
	if hasMore && len(page) > 0 {
		last := page[len(page)-1]
		next = fmt.Sprintf("%d_%s", last.UpdatedAt.UnixMilli(), last.ID)
	}

	return &SessionPage{Sessions: page, HasMore: hasMore, NextCursor: next, TotalCount: totalFiltered}
}

// cursorIndex finds the first row strictly after the cursor position.
func cursorIndex(refs []sessionRef, cursor string) int {
	parts := strings.SplitN(cursor, "_", 2)
	if len(parts) != 2 {
		return 0
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0
	}
	cursorTime := time.UnixMilli(ms)
	cursorID := parts[1]

	for i := range refs {
		if refs[i].info.UpdatedAt.After(cursorTime) {
			continue
		}
		if refs[i].info.UpdatedAt.Equal(cursorTime) && refs[i].info.ID >= cursorID {
			continue
		}
		return i
	}
	return len(refs)
}

// ============================================================================
// Mutations
// ============================================================================

// CreateSession spawns a fresh CLI process in workingDir and registers the
// session under a locally generated ID.
func (m *SessionManager) CreateSession(workingDir, permissionMode, model string) (*Session, error) {
	m.ensureInitialized()

	id := uuid.NewString()
	if workingDir == "" {
		workingDir, _ = os.UserHomeDir()
	}

	s := NewSession(id)
	now := time.Now()
	s.cwd = workingDir
	s.permissionMode = permissionMode
	s.createdAt = now
	s.updatedAt = now
	s.loaded = true // nothing on disk yet
	m.installHooks(s)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := m.spawn(s, runner.Options{
		CLIPath:        m.cliPath,
		CWD:            workingDir,
		SessionID:      id,
		PermissionMode: permissionMode,
		Model:          model,
	}); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if permissionMode != "" {
		if err := db.SetSessionPermissionMode(id, permissionMode); err != nil {
			logger.Warn().Err(err).Str("sessionId", id).Msg("persist permission mode failed")
		}
	}

	logger.Info().Str("sessionId", id).Str("workingDir", workingDir).Msg("created session")
	m.notify(SessionEvent{Type: SessionEventCreated, SessionID: id})
	return s, nil
}

// ActivateSession attaches a CLI process to an existing transcript by
// resuming it in place.
func (m *SessionManager) ActivateSession(id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	if s.Active() {
		return nil
	}
	if err := m.activate(s, id); err != nil {
		return err
	}
	m.notify(SessionEvent{Type: SessionEventActivated, SessionID: id})
	return nil
}

// activate spawns the CLI resuming resumeID's transcript.
func (m *SessionManager) activate(s *Session, resumeID string) error {
	s.mu.RLock()
	opts := runner.Options{
		CLIPath:        m.cliPath,
		CWD:            s.cwd,
		Resume:         resumeID,
		PermissionMode: s.permissionMode,
	}
	s.mu.RUnlock()
	if opts.CWD == "" {
		opts.CWD, _ = os.UserHomeDir()
	}
	return m.spawn(s, opts)
}

func (m *SessionManager) spawn(s *Session, opts runner.Options) error {
	m.mu.Lock()
	if m.liveCount >= maxLiveSessions {
		m.mu.Unlock()
		return ErrTooManyLiveSessions
	}
	m.liveCount++
	m.mu.Unlock()

	run, err := runner.Start(m.ctx, opts)
	if err != nil {
		m.mu.Lock()
		m.liveCount--
		m.mu.Unlock()
		return err
	}

	s.AttachRunner(m.ctx, run)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-run.Done()
		m.mu.Lock()
		m.liveCount--
		m.mu.Unlock()
		m.notify(SessionEvent{Type: SessionEventDeactivated, SessionID: s.ID})
	}()
	return nil
}

// DeactivateSession stops the CLI process but keeps the transcript listed.
func (m *SessionManager) DeactivateSession(id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()
	if run == nil {
		return nil
	}
	run.Close()
	return nil
}

// DeleteSession stops any process, removes the session from the store, and
// deletes its transcript file.
func (m *SessionManager) DeleteSession(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	s.mu.RLock()
	run := s.run
	path := s.fullPath
	s.mu.RUnlock()
	if run != nil {
		run.Close()
	}
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("failed to delete transcript file")
		}
	}

	m.notify(SessionEvent{Type: SessionEventDeleted, SessionID: id})
	return nil
}

// Shutdown stops the watcher and closes all live sessions.
func (m *SessionManager) Shutdown() {
	m.cancel()

	m.mu.RLock()
	var live []*Session
	for _, s := range m.sessions {
		if s.Active() {
			live = append(live, s)
		}
	}
	watcher := m.watcher
	debounce := m.debounce
	m.mu.RUnlock()

	for _, s := range live {
		s.mu.RLock()
		run := s.run
		s.mu.RUnlock()
		if run != nil {
			run.Close()
		}
	}
	if watcher != nil {
		watcher.Close()
	}
	if debounce != nil {
		debounce.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("shutdown timed out waiting for background goroutines")
	}
}
