package meili

import (
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/claude-console/claude"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/vendors"
)

const (
	// syncInterval is how often dirty sessions are flushed to the index
	syncInterval = 10 * time.Second

	// initialDelay before the first full sync (let the store initialize)
	initialDelay = 5 * time.Second
)

// SyncWorker keeps the Meilisearch session index in step with the session
// store. Store events mark sessions dirty; a ticker (or a nudge) flushes
// them in batches so a chatty live session doesn't hammer the index.
type SyncWorker struct {
	manager *claude.SessionManager

	stopChan  chan struct{}
	wg        sync.WaitGroup
	nudgeChan chan struct{}

	mu      sync.Mutex
	dirty   map[string]bool
	deleted map[string]bool
}

// NewSyncWorker creates a sync worker bound to the session store.
func NewSyncWorker(manager *claude.SessionManager) *SyncWorker {
	return &SyncWorker{
		manager:   manager,
		stopChan:  make(chan struct{}),
		nudgeChan: make(chan struct{}, 1), // buffered so nudge never blocks
		dirty:     make(map[string]bool),
		deleted:   make(map[string]bool),
	}
}

// Start subscribes to store events and begins the sync loop.
func (w *SyncWorker) Start() {
	if !vendors.GetMeiliClient().Enabled() {
		log.Info().Msg("meili sync disabled, search not configured")
		return
	}

	events, unsubscribe := w.manager.Subscribe()
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		defer unsubscribe()
		w.consumeEvents(events)
	}()
	go w.loop()
	log.Info().Msg("meili sync worker started")
}

// Stop signals the worker to exit and waits for it to finish.
func (w *SyncWorker) Stop() {
	close(w.stopChan)
	w.wg.Wait()
	log.Info().Msg("meili sync worker stopped")
}

// Nudge asks the worker to run a sync cycle as soon as possible.
func (w *SyncWorker) Nudge() {
	select {
	case w.nudgeChan <- struct{}{}:
	default:
		// already nudged
	}
}

func (w *SyncWorker) consumeEvents(events <-chan claude.SessionEvent) {
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			w.mu.Lock()
			switch event.Type {
			case claude.SessionEventDeleted:
				delete(w.dirty, event.SessionID)
				w.deleted[event.SessionID] = true
			default:
				w.dirty[event.SessionID] = true
			}
			w.mu.Unlock()
		}
	}
}

func (w *SyncWorker) loop() {
	defer w.wg.Done()

	select {
	case <-time.After(initialDelay):
	case <-w.stopChan:
		return
	}

	// Full sync on startup so the index covers transcripts written while
	// the console was down.
	w.syncAll()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.syncDirty()
		case <-w.nudgeChan:
			w.syncDirty()
		case <-w.stopChan:
			return
		}
	}
}

// syncAll indexes every known session. Unloaded sessions contribute metadata
// only; their content is indexed once something loads them.
func (w *SyncWorker) syncAll() {
	meili := vendors.GetMeiliClient()
	if !meili.Enabled() {
		return
	}

	indexed := 0
	for _, s := range w.manager.Sessions() {
		select {
		case <-w.stopChan:
			return
		default:
		}
		if err := meili.IndexSession(buildDocument(s)); err != nil {
			log.Warn().Err(err).Str("sessionId", s.ID).Msg("meili sync: failed to index session")
			continue
		}
		indexed++
	}
	if indexed > 0 {
		log.Info().Int("count", indexed).Msg("meili sync: initial sync complete")
	}
}

// syncDirty flushes sessions marked by store events.
func (w *SyncWorker) syncDirty() {
	meili := vendors.GetMeiliClient()
	if !meili.Enabled() {
		return
	}

	w.mu.Lock()
	dirty := w.dirty
	deleted := w.deleted
	w.dirty = make(map[string]bool)
	w.deleted = make(map[string]bool)
	w.mu.Unlock()

	for id := range deleted {
		if err := meili.DeleteSession(id); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("meili sync: failed to delete session")
		}
	}

	indexed := 0
	failed := 0
	for id := range dirty {
		select {
		case <-w.stopChan:
			return
		default:
		}
		s, err := w.manager.GetSession(id)
		if err != nil {
			continue
		}
		if err := meili.IndexSession(buildDocument(s)); err != nil {
			log.Warn().Err(err).Str("sessionId", id).Msg("meili sync: failed to index session")
			failed++
			continue
		}
		indexed++
	}

	if indexed > 0 || failed > 0 {
		log.Debug().Int("indexed", indexed).Int("failed", failed).Msg("meili sync: cycle complete")
	}
}

func buildDocument(s *claude.Session) vendors.SessionDocument {
	info := s.Info()
	return vendors.SessionDocument{
		SessionID:   info.ID,
		Title:       info.Title,
		FirstPrompt: info.FirstPrompt,
		Summary:     info.Summary,
		ProjectPath: firstNonEmpty(info.ProjectPath, info.CWD),
		Content:     s.PlainText(),
		Archived:    info.Archived,
		UpdatedAt:   info.UpdatedAt.UnixMilli(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
