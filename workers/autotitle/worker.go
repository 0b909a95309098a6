package autotitle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/claude-console/claude"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/vendors"
)

// ErrDisabled is returned when no LLM is configured.
var ErrDisabled = errors.New("title generation is not configured")

// ErrNoContent is returned when a session has nothing to summarize.
var ErrNoContent = errors.New("session has no content to title")

const (
	// queueSize bounds how many pending title requests can pile up
	queueSize = 100

	// minMessages a session needs before a title is worth generating
	minMessages = 2

	// excerptLimit caps how much transcript text is sent to the model
	excerptLimit = 2000

	generateTimeout = 30 * time.Second
)

// Worker generates display titles for sessions that have neither a custom
// title nor a summary. Titles come from the configured LLM; sessions are
// attempted once per process lifetime so a failing model doesn't loop.
type Worker struct {
	manager *claude.SessionManager

	stopChan  chan struct{}
	wg        sync.WaitGroup
	queue     chan string
	attempted sync.Map
}

// NewWorker creates an autotitle worker bound to the session store.
func NewWorker(manager *claude.SessionManager) *Worker {
	return &Worker{
		manager:  manager,
		stopChan: make(chan struct{}),
		queue:    make(chan string, queueSize),
	}
}

// Start subscribes to store events and begins generating titles.
func (w *Worker) Start() {
	if !vendors.GetOpenAIClient().Enabled() {
		log.Info().Msg("autotitle disabled, LLM not configured")
		return
	}

	events, unsubscribe := w.manager.Subscribe()
	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		defer unsubscribe()
		w.consumeEvents(events)
	}()
	go w.backfill()
	go w.processLoop()
	log.Info().Msg("autotitle worker started")
}

// Stop signals the worker to exit and waits for it to finish.
func (w *Worker) Stop() {
	close(w.stopChan)
	w.wg.Wait()
	log.Info().Msg("autotitle worker stopped")
}

func (w *Worker) consumeEvents(events <-chan claude.SessionEvent) {
	for {
		select {
		case <-w.stopChan:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Type {
			case claude.SessionEventCreated, claude.SessionEventUpdated:
				w.enqueue(event.SessionID)
			}
		}
	}
}

// backfill runs once on startup so sessions recorded while the console was
// down still get titles.
func (w *Worker) backfill() {
	defer w.wg.Done()

	for _, s := range w.manager.Sessions() {
		select {
		case <-w.stopChan:
			return
		default:
		}
		w.enqueue(s.ID)
	}
}

func (w *Worker) enqueue(sessionID string) {
	select {
	case w.queue <- sessionID:
	default:
		// Queue full; the session will come around on its next event.
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case sessionID := <-w.queue:
			w.process(sessionID)
		case <-w.stopChan:
			return
		}
	}
}

func (w *Worker) process(sessionID string) {
	s, err := w.manager.GetSession(sessionID)
	if err != nil {
		return
	}

	info := s.Info()
	if !needsTitle(info) {
		return
	}

	// One shot per session per process: a SetCustomTitle on success makes
	// needsTitle false, and a model failure shouldn't retry forever.
	if _, loaded := w.attempted.LoadOrStore(sessionID, true); loaded {
		return
	}

	excerpt := buildExcerpt(info.FirstPrompt, s.PlainText())
	if excerpt == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	title, err := vendors.GetOpenAIClient().GenerateSessionTitle(ctx, excerpt)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("autotitle: generation failed")
		return
	}
	if title == "" {
		return
	}

	if err := s.SetCustomTitle(title); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("autotitle: failed to save title")
		return
	}
	log.Info().Str("sessionId", sessionID).Str("title", title).Msg("autotitle: generated")
}

// GenerateNow produces and saves a title immediately, replacing any existing
// one. Unlike the background path it reports errors to the caller and skips
// the once-per-session guard, so users can regenerate titles they dislike.
func (w *Worker) GenerateNow(ctx context.Context, sessionID string) (string, error) {
	client := vendors.GetOpenAIClient()
	if !client.Enabled() {
		return "", ErrDisabled
	}

	s, err := w.manager.GetSession(sessionID)
	if err != nil {
		return "", err
	}

	info := s.Info()
	excerpt := buildExcerpt(info.FirstPrompt, s.PlainText())
	if excerpt == "" {
		return "", ErrNoContent
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	title, err := client.GenerateSessionTitle(ctx, excerpt)
	if err != nil {
		return "", err
	}
	if title == "" {
		return "", ErrNoContent
	}

	if err := s.SetCustomTitle(title); err != nil {
		return "", err
	}

	// The background pass would see needsTitle false now anyway; recording the
	// attempt just saves it the lookup.
	w.attempted.Store(sessionID, true)
	return title, nil
}

func needsTitle(info claude.SessionInfo) bool {
	return info.CustomTitle == "" &&
		info.Summary == "" &&
		info.MessageCount >= minMessages
}

// buildExcerpt combines the first prompt with the head of the transcript
// text, capped so prompt cost stays flat regardless of session length.
func buildExcerpt(firstPrompt, content string) string {
	var b strings.Builder
	if firstPrompt != "" {
		b.WriteString(firstPrompt)
	}
	if content != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	excerpt := b.String()
	if len(excerpt) > excerptLimit {
		excerpt = excerpt[:excerptLimit]
	}
	return strings.TrimSpace(excerpt)
}
