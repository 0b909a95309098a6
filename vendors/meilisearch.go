package vendors

import (
	"sync"

	"github.com/meilisearch/meilisearch-go"

	"github.com/xiaoyuanzhu-com/claude-console/config"
	"github.com/xiaoyuanzhu-com/claude-console/log"
)

var (
	meiliClient     *MeiliClient
	meiliClientOnce sync.Once
	meiliLogger     = log.GetLogger("Meilisearch")
)

// MeiliClient wraps the Meilisearch client for the session search index.
// A nil client is a valid no-op: search stays disabled when MEILI_HOST is
// not configured.
type MeiliClient struct {
	client   meilisearch.ServiceManager
	index    meilisearch.IndexManager
	indexUID string
}

// SessionDocument is one searchable transcript in the index.
type SessionDocument struct {
	SessionID   string `json:"sessionId"`
	Title       string `json:"title"`
	FirstPrompt string `json:"firstPrompt,omitempty"`
	Summary     string `json:"summary,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	Content     string `json:"content"`
	Archived    bool   `json:"archived"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// MeiliSearchOptions holds search options.
type MeiliSearchOptions struct {
	Limit           int
	Offset          int
	ProjectFilter   string
	IncludeArchived bool
}

// MeiliSearchResult represents a search result page.
type MeiliSearchResult struct {
	Hits               []MeiliHit
	EstimatedTotalHits int
	Limit              int
	Offset             int
	Query              string
}

// MeiliHit represents a single search hit.
type MeiliHit struct {
	SessionID   string
	Title       string
	Summary     string
	ProjectPath string
	Content     string
	Formatted   map[string]string
}

// GetMeiliClient returns the singleton Meilisearch client.
func GetMeiliClient() *MeiliClient {
	meiliClientOnce.Do(func() {
		cfg := config.Get()
		if cfg.MeiliHost == "" {
			meiliLogger.Warn().Msg("MEILI_HOST not configured, search disabled")
			return
		}

		client := meilisearch.New(cfg.MeiliHost, meilisearch.WithAPIKey(cfg.MeiliAPIKey))

		// Verify connection
		if _, err := client.Health(); err != nil {
			meiliLogger.Error().Err(err).Msg("failed to connect to Meilisearch")
			return
		}

		index := client.Index(cfg.MeiliIndex)

		// Filterable attributes must be declared before filters work.
		if _, err := index.UpdateFilterableAttributes(&[]string{"projectPath", "archived"}); err != nil {
			meiliLogger.Warn().Err(err).Msg("failed to update filterable attributes")
		}
		if _, err := index.UpdateSortableAttributes(&[]string{"updatedAt"}); err != nil {
			meiliLogger.Warn().Err(err).Msg("failed to update sortable attributes")
		}

		meiliClient = &MeiliClient{
			client:   client,
			index:    index,
			indexUID: cfg.MeiliIndex,
		}

		meiliLogger.Info().Str("host", cfg.MeiliHost).Str("index", cfg.MeiliIndex).Msg("Meilisearch initialized")
	})

	return meiliClient
}

// Enabled reports whether search is configured and reachable.
func (m *MeiliClient) Enabled() bool {
	return m != nil
}

// Search queries the session index.
func (m *MeiliClient) Search(query string, opts MeiliSearchOptions) (*MeiliSearchResult, error) {
	if m == nil {
		return nil, nil
	}

	var filters []string
	if opts.ProjectFilter != "" {
		filters = append(filters, "projectPath = \""+escapeFilter(opts.ProjectFilter)+"\"")
	}
	if !opts.IncludeArchived {
		filters = append(filters, "archived = false")
	}

	filter := ""
	if len(filters) > 0 {
		filter = filters[0]
		for _, f := range filters[1:] {
			filter += " AND " + f
		}
	}

	searchReq := &meilisearch.SearchRequest{
		Limit:                 int64(opts.Limit),
		Offset:                int64(opts.Offset),
		AttributesToHighlight: []string{"title", "summary", "content"},
		AttributesToCrop:      []string{"content"},
		CropLength:            200,
		MatchingStrategy:      "all",
	}
	if filter != "" {
		searchReq.Filter = filter
	}

	resp, err := m.index.Search(query, searchReq)
	if err != nil {
		return nil, err
	}

	result := &MeiliSearchResult{
		EstimatedTotalHits: int(resp.EstimatedTotalHits),
		Limit:              opts.Limit,
		Offset:             opts.Offset,
		Query:              query,
	}

	for _, hit := range resp.Hits {
		h, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}

		meiliHit := MeiliHit{
			SessionID:   getString(h, "sessionId"),
			Title:       getString(h, "title"),
			Summary:     getString(h, "summary"),
			ProjectPath: getString(h, "projectPath"),
			Content:     getString(h, "content"),
		}
		if formatted, ok := h["_formatted"].(map[string]interface{}); ok {
			meiliHit.Formatted = make(map[string]string)
			for k, v := range formatted {
				if s, ok := v.(string); ok {
					meiliHit.Formatted[k] = s
				}
			}
		}
		result.Hits = append(result.Hits, meiliHit)
	}

	return result, nil
}

// IndexSession adds or replaces one session document.
func (m *MeiliClient) IndexSession(doc SessionDocument) error {
	if m == nil {
		return nil
	}
	_, err := m.index.AddDocuments([]SessionDocument{doc}, "sessionId")
	return err
}

// DeleteSession removes a session document.
func (m *MeiliClient) DeleteSession(sessionID string) error {
	if m == nil {
		return nil
	}
	_, err := m.index.DeleteDocument(sessionID)
	return err
}

// escapeFilter escapes backslashes and quotes in filter values.
func escapeFilter(value string) string {
	result := ""
	for _, c := range value {
		switch c {
		case '\\':
			result += "\\\\"
		case '"':
			result += "\\\""
		default:
			result += string(c)
		}
	}
	return result
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
