package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/vendors"
)

// SearchHit is one session matched by a transcript search.
type SearchHit struct {
	SessionID   string            `json:"sessionId"`
	Title       string            `json:"title"`
	Summary     string            `json:"summary,omitempty"`
	ProjectPath string            `json:"projectPath,omitempty"`
	Snippet     string            `json:"snippet,omitempty"`
	Highlights  map[string]string `json:"highlights,omitempty"`
}

// SearchResponse is the search API payload.
type SearchResponse struct {
	Results    []SearchHit `json:"results"`
	Pagination struct {
		Total   int  `json:"total"`
		Limit   int  `json:"limit"`
		Offset  int  `json:"offset"`
		HasMore bool `json:"hasMore"`
	} `json:"pagination"`
	Query    string `json:"query"`
	TookMs   int64  `json:"tookMs"`
	Degraded bool   `json:"degraded,omitempty"`
}

// Search handles GET /api/search
// Full-text search over indexed session transcripts.
func (h *Handlers) Search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		RespondBadRequest(c, "Query parameter 'q' is required")
		return
	}
	if len(query) < 2 {
		RespondBadRequest(c, "Query must be at least 2 characters")
		return
	}

	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(c.Query("offset")); err == nil && o >= 0 {
		offset = o
	}

	meili := vendors.GetMeiliClient()
	if !meili.Enabled() {
		RespondServiceUnavailable(c, "Search is not configured")
		return
	}

	started := time.Now()
	result, err := meili.Search(query, vendors.MeiliSearchOptions{
		Limit:           limit,
		Offset:          offset,
		ProjectFilter:   c.Query("project"),
		IncludeArchived: c.Query("includeArchived") == "true",
	})
	if err != nil {
		log.Error().Err(err).Str("query", query).Msg("search failed")
		RespondInternalError(c, "Search failed")
		return
	}

	resp := SearchResponse{
		Results: make([]SearchHit, 0, len(result.Hits)),
		Query:   query,
		TookMs:  time.Since(started).Milliseconds(),
	}
	for _, hit := range result.Hits {
		resp.Results = append(resp.Results, SearchHit{
			SessionID:   hit.SessionID,
			Title:       hit.Title,
			Summary:     hit.Summary,
			ProjectPath: hit.ProjectPath,
			Snippet:     hit.Formatted["content"],
			Highlights:  hit.Formatted,
		})
	}
	resp.Pagination.Total = result.EstimatedTotalHits
	resp.Pagination.Limit = limit
	resp.Pagination.Offset = offset
	resp.Pagination.HasMore = offset+len(result.Hits) < result.EstimatedTotalHits

	RespondData(c, resp)
}
