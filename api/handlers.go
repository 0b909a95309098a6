package api

import (
	"github.com/xiaoyuanzhu-com/claude-console/server"
)

// Handlers holds dependencies for API handlers
type Handlers struct {
	server *server.Server
}

// NewHandlers creates the handler set backed by the server's components
func NewHandlers(s *server.Server) *Handlers {
	return &Handlers{server: s}
}
