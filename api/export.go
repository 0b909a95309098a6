package api

import (
	"bytes"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mholt/archives"
	"github.com/xiaoyuanzhu-com/claude-console/log"
)

// ExportSession handles GET /api/sessions/:id/export
// Streams a .tar.gz holding the raw JSONL transcript and a rendered
// markdown copy.
func (h *Handlers) ExportSession(c *gin.Context) {
	session, err := h.server.Manager().GetSession(c.Param("id"))
	if err != nil {
		RespondNotFound(c, "Session not found")
		return
	}

	var files []archives.FileInfo

	// Raw transcript, when the session has one on disk. Freshly created
	// sessions may not have been written yet.
	if path := session.FullPath(); path != "" {
		disk, err := archives.FilesFromDisk(c.Request.Context(), nil, map[string]string{
			path: session.ID + ".jsonl",
		})
		if err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("export: transcript file unavailable")
		} else {
			files = append(files, disk...)
		}
	}

	files = append(files, memoryFile("transcript.md", []byte(session.Markdown())))

	format := archives.CompressedArchive{
		Compression: archives.Gz{},
		Archival:    archives.Tar{},
	}

	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", `attachment; filename="session-`+session.ID+`.tar.gz"`)
	c.Status(http.StatusOK)

	if err := format.Archive(c.Request.Context(), c.Writer, files); err != nil {
		// Headers are already out; nothing to send but a truncated stream.
		log.Error().Err(err).Str("sessionId", session.ID).Msg("export failed mid-stream")
	}
}

// memoryFile wraps an in-memory byte slice as an archive entry.
func memoryFile(name string, data []byte) archives.FileInfo {
	info := memFileInfo{name: name, size: int64(len(data)), modTime: time.Now()}
	return archives.FileInfo{
		FileInfo:      info,
		NameInArchive: name,
		Open: func() (fs.File, error) {
			return &memFile{Reader: bytes.NewReader(data), info: info}, nil
		},
	}
}

type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return 0644 }
func (i memFileInfo) ModTime() time.Time { return i.modTime }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() any           { return nil }

type memFile struct {
	*bytes.Reader
	info memFileInfo
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *memFile) Close() error               { return nil }
