package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/tus/tusd/v2/pkg/filestore"
	tusd "github.com/tus/tusd/v2/pkg/handler"
	"github.com/xiaoyuanzhu-com/claude-console/config"
	"github.com/xiaoyuanzhu-com/claude-console/log"
)

// ImportResult tracks per-file status in import responses
type ImportResult struct {
	SessionID string `json:"sessionId,omitempty"`
	Filename  string `json:"filename"`
	Status    string `json:"status"` // "imported", "exists", or "invalid"
}

var (
	tusHandler     http.Handler
	tusInitErr     error
	tusHandlerOnce sync.Once
	uploadDir      string
)

// initTUSHandler initializes the TUS upload handler once.
func initTUSHandler() (http.Handler, error) {
	tusHandlerOnce.Do(func() {
		cfg := config.Get()
		uploadDir = filepath.Join(cfg.DataDir, "uploads")

		if err := os.MkdirAll(uploadDir, 0755); err != nil {
			tusInitErr = err
			return
		}

		store := filestore.New(uploadDir)

		composer := tusd.NewStoreComposer()
		store.UseIn(composer)

		handler, err := tusd.NewHandler(tusd.Config{
			BasePath:                "/api/import/tus/",
			StoreComposer:           composer,
			RespectForwardedHeaders: true,
			MaxSize:                 1024 * 1024 * 1024, // 1GB
		})
		if err != nil {
			tusInitErr = err
			return
		}

		tusHandler = handler
		log.Info().Str("dir", uploadDir).Msg("TUS handler initialized")
	})
	return tusHandler, tusInitErr
}

// TUSHandler handles all TUS protocol requests
func (h *Handlers) TUSHandler(c *gin.Context) {
	handler, err := initTUSHandler()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize TUS handler")
		RespondInternalError(c, "Failed to initialize upload handler")
		return
	}

	// Manually strip the /api/import/tus prefix from the request URL.
	// The TUS handler expects paths without the base path prefix, and
	// http.StripPrefix doesn't compose with Gin's wildcard routes.
	originalPath := c.Request.URL.Path
	c.Request.URL.Path = strings.TrimPrefix(originalPath, "/api/import/tus")

	handler.ServeHTTP(c.Writer, c.Request)

	c.Request.URL.Path = originalPath
}

// FinalizeImport handles POST /api/import/finalize
// Moves uploaded transcript JSONL files into the projects directory, where
// the directory watcher registers them as sessions.
func (h *Handlers) FinalizeImport(c *gin.Context) {
	var body struct {
		Uploads []struct {
			UploadID string `json:"uploadId"`
			Filename string `json:"filename"`
		} `json:"uploads"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}
	if len(body.Uploads) == 0 {
		RespondBadRequest(c, "No uploads provided")
		return
	}
	if _, err := initTUSHandler(); err != nil {
		RespondInternalError(c, "Upload handler unavailable")
		return
	}

	cfg := config.Get()
	results := make([]ImportResult, 0, len(body.Uploads))
	imported := 0

	for _, upload := range body.Uploads {
		if upload.UploadID == "" {
			continue
		}

		srcPath := filepath.Join(uploadDir, upload.UploadID)
		if _, err := os.Stat(srcPath); err != nil {
			// tusd's filestore may suffix the blob
			srcPath += ".bin"
			if _, err := os.Stat(srcPath); err != nil {
				log.Warn().Str("uploadId", upload.UploadID).Msg("import: upload blob not found")
				results = append(results, ImportResult{Filename: upload.Filename, Status: "invalid"})
				continue
			}
		}

		probe, err := probeTranscript(srcPath)
		if err != nil {
			log.Warn().Err(err).Str("filename", upload.Filename).Msg("import: not a transcript")
			os.Remove(srcPath)
			os.Remove(srcPath + ".info")
			results = append(results, ImportResult{Filename: upload.Filename, Status: "invalid"})
			continue
		}

		destDir := filepath.Join(cfg.ClaudeProjectsDir, encodeProjectDir(probe.cwd))
		if err := os.MkdirAll(destDir, 0755); err != nil {
			RespondInternalError(c, "Failed to create project directory")
			return
		}

		destPath := filepath.Join(destDir, probe.sessionID+".jsonl")
		if _, err := os.Stat(destPath); err == nil {
			os.Remove(srcPath)
			os.Remove(srcPath + ".info")
			results = append(results, ImportResult{SessionID: probe.sessionID, Filename: upload.Filename, Status: "exists"})
			continue
		}

		if err := copyUploadFile(srcPath, destPath); err != nil {
			log.Error().Err(err).Str("path", destPath).Msg("import: failed to place transcript")
			results = append(results, ImportResult{Filename: upload.Filename, Status: "invalid"})
			continue
		}

		os.Remove(srcPath)
		os.Remove(srcPath + ".info")

		log.Info().
			Str("sessionId", probe.sessionID).
			Str("path", destPath).
			Msg("transcript imported")

		results = append(results, ImportResult{SessionID: probe.sessionID, Filename: upload.Filename, Status: "imported"})
		imported++
	}

	if imported > 0 {
		// The watcher registers the sessions; ask the indexer to pick them up
		// sooner than its next tick.
		h.server.SearchSync().Nudge()
	}

	RespondData(c, gin.H{"results": results})
}

// transcriptProbe holds the identifying fields read from an uploaded file.
type transcriptProbe struct {
	sessionID string
	cwd       string
}

// probeTranscript scans the head of a JSONL file for the session id and
// working directory that place it in the projects tree.
func probeTranscript(path string) (*transcriptProbe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	probe := &transcriptProbe{}
	reader := bufio.NewReader(f)
	for lines := 0; lines < 50; lines++ {
		lineBytes, err := reader.ReadBytes('\n')
		if len(lineBytes) > 0 {
			var row struct {
				SessionID string `json:"sessionId"`
				CWD       string `json:"cwd"`
			}
			if json.Unmarshal(lineBytes, &row) == nil {
				if probe.sessionID == "" {
					probe.sessionID = row.SessionID
				}
				if probe.cwd == "" {
					probe.cwd = row.CWD
				}
				if probe.sessionID != "" && probe.cwd != "" {
					break
				}
			}
		}
		if err != nil {
			break
		}
	}

	if probe.sessionID == "" {
		return nil, errors.New("no session id found in transcript")
	}
	// The id becomes a filename; reject anything that doesn't stay one.
	if probe.sessionID != filepath.Base(probe.sessionID) || strings.HasPrefix(probe.sessionID, ".") {
		return nil, errors.New("unsafe session id in transcript")
	}
	return probe, nil
}

// encodeProjectDir converts a working directory to the CLI's project
// directory name, e.g. "/Users/foo/bar" -> "-Users-foo-bar".
func encodeProjectDir(path string) string {
	if path == "" {
		return "-imported"
	}
	sanitized := strings.ReplaceAll(path, "/", "-")
	sanitized = strings.TrimPrefix(sanitized, "-")
	return "-" + sanitized
}

func copyUploadFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Sync()
}
