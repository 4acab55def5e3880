// Package static serves the embedded console page.
package static

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	pathpkg "path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/curocall/internal/config"
)

const (
	distDir           = "dist"
	configPlaceholder = "window.CONSOLE_CONFIG={}"
)

//go:embed all:dist
var distFiles embed.FS

// PageConfig is handed to the console page before its script runs.
type PageConfig struct {
	APIAddress   string `json:"apiAddress"`
	StatusPollMs int64  `json:"statusPollMs"`
	CloseDelayMs int64  `json:"closeDelayMs"`
	PushEnabled  bool   `json:"pushEnabled"`
}

func NewPageConfig(cfg *config.Config, pushEnabled bool) PageConfig {
	page := PageConfig{
		StatusPollMs: cfg.StatusPollInterval.Milliseconds(),
		CloseDelayMs: cfg.CloseDelay.Milliseconds(),
		PushEnabled:  pushEnabled,
	}
	// In http-only mode the page is hosted elsewhere and calls back to FRONTEND_URI.
	if cfg.HTTPOnly {
		page.APIAddress = cfg.FrontendURI
	}
	return page
}

// RegisterUIRoutes serves the console page for every path the API does not
// handle. Files present in the bundle are served as they are.
func RegisterUIRoutes(router *gin.Engine, page PageConfig) error {
	distFS, err := fs.Sub(distFiles, distDir)
	if err != nil {
		return fmt.Errorf("console bundle: %w", err)
	}
	index, err := renderIndex(distFS, page)
	if err != nil {
		return err
	}
	assets := http.FileServer(http.FS(distFS))

	// Gin can't mix a root catch-all with /api, so the page is the NoRoute handler.
	router.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		name := strings.TrimPrefix(pathpkg.Clean("/"+path), "/")
		if name != "" && name != "index.html" {
			if info, err := fs.Stat(distFS, name); err == nil && !info.IsDir() {
				c.Request.URL.Path = "/" + name
				assets.ServeHTTP(c.Writer, c.Request)
				return
			}
		}

		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})
	return nil
}

func renderIndex(distFS fs.FS, page PageConfig) ([]byte, error) {
	content, err := fs.ReadFile(distFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("console entrypoint: %w", err)
	}
	if !strings.Contains(string(content), configPlaceholder) {
		return nil, errors.New("console entrypoint has no config placeholder")
	}
	raw, err := json.Marshal(page)
	if err != nil {
		return nil, fmt.Errorf("encode page config: %w", err)
	}
	html := strings.Replace(string(content), configPlaceholder, "window.CONSOLE_CONFIG="+string(raw), 1)
	return []byte(html), nil
}
