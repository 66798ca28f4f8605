package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/elementindex/internal/config"
	"github.com/xkilldash9x/elementindex/internal/document"
)

// renderWidth is the emulated screen width for rendered pages.
const renderWidth = 1280

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// loadDocument opens source as a local file or a remote page. Remote pages
// are rendered in headless Chrome when browser rendering is enabled.
func loadDocument(ctx context.Context, cfg config.Interface, source string, logger *zap.Logger) (*document.HTMLDocument, error) {
	opts := []document.Option{document.WithLogger(logger)}
	if !isRemote(source) {
		if cfg.Browser().Enabled {
			return nil, fmt.Errorf("rendering requires an http(s) URL, got %q", source)
		}
		logger.Info("Loading document from file.", zap.String("path", source))
		return document.LoadFile(source, opts...)
	}

	if b := cfg.Browser(); b.Enabled {
		logger.Info("Rendering document in headless browser.", zap.String("url", source), zap.Bool("headless", b.Headless))
		return document.LoadRendered(ctx, source, document.RenderOptions{
			Headless:          b.Headless,
			NavigationTimeout: b.NavigationTimeout,
			PostLoadWait:      b.PostLoadWait,
			ViewportWidth:     renderWidth,
			ViewportHeight:    int64(cfg.Index().ViewportHeight),
		}, opts...)
	}
	logger.Info("Fetching document.", zap.String("url", source))
	client := &http.Client{Timeout: cfg.Browser().NavigationTimeout}
	return document.LoadURL(ctx, client, source, opts...)
}
