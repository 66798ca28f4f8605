package document

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// maxFetchBytes caps how much of a remote page is read.
const maxFetchBytes = 16 << 20

// LoadFile parses an HTML document from disk.
func LoadFile(path string, opts ...Option) (*HTMLDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("document: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, opts...)
}

// LoadURL fetches and parses a page without executing scripts. Brotli and
// gzip responses are decoded.
func LoadURL(ctx context.Context, client *http.Client, url string, opts ...Option) (*HTMLDocument, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("document: build request: %w", err)
	}
	// Setting Accept-Encoding ourselves disables the transport's transparent
	// gzip handling, so decodeBody covers both encodings.
	req.Header.Set("Accept-Encoding", "br, gzip")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("document: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("document: fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	body, closeBody, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("document: decode %s: %w", url, err)
	}
	defer closeBody()
	return Parse(io.LimitReader(body, maxFetchBytes), opts...)
}

func decodeBody(resp *http.Response) (io.Reader, func(), error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return brotli.NewReader(resp.Body), func() {}, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	case "", "identity":
		return resp.Body, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}

// RenderOptions controls headless rendering.
type RenderOptions struct {
	Headless          bool
	NavigationTimeout time.Duration
	PostLoadWait      time.Duration
	// ViewportWidth and ViewportHeight size the emulated screen when both
	// are positive, so visibility matches the index's viewport.
	ViewportWidth  int64
	ViewportHeight int64
}

// LoadRendered navigates headless Chrome to url, lets scripts run, and parses
// the resulting DOM. Use it for single-page applications whose markup only
// exists after rendering.
func LoadRendered(ctx context.Context, url string, ro RenderOptions, opts ...Option) (*HTMLDocument, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", ro.Headless),
		chromedp.Flag("disable-gpu", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	if ro.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, ro.NavigationTimeout)
		defer cancel()
	}

	var outer string
	var tasks chromedp.Tasks
	if ro.ViewportWidth > 0 && ro.ViewportHeight > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(ro.ViewportWidth, ro.ViewportHeight, 1, false))
	}
	tasks = append(tasks,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if ro.PostLoadWait > 0 {
		tasks = append(tasks, chromedp.Sleep(ro.PostLoadWait))
	}
	tasks = append(tasks, chromedp.OuterHTML("html", &outer, chromedp.ByQuery))

	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return nil, fmt.Errorf("document: render %s: %w", url, err)
	}
	return Parse(strings.NewReader(outer), opts...)
}
