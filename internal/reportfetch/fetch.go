// Package reportfetch downloads broker report exports over HTTP.
package reportfetch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"trade-sync/internal/logger"
	"trade-sync/internal/report"
)

const (
	DefaultTimeout  = 60 * time.Second
	DefaultMaxBytes = 10 << 20
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var ErrEmptyReport = errors.New("report download is empty")

type Fetcher struct {
	timeout  time.Duration
	maxBytes int
}

func New(timeout time.Duration, maxBytes int) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{timeout: timeout, maxBytes: maxBytes}
}

// Fetch downloads rawURL and guesses the report format from the response
// content type, falling back to the URL's extension.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, report.Format, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	c := colly.NewCollector(
		colly.MaxDepth(1),
		colly.Async(false),
		colly.MaxBodySize(f.maxBytes),
		colly.UserAgent(userAgent),
	)
	c.SetRequestTimeout(f.timeout)

	var (
		body        []byte
		contentType string
		fetchErr    error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		contentType = r.Headers.Get("Content-Type")
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch %s (status %d): %w", rawURL, r.StatusCode, err)
	})

	start := time.Now()
	if err := c.Visit(rawURL); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("visit %s: %w", rawURL, err)
	}
	c.Wait()
	if fetchErr != nil {
		return nil, "", fetchErr
	}
	if len(body) == 0 {
		return nil, "", ErrEmptyReport
	}

	format := DetectFormat(contentType, rawURL)
	logger.Info(ctx, "Report downloaded",
		"url", rawURL,
		"bytes", len(body),
		"format", format,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return body, format, nil
}

// DetectFormat maps a content type or file name to a report format. HTML is
// the default since most terminals export HTML statements.
func DetectFormat(contentType, name string) report.Format {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "text/csv", "application/csv":
			return report.FormatCSV
		case "text/html", "application/xhtml+xml":
			return report.FormatHTML
		}
	}
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	if strings.EqualFold(path.Ext(name), ".csv") {
		return report.FormatCSV
	}
	return report.FormatHTML
}
