// Package scrape implements the website crawl job: page fetching,
// embedding hand-off, and scrape-history bookkeeping.
package scrape

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/chatlas/ingest/internal/pipeline"
)

// Renderer renders a page with JavaScript enabled, returning the DOM HTML.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (string, error)
}

// FetcherConfig controls collector behavior.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
	MaxDepth  int
}

// SiteCrawler implements pipeline.PageFetcher using the Colly collector,
// following same-host links up to the page cap.
type SiteCrawler struct {
	cfg      FetcherConfig
	renderer Renderer
	logger   *zap.Logger
}

// NewSiteCrawler builds a SiteCrawler. renderer may be nil; renderJS crawls
// then fall back to static HTML.
func NewSiteCrawler(cfg FetcherConfig, renderer Renderer, logger *zap.Logger) *SiteCrawler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SiteCrawler{cfg: cfg, renderer: renderer, logger: logger}
}

// CrawlSite fetches up to maxPages pages starting at siteURL, invoking
// visit per page. The first visit error aborts the crawl and is returned.
func (s *SiteCrawler) CrawlSite(
	ctx context.Context,
	siteURL string,
	maxPages int,
	renderJS bool,
	visit func(pipeline.Page) error,
) error {
	parsed, err := url.Parse(siteURL)
	if err != nil || parsed.Host == "" {
		return &pipeline.ValidationError{Field: "website_url", Reason: fmt.Sprintf("invalid url %q", siteURL)}
	}
	if maxPages <= 0 {
		return &pipeline.ValidationError{Field: "max_pages", Reason: "must be > 0"}
	}

	host := parsed.Hostname()
	collector := colly.NewCollector(
		colly.AllowedDomains(host, strings.TrimPrefix(host, "www."), "www."+strings.TrimPrefix(host, "www.")),
		colly.MaxDepth(s.cfg.MaxDepth),
	)
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.SetRequestTimeout(s.cfg.Timeout)

	var (
		mu       sync.Mutex
		pages    int
		visitErr error
	)

	collector.OnRequest(func(r *colly.Request) {
		mu.Lock()
		stop := visitErr != nil || pages >= maxPages || ctx.Err() != nil
		mu.Unlock()
		if stop {
			r.Abort()
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		mu.Lock()
		under := pages < maxPages && visitErr == nil
		mu.Unlock()
		if under {
			// Visit errors here are expected noise: off-domain links,
			// duplicates, depth limits.
			_ = e.Request.Visit(e.Attr("href"))
		}
	})

	collector.OnHTML("html", func(e *colly.HTMLElement) {
		mu.Lock()
		if visitErr != nil || pages >= maxPages {
			mu.Unlock()
			return
		}
		pages++
		mu.Unlock()

		page := pipeline.Page{
			URL:     e.Request.URL.String(),
			Title:   strings.TrimSpace(e.ChildText("title")),
			Content: extractText(e.DOM),
		}
		if renderJS && s.renderer != nil {
			if rendered, rerr := s.renderPage(ctx, page.URL); rerr == nil {
				page.Content = rendered
			} else {
				s.logger.Warn("js render failed, using static html",
					zap.String("url", page.URL), zap.Error(rerr))
			}
		}

		if err := visit(page); err != nil {
			mu.Lock()
			if visitErr == nil {
				visitErr = err
			}
			mu.Unlock()
		}
	})

	if err := collector.Visit(siteURL); err != nil {
		return &pipeline.ExternalServiceError{Service: "crawl target", Err: err}
	}
	collector.Wait()

	mu.Lock()
	defer mu.Unlock()
	if visitErr != nil {
		return visitErr
	}
	if ctx.Err() != nil {
		return fmt.Errorf("crawl canceled: %w", ctx.Err())
	}
	if pages == 0 {
		return &pipeline.ExternalServiceError{
			Service: "crawl target",
			Err:     fmt.Errorf("no pages fetched from %s", siteURL),
		}
	}
	return nil
}

func (s *SiteCrawler) renderPage(ctx context.Context, rawURL string) (string, error) {
	html, err := s.renderer.Render(ctx, rawURL)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse rendered html: %w", err)
	}
	return extractText(doc.Selection), nil
}

// extractText flattens visible page text, dropping script and style nodes.
func extractText(sel *goquery.Selection) string {
	if sel == nil {
		return ""
	}
	clone := sel.Clone()
	clone.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(clone.Text()), " ")
}
