// Package fetch is the network collaborator. It enforces a fixed domain
// allow-list and a response size cap; callers receive nil for both
// disallowed domains and transport failures, while the distinction is
// logged here.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Result is one successful fetch.
type Result struct {
	Status int
	Body   string
}

// Fetcher retrieves allow-listed URLs.
type Fetcher struct {
	allowed      []string
	maxBodyBytes int64
	client       *http.Client
	log          *zap.Logger
}

// New creates a fetcher. Domains match exactly or as suffixes, so
// "wikipedia.org" also allows "en.wikipedia.org".
func New(allowedDomains []string, maxBodyBytes int64, timeout time.Duration, log *zap.Logger) *Fetcher {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Fetcher{
		allowed:      allowedDomains,
		maxBodyBytes: maxBodyBytes,
		log:          log,
	}
	// Redirects re-run the allow-list so a permitted host cannot bounce
	// the request onto an arbitrary domain.
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			if !f.domainAllowed(req.URL.Hostname()) {
				return fmt.Errorf("redirect to disallowed domain %s", req.URL.Hostname())
			}
			return nil
		},
	}
	return f
}

// Get fetches a URL. A nil result signals either a disallowed domain or
// a transport failure; callers are not given the distinction.
func (f *Fetcher) Get(ctx context.Context, rawURL string) *Result {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		f.log.Warn("fetch rejected: unparseable or non-http url", zap.String("url", rawURL))
		return nil
	}
	if !f.domainAllowed(u.Hostname()) {
		f.log.Warn("fetch rejected: domain not allow-listed",
			zap.String("url", rawURL), zap.String("host", u.Hostname()))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		f.log.Warn("fetch failed: build request", zap.Error(err))
		return nil
	}
	req.Header.Set("User-Agent", "vigil-agent/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("fetch failed: transport", zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		f.log.Warn("fetch failed: read body", zap.String("url", rawURL), zap.Error(err))
		return nil
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text = extractText(text)
	}

	f.log.Info("fetch completed",
		zap.String("url", rawURL), zap.Int("status", resp.StatusCode), zap.Int("bytes", len(text)))
	return &Result{Status: resp.StatusCode, Body: text}
}

func (f *Fetcher) domainAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, d := range f.allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// extractText reduces an HTML document to readable text so the
// reasoning step is not fed markup. Script and style bodies are
// skipped.
func extractText(doc string) string {
	node, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return doc
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return strings.TrimSpace(b.String())
}
