package index

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	fetchTimeout  = 10 * time.Second
	maxFetchBytes = 2 << 20 // 2 MiB
)

var urlClient = &http.Client{Timeout: fetchTimeout}

// IndexURL fetches a page, extracts its visible text and ingests it with
// origin "url". Only http and https are allowed, and the fetch is capped
// at 2 MiB.
func (ix *Index) IndexURL(ctx context.Context, rawURL string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("User-Agent", "quaesitor-index/1.0")

	resp, err := urlClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch url: status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxFetchBytes)
	contentType := resp.Header.Get("Content-Type")

	var title, text string
	switch {
	case strings.Contains(contentType, "text/html"), contentType == "":
		title, text, err = extractHTML(body)
		if err != nil {
			return 0, fmt.Errorf("parse html: %w", err)
		}
	case strings.Contains(contentType, "text/plain"):
		raw, err := io.ReadAll(body)
		if err != nil {
			return 0, fmt.Errorf("read body: %w", err)
		}
		text = string(raw)
	default:
		return 0, fmt.Errorf("unsupported content type %q", contentType)
	}

	if title == "" {
		title = u.String()
	}
	return ix.IndexText(ctx, OriginURL, title, text)
}

// extractHTML walks the token stream collecting visible text, skipping
// script, style and noscript subtrees. Whitespace is collapsed.
func extractHTML(r io.Reader) (title, text string, err error) {
	z := html.NewTokenizer(r)

	var b strings.Builder
	var skipDepth int
	var inTitle bool

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return title, collapseSpace(b.String()), nil
			}
			// A truncated read (size cap) is not fatal; keep what we got.
			if strings.Contains(z.Err().Error(), "unexpected EOF") {
				return title, collapseSpace(b.String()), nil
			}
			return "", "", z.Err()

		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skipDepth++
			case "title":
				inTitle = true
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skipDepth > 0 {
					skipDepth--
				}
			case "title":
				inTitle = false
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			t := string(z.Text())
			if inTitle {
				title = strings.TrimSpace(t)
				continue
			}
			if strings.TrimSpace(t) != "" {
				b.WriteString(t)
				b.WriteByte(' ')
			}
		}
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
