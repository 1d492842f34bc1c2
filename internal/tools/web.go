package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/joss/swarm/pkg/llm"
)

var (
	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]+`)
)

// WebFetch downloads a page and returns its readable text.
type WebFetch struct {
	client *http.Client
}

func NewWebFetch(client *http.Client) *WebFetch {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebFetch{client: client}
}

func (t *WebFetch) Info() llm.Tool {
	return llm.Tool{
		Name:        "web_fetch",
		Description: "Fetch a URL and return the page as plain text.",
		InputSchema: schema([]string{"url"}, map[string]any{
			"url": prop("string", "http or https URL"),
		}),
	}
}

func (t *WebFetch) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	rawURL, ok := stringArg(args, "url")
	if !ok {
		return nil, ErrInvalidArgs
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidArgs, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &Result{Title: rawURL, Error: err}, nil
	}
	req.Header.Set("User-Agent", "swarm-worker/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return &Result{Title: rawURL, Error: fmt.Errorf("fetch: %w", err)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Result{Title: rawURL, Error: fmt.Errorf("HTTP %d", resp.StatusCode)}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return &Result{Title: rawURL, Error: fmt.Errorf("read body: %w", err)}, nil
	}

	content := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		if text, err := htmlToText(content); err == nil {
			content = text
		}
	}

	return &Result{
		Title:  fmt.Sprintf("Fetched %s", u.Host),
		Output: truncate(content, 50000, "content"),
		Metadata: map[string]any{
			"url":         u.String(),
			"status":      resp.StatusCode,
			"contentType": resp.Header.Get("Content-Type"),
		},
	}, nil
}

func htmlToText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	extractText(root, &sb, 0)

	s := multiSpace.ReplaceAllString(sb.String(), " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = multiNewline.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s), nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 100 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "svg", "iframe":
			return
		case "h1", "h2", "h3", "h4", "h5", "h6", "p", "div", "tr", "pre":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
}

var _ Executor = (*WebFetch)(nil)
