package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"golang.org/x/net/html"

	"github.com/forge-run/forge/internal/agentctx"
	"github.com/forge-run/forge/internal/webcache"
)

const (
	fetchTruncationLimit = 40_000
	fetchMaxBodyBytes    = 5 << 20
)

type netFetchArgs struct {
	URL string `json:"url"`
	Raw bool   `json:"raw,omitempty"`
}

const netFetchSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "description": "The URL to fetch, must be HTTP or HTTPS"},
		"raw": {"type": "boolean", "description": "Return the raw response body instead of converting HTML to Markdown"}
	},
	"required": ["url"]
}`

// checkRobotsTxt fetches {scheme}://{authority}/robots.txt and rejects the
// request if any Disallow line's path is a prefix of the target path.
func checkRobotsTxt(ctx context.Context, client *http.Client, target *url.URL) error {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", target.Scheme, target.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil // robots.txt unreachable: proceed, matching the original's best-effort check
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}

	path := target.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	for _, line := range strings.Split(string(body), "\n") {
		disallowed, ok := strings.CutPrefix(strings.TrimSpace(line), "Disallow: ")
		if !ok {
			continue
		}
		disallowed = strings.TrimSpace(disallowed)
		if disallowed == "" {
			continue
		}
		if !strings.HasPrefix(disallowed, "/") {
			disallowed = "/" + disallowed
		}
		if strings.HasPrefix(path, disallowed) {
			return fmt.Errorf("URL %s cannot be fetched due to robots.txt restrictions", target)
		}
	}
	return nil
}

// htmlToMarkdown converts the block/inline tags readability leaves behind
// into Markdown, then round-trips the result through goldmark to catch
// malformed output before it reaches the model.
func htmlToMarkdown(rawHTML string) (string, error) {
	tokenizer := html.NewTokenizer(strings.NewReader(rawHTML))
	var b strings.Builder
	var linkHref string

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		tn, _ := tokenizer.TagName()
		tag := string(tn)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			switch tag {
			case "h1":
				b.WriteString("\n# ")
			case "h2":
				b.WriteString("\n## ")
			case "h3":
				b.WriteString("\n### ")
			case "p", "div", "br":
				b.WriteString("\n\n")
			case "li":
				b.WriteString("\n- ")
			case "strong", "b":
				b.WriteString("**")
			case "em", "i":
				b.WriteString("*")
			case "a":
				for {
					key, val, more := tokenizer.TagAttr()
					if string(key) == "href" {
						linkHref = string(val)
					}
					if !more {
						break
					}
				}
				b.WriteString("[")
			}
		case html.EndTagToken:
			switch tag {
			case "strong", "b":
				b.WriteString("**")
			case "em", "i":
				b.WriteString("*")
			case "a":
				fmt.Fprintf(&b, "](%s)", linkHref)
				linkHref = ""
			}
		case html.TextToken:
			b.Write(tokenizer.Text())
		}
	}

	md := collapseBlankLines(b.String())

	var discard bytes.Buffer
	if err := goldmark.Convert([]byte(md), &discard); err != nil {
		log.Warn().Err(err).Msg("net_fetch: generated markdown failed goldmark validation")
	}
	return md, nil
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blanks := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blanks++
			if blanks <= 1 {
				out = append(out, "")
			}
			continue
		}
		blanks = 0
		out = append(out, trimmed)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func registerNetFetch(e *Executor, cache *webcache.Cache) {
	client := &http.Client{Timeout: 30 * time.Second}

	e.Register("net_fetch", "Fetches a URL over HTTP/HTTPS and returns its content, converting HTML to Markdown unless raw is set.",
		json.RawMessage(netFetchSchema),
		func(ctx context.Context, raw json.RawMessage) (agentctx.ToolOutput, error) {
			var args netFetchArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return agentctx.ToolOutput{}, err
			}
			target, err := url.Parse(args.URL)
			if err != nil || target.Scheme == "" || target.Host == "" {
				return agentctx.ErrorOutput(fmt.Sprintf("invalid URL %q: %v", args.URL, err)), nil
			}
			if target.Scheme != "http" && target.Scheme != "https" {
				return agentctx.ErrorOutput(fmt.Sprintf("unsupported scheme %q", target.Scheme)), nil
			}

			if cache != nil {
				if cached, ok := cache.GetFetch(args.URL); ok {
					clip := ClipByLines(cached, fetchTruncationLimit, 0)
					return agentctx.TextOutput(clip.Text), nil
				}
			}

			if err := checkRobotsTxt(ctx, client, target); err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
			if err != nil {
				return agentctx.ErrorOutput(err.Error()), nil
			}
			req.Header.Set("User-Agent", "forge-go/0.1")
			req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

			resp, err := client.Do(req)
			if err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to fetch %s: %v", args.URL, err)), nil
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to fetch %s: status %d", args.URL, resp.StatusCode)), nil
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBodyBytes))
			if err != nil {
				return agentctx.ErrorOutput(fmt.Sprintf("failed to read response from %s: %v", args.URL, err)), nil
			}

			contentType := resp.Header.Get("Content-Type")
			isHTML := strings.Contains(contentType, "text/html") || bytes.Contains(bytes.ToLower(body[:min(len(body), 512)]), []byte("<html"))

			var text string
			if isHTML && !args.Raw {
				article, rerr := readability.FromReader(bytes.NewReader(body), target)
				source := article.Content
				if rerr != nil || strings.TrimSpace(source) == "" {
					source = string(body)
				}
				md, mdErr := htmlToMarkdown(source)
				if mdErr != nil {
					text = article.TextContent
				} else {
					text = md
				}
			} else {
				text = string(body)
			}

			if cache != nil {
				cache.SetFetch(args.URL, text)
			}

			clip := ClipByLines(text, fetchTruncationLimit, 0)
			out := clip.Text
			if clip.Truncated && clip.TempFile != "" {
				out += fmt.Sprintf("\n\n(full content saved to %s)", clip.TempFile)
			}
			return agentctx.TextOutput(out), nil
		})
}
