// -----------------------------------------------------------------------
// Webpage Processor - fetch a page, extract content, convert to markdown
// -----------------------------------------------------------------------

package processors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/dproc-io/dproc/pkg/processor"
)

const (
	webpageCacheTTL    = 15 * time.Minute
	maxWebpageBytes    = 10 << 20
	defaultContentArea = "main, article, #content, #main, body"
)

// Webpage fetches a URL, extracts the main content area and converts it
// to markdown for prompt consumption. The URL comes from the `url`
// option or, failing that, a `url` input. Fetched pages are cached per
// pipeline for a short window; the raw HTML is kept as a bundle
// artifact next to the execution's data bundle.
type Webpage struct{}

// Name implements processor.Processor.
func (Webpage) Name() string { return "webpage" }

// Run implements processor.Processor.
func (Webpage) Run(ctx context.Context, inputs map[string]any, pctx processor.Context, options map[string]any) (*processor.Result, error) {
	pageURL, _ := options["url"].(string)
	if pageURL == "" {
		pageURL, _ = inputs["url"].(string)
	}
	if pageURL == "" {
		return nil, fmt.Errorf("webpage processor requires a `url` option or input")
	}
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("webpage processor: invalid url %q", pageURL)
	}

	cacheKey := "webpage:" + pageURL
	if cached, ok := pctx.Cache().Get(cacheKey); ok {
		if attrs, ok := cached.(map[string]any); ok {
			pctx.Logger().Debug().Str("url", pageURL).Msg("Webpage served from cache")
			return &processor.Result{
				Attributes: attrs,
				Metadata: map[string]any{
					"processor": "webpage",
					"url":       pageURL,
					"cached":    true,
				},
			}, nil
		}
	}

	body, status, err := fetchPage(ctx, pctx.HTTPClient(), pageURL)
	if err != nil {
		return nil, err
	}

	sourcePath, err := pctx.SaveBundle("webpage-source.html", body)
	if err != nil {
		return nil, err
	}

	attrs, err := extractPage(parsed, body, options)
	if err != nil {
		return nil, err
	}
	pctx.Cache().Set(cacheKey, attrs, webpageCacheTTL)

	pctx.Logger().Debug().
		Str("url", pageURL).
		Int("status", status).
		Int("bytes", len(body)).
		Msg("Webpage fetched and converted")

	return &processor.Result{
		Attributes: attrs,
		Metadata: map[string]any{
			"processor":  "webpage",
			"url":        pageURL,
			"statusCode": status,
			"bytes":      len(body),
			"sourcePath": sourcePath,
			"cached":     false,
		},
	}, nil
}

func fetchPage(ctx context.Context, client *http.Client, pageURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", "dproc/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebpageBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", pageURL, err)
	}
	return body, resp.StatusCode, nil
}

// extractPage pulls the title and the main content area out of the page
// and converts the content to markdown.
func extractPage(pageURL *url.URL, body []byte, options map[string]any) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, nav, footer, aside").Remove()

	selector, _ := options["selector"].(string)
	if selector == "" {
		selector = defaultContentArea
	}
	content := doc.Find(selector).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	contentHTML, err := goquery.OuterHtml(content)
	if err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}

	converter := md.NewConverter(pageURL.Host, true, nil)
	markdown, err := converter.ConvertString(contentHTML)
	if err != nil {
		return nil, fmt.Errorf("convert to markdown: %w", err)
	}

	return map[string]any{
		"url":      pageURL.String(),
		"title":    extractTitle(doc),
		"markdown": strings.TrimSpace(markdown),
	}, nil
}

// extractTitle tries the usual title sources in order of fidelity.
func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if ogTitle, exists := doc.Find(`meta[property="og:title"]`).Attr("content"); exists && strings.TrimSpace(ogTitle) != "" {
		return strings.TrimSpace(ogTitle)
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return "Untitled"
}
