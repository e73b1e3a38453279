package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdownEngine converts GitHub Flavored Markdown. Shared across
// renders; goldmark instances are safe for concurrent use.
var markdownEngine = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
		html.WithXHTML(),
	),
)

// Funcs returns the helpers available inside prompts and output
// templates.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"json":     toJSON,
		"markdown": markdownToHTML,
		"upper":    strings.ToUpper,
		"lower":    strings.ToLower,
		"trim":     strings.TrimSpace,
	}
}

// toJSON pretty-prints a context value, typically `.data`, for prompt
// consumption.
func toJSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// markdownToHTML renders markdown, typically `.llm.text`, as HTML.
func markdownToHTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
