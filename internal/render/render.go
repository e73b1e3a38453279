// -----------------------------------------------------------------------
// Render Engine - prompt and output template rendering
// -----------------------------------------------------------------------

package render

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
)

// Engine renders prompts and output templates with a shared function
// set. Missing context keys are hard errors so a typo in a template
// fails the run instead of emitting "<no value>".
type Engine struct {
	logger arbor.ILogger
	funcs  template.FuncMap
}

// NewEngine creates a render engine.
func NewEngine(logger arbor.ILogger) *Engine {
	return &Engine{
		logger: logger,
		funcs:  Funcs(),
	}
}

// Prompt renders an in-memory prompt body. name is used in error
// reporting only.
func (e *Engine) Prompt(name, body string, ctx map[string]any) (string, error) {
	return e.render(name, body, ctx)
}

// File renders the template at path.
func (e *Engine) File(path string, ctx map[string]any) (string, error) {
	name := filepath.Base(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errdefs.TemplateRenderError(name, err)
	}
	return e.render(name, string(raw), ctx)
}

func (e *Engine) render(name, body string, ctx map[string]any) (string, error) {
	tmpl, err := template.New(name).Funcs(e.funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return "", errdefs.TemplateRenderError(name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		e.logger.Debug().Err(err).Str("template", name).Msg("Template execution failed")
		return "", errdefs.TemplateRenderError(name, err)
	}
	return buf.String(), nil
}

// PromptContext is the context prompts render with.
func PromptContext(inputs, vars, data map[string]any) map[string]any {
	return map[string]any{
		"inputs": orEmpty(inputs),
		"vars":   orEmpty(vars),
		"data":   orEmpty(data),
	}
}

// OutputContext extends the prompt context with the LLM result and the
// execution metadata block for output templates.
func OutputContext(inputs, vars, data, llm map[string]any, meta Metadata) map[string]any {
	ctx := PromptContext(inputs, vars, data)
	ctx["llm"] = orEmpty(llm)
	ctx["metadata"] = meta.Map()
	return ctx
}

// Metadata is the `.metadata` block output templates see.
type Metadata struct {
	ExecutionTime int64
	Model         string
	Timestamp     time.Time
	PipelineName  string
	Version       string
	TokensUsed    int64
}

// Map lowers the metadata into template-addressable keys.
func (m Metadata) Map() map[string]any {
	return map[string]any{
		"executionTime": m.ExecutionTime,
		"model":         m.Model,
		"timestamp":     m.Timestamp.UTC().Format(time.RFC3339),
		"pipelineName":  m.PipelineName,
		"version":       m.Version,
		"tokensUsed":    m.TokensUsed,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
