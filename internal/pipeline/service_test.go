package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	return NewService(filepath.Join(root, "pipelines"), filepath.Join(root, "outputs"), arbor.NewLogger())
}

func writePipelineFile(t *testing.T, svc *Service, pipeline, rel, content string) {
	t.Helper()
	path := filepath.Join(svc.dir(pipeline), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScaffoldProducesValidPipeline(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Scaffold("company-profile"))

	validation, err := svc.Validate("company-profile")
	require.NoError(t, err)
	assert.True(t, validation.Valid, "violations: %v", validation.Errors)

	spec, err := svc.LoadSpec("company-profile")
	require.NoError(t, err)
	assert.Equal(t, "company-profile", spec.Name())
	assert.True(t, spec.HasOutput(models.CanonicalFormat))
	assert.True(t, spec.HasOutput("html"))

	def, ok := spec.Input("detailLevel")
	require.True(t, ok)
	assert.Equal(t, models.InputSelect, def.Type)
	assert.Contains(t, def.Options, "standard")

	config, err := svc.LoadConfig("company-profile")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", config.LLM.Provider)
	require.NotNil(t, config.LLM.Fallback)
	assert.Equal(t, "openai", config.LLM.Fallback.Provider)

	ref, err := svc.LoadProcessorRef("company-profile")
	require.NoError(t, err)
	assert.Equal(t, "passthrough", ref.Name)

	prompts, err := svc.Prompts("company-profile")
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "main", prompts[0].Name)
	assert.NotEmpty(t, prompts[0].Content)
}

func TestScaffoldRejectsBadNames(t *testing.T) {
	svc := newTestService(t)

	for _, name := range []string{"", "Company Profile", "UPPER", "-leading", "trailing-", "under_score"} {
		err := svc.Scaffold(name)
		assert.True(t, errdefs.Is(err, errdefs.CodeValidationError), "name %q", name)
	}
}

func TestScaffoldRejectsExisting(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Scaffold("company-profile"))

	err := svc.Scaffold("company-profile")
	assert.True(t, errdefs.Is(err, errdefs.CodeValidationError))
}

func TestLoadSpecUnknownPipeline(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Scaffold("company-profile"))

	_, err := svc.LoadSpec("market-summary")
	require.True(t, errdefs.Is(err, errdefs.CodePipelineNotFound))

	// The available pipelines ride along in the error context.
	taxErr, ok := errdefs.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"company-profile"}, taxErr.Context["available"])
}

func TestLoadSpecMissingFile(t *testing.T) {
	svc := newTestService(t)
	writePipelineFile(t, svc, "bare", "config.yml", "llm:\n  provider: openai\n  model: gpt-5.2\n")

	_, err := svc.LoadSpec("bare")
	assert.True(t, errdefs.Is(err, errdefs.CodePipelineSpecMissing))
}

func TestLoadSpecBadYAML(t *testing.T) {
	svc := newTestService(t)
	writePipelineFile(t, svc, "broken", "spec.yml", "pipeline: [unclosed\n")

	_, err := svc.LoadSpec("broken")
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidPipeline))
}

func TestLoadSpecStructuralViolations(t *testing.T) {
	svc := newTestService(t)
	// Name present but no outputs declared.
	writePipelineFile(t, svc, "incomplete", "spec.yml", `
pipeline:
  name: incomplete
inputs: []
outputs: []
`)

	_, err := svc.LoadSpec("incomplete")
	require.True(t, errdefs.Is(err, errdefs.CodeInvalidPipeline))
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	svc := newTestService(t)
	writePipelineFile(t, svc, "badllm", "config.yml", `
llm:
  provider: cohere
  model: command
`)

	_, err := svc.LoadConfig("badllm")
	assert.True(t, errdefs.Is(err, errdefs.CodeInvalidPipeline))
}

func TestLoadProcessorRefMissing(t *testing.T) {
	svc := newTestService(t)
	writePipelineFile(t, svc, "noproc", "spec.yml", "pipeline:\n  name: noproc\noutputs: [mdx]\n")

	_, err := svc.LoadProcessorRef("noproc")
	assert.True(t, errdefs.Is(err, errdefs.CodeProcessorMissing))
}

func TestPromptsSortedByName(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Scaffold("company-profile"))
	writePipelineFile(t, svc, "company-profile", "prompts/appendix.md", "Appendix prompt")
	writePipelineFile(t, svc, "company-profile", "prompts/notes.txt", "ignored, not markdown")

	prompts, err := svc.Prompts("company-profile")
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, "appendix", prompts[0].Name)
	assert.Equal(t, "main", prompts[1].Name)
}

func TestTemplateLookupOrder(t *testing.T) {
	svc := newTestService(t)
	writePipelineFile(t, svc, "lookup", "templates/pdf.tmpl", "plain")

	path, err := svc.TemplatePath("lookup", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf.tmpl", filepath.Base(path))

	// report.{format}.tmpl wins over {format}.tmpl.
	writePipelineFile(t, svc, "lookup", "templates/report.pdf.tmpl", "report")
	path, err = svc.TemplatePath("lookup", "pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf.tmpl", filepath.Base(path))

	_, err = svc.TemplatePath("lookup", "docx")
	assert.True(t, errdefs.Is(err, errdefs.CodeTemplateMissing))
}

func TestValidateAccumulatesViolations(t *testing.T) {
	svc := newTestService(t)
	writePipelineFile(t, svc, "partial", "spec.yml", `
pipeline:
  name: ""
outputs: []
`)

	validation, err := svc.Validate("partial")
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	// Missing config.yml, processor.yml, prompts/, templates/, plus the
	// structural problems in spec.yml itself.
	assert.GreaterOrEqual(t, len(validation.Errors), 5)
}

func TestValidateUnknownPipeline(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Validate("ghost")
	assert.True(t, errdefs.Is(err, errdefs.CodePipelineNotFound))
}

func TestListReportsValidity(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Scaffold("alpha"))
	require.NoError(t, svc.Scaffold("beta"))
	writePipelineFile(t, svc, "gamma", "spec.yml", "pipeline: [broken\n")

	infos, err := svc.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)

	assert.Equal(t, "alpha", infos[0].Name)
	assert.True(t, infos[0].Valid)
	require.NotNil(t, infos[0].Spec)

	assert.Equal(t, "gamma", infos[2].Name)
	assert.False(t, infos[2].Valid)
	assert.NotEmpty(t, infos[2].Errors)
}

func TestListEmptyWorkspace(t *testing.T) {
	svc := newTestService(t)

	infos, err := svc.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestOutputDirCreatesLayout(t *testing.T) {
	svc := newTestService(t)

	dir, err := svc.OutputDir()
	require.NoError(t, err)

	for _, sub := range []string{"reports", "bundles"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	assert.Equal(t, filepath.Join(dir, "reports", "exec-1.html"), ReportPath(dir, "exec-1", "html"))
	assert.Equal(t, filepath.Join(dir, "bundles", "exec-1.json"), BundlePath(dir, "exec-1"))
}
