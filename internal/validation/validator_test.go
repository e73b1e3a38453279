package validation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/models"
)

type fakeSecrets struct {
	keys map[string]string
}

func (f *fakeSecrets) APIKey(provider string) (string, bool) {
	key, ok := f.keys[provider]
	return key, ok
}

func (f *fakeSecrets) SetAPIKey(provider, key string) error {
	if f.keys == nil {
		f.keys = map[string]string{}
	}
	f.keys[provider] = key
	return nil
}

func (f *fakeSecrets) Masked() map[string]string { return nil }
func (f *fakeSecrets) LastUpdated() time.Time    { return time.Time{} }

func testSpec() *models.PipelineSpec {
	return &models.PipelineSpec{
		Pipeline: models.PipelineMeta{Name: "company-profile", Version: "1.0.0"},
		Inputs: []models.InputDefinition{
			{Name: "companyName", Type: models.InputText, Label: "Company name", Required: true},
			{Name: "maxSections", Type: models.InputNumber},
			{Name: "includeCharts", Type: models.InputBool},
			{Name: "detailLevel", Type: models.InputSelect, Default: "standard", Options: []string{"brief", "standard", "deep"}},
		},
		Outputs: []string{"mdx", "html"},
	}
}

func testConfig() *models.PipelineConfig {
	return &models.PipelineConfig{
		LLM: models.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
	}
}

func newTestValidator(keys map[string]string) *Validator {
	return New(&fakeSecrets{keys: keys}, arbor.NewLogger())
}

func anthropicKey() map[string]string {
	return map[string]string{"anthropic": "sk-ant-test"}
}

func TestHappyPathNormalization(t *testing.T) {
	v := newTestValidator(anthropicKey())

	inputs := map[string]models.InputValue{
		"companyName":   models.TextValue("Acme Corp"),
		"maxSections":   models.TextValue("4"),
		"includeCharts": models.TextValue("yes"),
		"surplus":       models.TextValue("not declared"),
	}
	result := v.ValidateExecution(testSpec(), testConfig(), inputs, t.TempDir())

	require.True(t, result.Valid, "issues: %+v", result.Issues)
	require.NoError(t, result.ErrOrNil())

	assert.Equal(t, models.TextValue("Acme Corp"), result.NormalizedInputs["companyName"])
	assert.Equal(t, models.NumberValue(4), result.NormalizedInputs["maxSections"])
	assert.Equal(t, models.BoolValue(true), result.NormalizedInputs["includeCharts"])

	// Optional select falls back to its default.
	assert.Equal(t, models.SelectValue("standard"), result.NormalizedInputs["detailLevel"])

	// Undeclared inputs are dropped.
	_, ok := result.NormalizedInputs["surplus"]
	assert.False(t, ok)
}

func TestRequiredInputMissing(t *testing.T) {
	v := newTestValidator(anthropicKey())

	result := v.ValidateExecution(testSpec(), testConfig(), map[string]models.InputValue{}, t.TempDir())
	require.False(t, result.Valid)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "companyName", result.Issues[0].Field)

	err := result.ErrOrNil()
	assert.True(t, errdefs.Is(err, errdefs.CodeInputRequired))
}

func TestEmptyStringCountsAsMissing(t *testing.T) {
	v := newTestValidator(anthropicKey())

	inputs := map[string]models.InputValue{"companyName": models.TextValue("   ")}
	result := v.ValidateExecution(testSpec(), testConfig(), inputs, t.TempDir())
	require.False(t, result.Valid)
	assert.True(t, errdefs.Is(result.ErrOrNil(), errdefs.CodeInputRequired))
}

func TestNumberCoercion(t *testing.T) {
	v := newTestValidator(anthropicKey())

	cases := []struct {
		raw   models.InputValue
		want  float64
		valid bool
	}{
		{models.TextValue("42"), 42, true},
		{models.TextValue(" 3.5 "), 3.5, true},
		{models.NumberValue(0), 0, true},
		{models.TextValue("abc"), 0, false},
		{models.TextValue("NaN"), 0, false},
		{models.BoolValue(true), 0, false},
	}

	for _, tc := range cases {
		inputs := map[string]models.InputValue{
			"companyName": models.TextValue("Acme Corp"),
			"maxSections": tc.raw,
		}
		result := v.ValidateExecution(testSpec(), testConfig(), inputs, t.TempDir())
		if tc.valid {
			require.True(t, result.Valid, "raw %v issues %+v", tc.raw, result.Issues)
			assert.Equal(t, models.NumberValue(tc.want), result.NormalizedInputs["maxSections"])
		} else {
			require.False(t, result.Valid, "raw %v", tc.raw)
			assert.True(t, errdefs.Is(result.ErrOrNil(), errdefs.CodeInvalidInputType))
		}
	}
}

func TestBooleanWords(t *testing.T) {
	v := newTestValidator(anthropicKey())

	words := map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true,
		"false": false, "0": false, "no": false, "No": false,
	}
	for word, want := range words {
		inputs := map[string]models.InputValue{
			"companyName":   models.TextValue("Acme Corp"),
			"includeCharts": models.TextValue(word),
		}
		result := v.ValidateExecution(testSpec(), testConfig(), inputs, t.TempDir())
		require.True(t, result.Valid, "word %q issues %+v", word, result.Issues)
		assert.Equal(t, models.BoolValue(want), result.NormalizedInputs["includeCharts"], "word %q", word)
	}

	inputs := map[string]models.InputValue{
		"companyName":   models.TextValue("Acme Corp"),
		"includeCharts": models.TextValue("maybe"),
	}
	result := v.ValidateExecution(testSpec(), testConfig(), inputs, t.TempDir())
	require.False(t, result.Valid)
	assert.True(t, errdefs.Is(result.ErrOrNil(), errdefs.CodeInvalidInputType))
}

func TestSelectMembership(t *testing.T) {
	v := newTestValidator(anthropicKey())

	inputs := map[string]models.InputValue{
		"companyName": models.TextValue("Acme Corp"),
		"detailLevel": models.TextValue("extreme"),
	}
	result := v.ValidateExecution(testSpec(), testConfig(), inputs, t.TempDir())
	require.False(t, result.Valid)
	require.Len(t, result.Issues, 1)
	assert.Contains(t, result.Issues[0].Issue, "brief, standard, deep")
	assert.True(t, errdefs.Is(result.ErrOrNil(), errdefs.CodeValidationError))
}

func TestAPIKeyMissing(t *testing.T) {
	v := newTestValidator(nil)

	inputs := map[string]models.InputValue{"companyName": models.TextValue("Acme Corp")}
	result := v.ValidateExecution(testSpec(), testConfig(), inputs, t.TempDir())
	require.False(t, result.Valid)
	require.Len(t, result.Issues, 1)

	err := result.ErrOrNil()
	assert.True(t, errdefs.Is(err, errdefs.CodeAPIKeyMissing))
}

func TestOutputDirProblems(t *testing.T) {
	v := newTestValidator(anthropicKey())
	inputs := map[string]models.InputValue{"companyName": models.TextValue("Acme Corp")}

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	result := v.ValidateExecution(testSpec(), testConfig(), inputs, missing)
	require.False(t, result.Valid)
	assert.True(t, errdefs.Is(result.ErrOrNil(), errdefs.CodeOutputDirectoryError))
}

func TestMultipleIssuesCollapse(t *testing.T) {
	v := newTestValidator(nil)

	inputs := map[string]models.InputValue{"maxSections": models.TextValue("many")}
	result := v.ValidateExecution(testSpec(), testConfig(), inputs, t.TempDir())
	require.False(t, result.Valid)
	// Missing required input, bad number, missing API key.
	require.Len(t, result.Issues, 3)

	err := result.ErrOrNil()
	assert.True(t, errdefs.Is(err, errdefs.CodeMultipleValidationErrors))
}

func TestSpecShapeProblems(t *testing.T) {
	v := newTestValidator(anthropicKey())

	spec := &models.PipelineSpec{}
	result := v.ValidateExecution(spec, testConfig(), map[string]models.InputValue{}, t.TempDir())
	require.False(t, result.Valid)
	require.Len(t, result.Issues, 1)
	assert.True(t, errdefs.Is(result.ErrOrNil(), errdefs.CodeInvalidPipeline))
}

func TestNormalizationIsIdempotent(t *testing.T) {
	v := newTestValidator(anthropicKey())
	dir := t.TempDir()

	inputs := map[string]models.InputValue{
		"companyName":   models.TextValue("Acme Corp"),
		"maxSections":   models.TextValue("7"),
		"includeCharts": models.TextValue("no"),
		"detailLevel":   models.TextValue("deep"),
	}
	first := v.ValidateExecution(testSpec(), testConfig(), inputs, dir)
	require.True(t, first.Valid, "issues: %+v", first.Issues)

	second := v.ValidateExecution(testSpec(), testConfig(), first.NormalizedInputs, dir)
	require.True(t, second.Valid, "issues: %+v", second.Issues)
	assert.Equal(t, first.NormalizedInputs, second.NormalizedInputs)
}
