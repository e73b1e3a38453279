// -------------------------------------------------------------------------
// Validator - pre-execution checks and input normalization
// -------------------------------------------------------------------------

package validation

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/models"
)

// Issue is one validation finding. Surfaces show the list verbatim.
type Issue struct {
	Field    string           `json:"field"`
	Issue    string           `json:"issue"`
	Severity errdefs.Severity `json:"severity"`

	err *errdefs.Error
}

// Result is the outcome of pre-execution validation. NormalizedInputs is
// only complete when Valid.
type Result struct {
	Valid            bool                         `json:"valid"`
	Issues           []Issue                      `json:"errors,omitempty"`
	NormalizedInputs map[string]models.InputValue `json:"-"`
}

func (r *Result) add(field, text string, err *errdefs.Error) {
	r.Issues = append(r.Issues, Issue{
		Field:    field,
		Issue:    text,
		Severity: errdefs.SeverityError,
		err:      err,
	})
}

// ErrOrNil converts the result into the most specific taxonomy variant:
// a single finding raises its own variant (APIKeyMissing,
// OutputDirectoryError, InputRequired, ...); several findings collapse
// into MultipleValidationErrors.
func (r *Result) ErrOrNil() error {
	if r.Valid || len(r.Issues) == 0 {
		return nil
	}
	if len(r.Issues) == 1 {
		return r.Issues[0].err
	}

	msgs := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		msgs[i] = fmt.Sprintf("%s: %s", issue.Field, issue.Issue)
	}
	return errdefs.MultipleValidationErrors(msgs)
}

// Validator normalizes raw inputs against a pipeline spec and checks the
// execution preconditions: API key present, output directory writable,
// spec shape sane.
type Validator struct {
	secrets interfaces.SecretsService
	logger  arbor.ILogger
}

// New creates a validator backed by the secrets service.
func New(secrets interfaces.SecretsService, logger arbor.ILogger) *Validator {
	return &Validator{
		secrets: secrets,
		logger:  logger,
	}
}

// ValidateExecution runs every check and accumulates findings instead of
// stopping at the first. Normalization is idempotent: feeding the
// normalized map back through yields the same result.
func (v *Validator) ValidateExecution(spec *models.PipelineSpec, config *models.PipelineConfig, inputs map[string]models.InputValue, outputDir string) *Result {
	result := &Result{NormalizedInputs: map[string]models.InputValue{}}

	v.checkSpec(spec, result)
	v.normalizeInputs(spec, inputs, result)
	v.checkAPIKey(config, result)
	v.checkOutputDir(outputDir, result)

	result.Valid = len(result.Issues) == 0
	if !result.Valid {
		v.logger.Debug().
			Str("pipeline", spec.Name()).
			Int("issues", len(result.Issues)).
			Msg("pre-execution validation failed")
	}
	return result
}

func (v *Validator) checkSpec(spec *models.PipelineSpec, result *Result) {
	var violations []string
	if strings.TrimSpace(spec.Pipeline.Name) == "" {
		violations = append(violations, "pipeline name is empty")
	}
	if len(spec.Outputs) == 0 {
		violations = append(violations, "no output formats declared")
	}
	if len(violations) > 0 {
		result.add("spec", strings.Join(violations, "; "),
			errdefs.InvalidPipeline(spec.Pipeline.Name, violations))
	}
}

func (v *Validator) normalizeInputs(spec *models.PipelineSpec, inputs map[string]models.InputValue, result *Result) {
	for i := range spec.Inputs {
		def := &spec.Inputs[i]
		raw, provided := inputs[def.Name]

		if !provided || raw.IsZero() {
			if def.Default != nil {
				v.coerceInto(def, models.InputValueFromAny(def.Default), result)
				continue
			}
			if def.Required {
				label := def.Label
				if label == "" {
					label = def.Name
				}
				result.add(def.Name, fmt.Sprintf("%s is required", label),
					errdefs.InputRequired(def.Name, label))
			}
			continue
		}

		v.coerceInto(def, raw, result)
	}
}

// coerceInto normalizes one value to its declared type and stores it, or
// records the type mismatch.
func (v *Validator) coerceInto(def *models.InputDefinition, value models.InputValue, result *Result) {
	invalid := func() {
		got := value.Native()
		result.add(def.Name, fmt.Sprintf("expected %s, got %v", def.Type, got),
			errdefs.InvalidInputType(def.Name, string(def.Type), got))
	}

	switch def.Type {
	case models.InputNumber:
		switch value.Kind {
		case models.InputNumber:
			result.NormalizedInputs[def.Name] = value
		case models.InputText, models.InputSelect:
			text := strings.TrimSpace(value.Text)
			parsed, err := strconv.ParseFloat(text, 64)
			if text == "" || err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
				invalid()
				return
			}
			result.NormalizedInputs[def.Name] = models.NumberValue(parsed)
		default:
			invalid()
		}

	case models.InputBool:
		switch value.Kind {
		case models.InputBool:
			result.NormalizedInputs[def.Name] = value
		case models.InputText, models.InputSelect:
			parsed, ok := parseBoolWord(value.Text)
			if !ok {
				invalid()
				return
			}
			result.NormalizedInputs[def.Name] = models.BoolValue(parsed)
		default:
			invalid()
		}

	case models.InputText:
		switch value.Kind {
		case models.InputText:
			result.NormalizedInputs[def.Name] = value
		case models.InputNumber, models.InputBool, models.InputSelect, models.InputFile:
			result.NormalizedInputs[def.Name] = models.TextValue(value.String())
		default:
			invalid()
		}

	case models.InputSelect:
		var text string
		switch value.Kind {
		case models.InputText, models.InputSelect:
			text = value.Text
		case models.InputNumber, models.InputBool:
			text = value.String()
		default:
			invalid()
			return
		}
		for _, option := range def.Options {
			if option == text {
				result.NormalizedInputs[def.Name] = models.SelectValue(text)
				return
			}
		}
		issue := fmt.Sprintf("must be one of [%s]", strings.Join(def.Options, ", "))
		result.add(def.Name, issue, errdefs.ValidationError(def.Name, issue))

	case models.InputFile:
		switch value.Kind {
		case models.InputFile:
			result.NormalizedInputs[def.Name] = value
		case models.InputText:
			result.NormalizedInputs[def.Name] = models.FileValue(value.Text)
		default:
			invalid()
		}

	case models.InputArray:
		if value.Kind == models.InputArray {
			result.NormalizedInputs[def.Name] = value
			return
		}
		invalid()

	default:
		result.add(def.Name, fmt.Sprintf("unknown input type %q", def.Type),
			errdefs.InvalidInputType(def.Name, string(def.Type), value.Native()))
	}
}

func (v *Validator) checkAPIKey(config *models.PipelineConfig, result *Result) {
	if config == nil || config.LLM.Provider == "" {
		return
	}
	if _, ok := v.secrets.APIKey(config.LLM.Provider); !ok {
		result.add("llm.provider",
			fmt.Sprintf("no API key configured for %s", config.LLM.Provider),
			errdefs.APIKeyMissing(config.LLM.Provider))
	}
}

func (v *Validator) checkOutputDir(outputDir string, result *Result) {
	info, err := os.Stat(outputDir)
	if err != nil {
		result.add("outputDir", "output directory does not exist",
			errdefs.OutputDirectoryError(outputDir, err))
		return
	}
	if !info.IsDir() {
		result.add("outputDir", "output path is not a directory",
			errdefs.OutputDirectoryError(outputDir, fmt.Errorf("%s is not a directory", outputDir)))
		return
	}

	probe, err := os.CreateTemp(outputDir, ".dproc-probe-*")
	if err != nil {
		result.add("outputDir", "output directory is not writable",
			errdefs.OutputDirectoryError(outputDir, err))
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
}

func parseBoolWord(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	}
	return false, false
}
