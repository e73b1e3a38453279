// -----------------------------------------------------------------------
// Pipeline Definition - spec.yml, config.yml, processor.yml models
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// PipelineSpec is the parsed spec.yml. Immutable per execution.
type PipelineSpec struct {
	Pipeline  PipelineMeta      `yaml:"pipeline" json:"pipeline" validate:"required"`
	Inputs    []InputDefinition `yaml:"inputs" json:"inputs" validate:"dive"`
	Outputs   []string          `yaml:"outputs" json:"outputs" validate:"required,min=1,dive,required"`
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// PipelineMeta is the pipeline block inside spec.yml.
type PipelineMeta struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Name returns the declared pipeline name.
func (s *PipelineSpec) Name() string { return s.Pipeline.Name }

// Input looks up an input definition by name.
func (s *PipelineSpec) Input(name string) (*InputDefinition, bool) {
	for i := range s.Inputs {
		if s.Inputs[i].Name == name {
			return &s.Inputs[i], true
		}
	}
	return nil, false
}

// HasOutput reports whether the spec declares the output format token.
func (s *PipelineSpec) HasOutput(format string) bool {
	for _, f := range s.Outputs {
		if f == format {
			return true
		}
	}
	return false
}

// InputDefinition declares one pipeline input. Select inputs require
// options.
type InputDefinition struct {
	Name        string    `yaml:"name" json:"name" validate:"required"`
	Type        InputKind `yaml:"type" json:"type" validate:"required,oneof=text number select boolean file array"`
	Label       string    `yaml:"label" json:"label"`
	Required    bool      `yaml:"required" json:"required"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Options     []string  `yaml:"options,omitempty" json:"options,omitempty" validate:"required_if=Type select"`
	Placeholder string    `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	MaxSize     int64     `yaml:"maxSize,omitempty" json:"maxSize,omitempty"`
}

// PipelineConfig is the parsed config.yml.
type PipelineConfig struct {
	LLM       LLMConfig        `yaml:"llm" json:"llm" validate:"required"`
	Execution ExecutionOptions `yaml:"execution,omitempty" json:"execution,omitempty"`
}

// LLMConfig selects the provider and generation parameters for the
// enrichment stage.
type LLMConfig struct {
	Provider    string       `yaml:"provider" json:"provider" validate:"required,oneof=openai anthropic google"`
	Model       string       `yaml:"model" json:"model" validate:"required"`
	Temperature float64      `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int          `yaml:"maxTokens" json:"maxTokens" validate:"gte=0"`
	Fallback    *LLMFallback `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// LLMFallback is the secondary provider tried once when the primary call
// fails with a retryable, non-auth error.
type LLMFallback struct {
	Provider string `yaml:"provider" json:"provider" validate:"required,oneof=openai anthropic google"`
	Model    string `yaml:"model" json:"model" validate:"required"`
}

// ExecutionOptions tunes queueing and timeout behavior per pipeline.
type ExecutionOptions struct {
	QueuePriority  Priority `yaml:"queuePriority,omitempty" json:"queuePriority,omitempty"`
	TimeoutMinutes int      `yaml:"timeoutMinutes,omitempty" json:"timeoutMinutes,omitempty"`
	RetryAttempts  int      `yaml:"retryAttempts,omitempty" json:"retryAttempts,omitempty"`
}

// DefaultExecutionTimeout is the pipeline-wide deadline when config.yml
// sets none.
const DefaultExecutionTimeout = 30 * time.Minute

// Timeout returns the pipeline-wide deadline.
func (o ExecutionOptions) Timeout() time.Duration {
	if o.TimeoutMinutes > 0 {
		return time.Duration(o.TimeoutMinutes) * time.Minute
	}
	return DefaultExecutionTimeout
}

// ProcessorRef is the parsed processor.yml: the name of a processor
// registered in this build plus its options block.
type ProcessorRef struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// PipelineInfo is the listing shape for surfaces: a name plus validity.
type PipelineInfo struct {
	Name   string        `json:"name"`
	Spec   *PipelineSpec `json:"spec,omitempty"`
	Valid  bool          `json:"valid"`
	Errors []string      `json:"errors,omitempty"`
}

// PipelineValidation is the result of structural pipeline validation.
// Errors are shown verbatim by the CLI and HTTP surfaces.
type PipelineValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// PromptFile is one rendered-prompt source loaded from the pipeline's
// prompts directory. Name is the file stem ("main" for prompts/main.md).
type PromptFile struct {
	Name    string
	Content string
}

// CanonicalFormat is the output format always rendered; other formats are
// rendered in addition when the pipeline ships a matching template.
const CanonicalFormat = "mdx"
