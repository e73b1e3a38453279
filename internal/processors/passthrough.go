package processors

import (
	"context"

	"github.com/dproc-io/dproc/pkg/processor"
)

// Passthrough hands the normalized inputs straight through as the data
// bundle. It is the default processor for scaffolded pipelines and for
// pipelines whose prompts only need user inputs.
type Passthrough struct{}

// Name implements processor.Processor.
func (Passthrough) Name() string { return "passthrough" }

// Run implements processor.Processor.
func (Passthrough) Run(_ context.Context, inputs map[string]any, _ processor.Context, _ map[string]any) (*processor.Result, error) {
	attrs := make(map[string]any, len(inputs))
	for name, value := range inputs {
		attrs[name] = value
	}
	return &processor.Result{
		Attributes: attrs,
		Metadata: map[string]any{
			"processor":  "passthrough",
			"inputCount": len(inputs),
		},
	}, nil
}
