package processors

import "github.com/dproc-io/dproc/pkg/processor"

// RegisterBuiltins adds the processors that ship with this build.
func RegisterBuiltins(reg *processor.Registry) {
	reg.Register(Passthrough{})
	reg.Register(DataFile{})
	reg.Register(Webpage{})
}
