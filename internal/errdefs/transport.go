package errdefs

import (
	"fmt"
	"io"
	"net/http"
)

// Transport is the single serialization of a taxonomy error used by both
// the HTTP and CLI surfaces.
type Transport struct {
	Name        string         `json:"name"`
	Code        Code           `json:"code"`
	UserMessage string         `json:"userMessage"`
	Fixes       []string       `json:"fixes,omitempty"`
	Severity    Severity       `json:"severity"`
	Context     map[string]any `json:"context,omitempty"`
}

// ToTransport converts any error into the transport form. Non-taxonomy
// errors serialize as a generic ProcessingError so no surface ever sees a
// bare error string without a code.
func ToTransport(err error) Transport {
	e, ok := As(err)
	if !ok {
		e = ProcessingError("internal", err)
	}
	return Transport{
		Name:        VariantName(e.Code),
		Code:        e.Code,
		UserMessage: e.UserMessage,
		Fixes:       e.Fixes,
		Severity:    e.Severity,
		Context:     e.Context,
	}
}

// HTTPStatus maps a taxonomy error to the status code the HTTP surface
// returns. Client-correctable problems map to 400, unknown names to 404,
// everything else to 500.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodePipelineNotFound:
		return http.StatusNotFound
	case CodeValidationError, CodeInputRequired, CodeInvalidInputType,
		CodeMultipleValidationErrors, CodeAPIKeyMissing, CodeAPIKeyInvalid,
		CodeInvalidPipeline:
		return http.StatusBadRequest
	case CodeWorkerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RenderCLI writes the CLI presentation of an error: the user message, the
// code, and numbered fixes. Under debug the technical message and cause
// chain are appended.
func RenderCLI(w io.Writer, err error, debug bool) {
	e, ok := As(err)
	if !ok {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(w, "Error: %s\n", e.UserMessage)
	fmt.Fprintf(w, "Code:  %s\n", e.Code)
	if len(e.Fixes) > 0 {
		fmt.Fprintln(w, "Fixes:")
		for i, fix := range e.Fixes {
			fmt.Fprintf(w, "  %d. %s\n", i+1, fix)
		}
	}

	if debug {
		fmt.Fprintf(w, "\nTechnical: %s\n", e.TechnicalMessage)
		for cause := e.Cause; cause != nil; {
			fmt.Fprintf(w, "Caused by: %v\n", cause)
			if inner, ok := cause.(interface{ Unwrap() error }); ok {
				cause = inner.Unwrap()
			} else {
				cause = nil
			}
		}
		if len(e.Context) > 0 {
			fmt.Fprintln(w, "Context:")
			for k, v := range e.Context {
				fmt.Fprintf(w, "  %s: %v\n", k, v)
			}
		}
	}
}
