package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/interfaces"
)

// RequireMethod validates the HTTP method. Returns false after writing the
// 405 response when it does not match.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// errorBody is the taxonomy serialization every failure response uses.
type errorBody struct {
	Error string       `json:"error"`
	Code  errdefs.Code `json:"code"`
	Fixes []string     `json:"fixes,omitempty"`
}

// WriteTaxonomyError maps any error to its taxonomy transport form and
// status code. Store sentinel ErrNotFound becomes a plain 404.
func WriteTaxonomyError(w http.ResponseWriter, logger arbor.ILogger, err error) {
	if errors.Is(err, interfaces.ErrNotFound) {
		_ = WriteJSON(w, http.StatusNotFound, errorBody{
			Error: "Execution not found",
			Code:  errdefs.CodeValidationError,
		})
		return
	}

	transport := errdefs.ToTransport(err)
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", string(transport.Code)).Msg("request failed")
	} else {
		logger.Debug().Str("code", string(transport.Code)).Msg("request rejected")
	}

	_ = WriteJSON(w, status, errorBody{
		Error: transport.UserMessage,
		Code:  transport.Code,
		Fixes: transport.Fixes,
	})
}
