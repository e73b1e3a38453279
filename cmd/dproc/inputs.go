package main

import (
	"encoding/json"
	"strings"

	"github.com/dproc-io/dproc/internal/errdefs"
)

// parseInputs merges --input values into one raw inputs map. Each value is
// either a JSON object or a key=value pair, so both of these work:
//
//	--input '{"companyName":"Acme Corp","detailLevel":"deep"}'
//	--input companyName="Acme Corp" --input detailLevel=deep
func parseInputs(values []string) (map[string]any, error) {
	inputs := make(map[string]any)

	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "{") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
				return nil, errdefs.ValidationError("input", "input JSON must be an object: "+err.Error())
			}
			for k, v := range obj {
				inputs[k] = v
			}
			continue
		}

		key, value, ok := strings.Cut(trimmed, "=")
		if !ok || key == "" {
			return nil, errdefs.ValidationError("input", "inputs take key=value pairs or a JSON object, got "+raw)
		}
		inputs[key] = value
	}

	return inputs, nil
}
