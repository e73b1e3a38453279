package processors

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dproc-io/dproc/pkg/processor"
)

// DataFile loads a file from the pipeline's data/ directory and exposes
// its parsed content as the data bundle. The file is named by the
// `file` option; JSON, YAML and CSV are parsed, anything else is passed
// through as raw text under `content`.
type DataFile struct{}

// Name implements processor.Processor.
func (DataFile) Name() string { return "datafile" }

// Run implements processor.Processor.
func (DataFile) Run(_ context.Context, _ map[string]any, pctx processor.Context, options map[string]any) (*processor.Result, error) {
	name, _ := options["file"].(string)
	if name == "" {
		return nil, fmt.Errorf("datafile processor requires a `file` option")
	}

	raw, err := pctx.ReadDataFile(name)
	if err != nil {
		return nil, err
	}

	attrs, err := parseDataFile(name, raw)
	if err != nil {
		return nil, err
	}

	pctx.Logger().Debug().
		Str("file", name).
		Int("bytes", len(raw)).
		Msg("Loaded pipeline data file")

	return &processor.Result{
		Attributes: attrs,
		Metadata: map[string]any{
			"processor": "datafile",
			"file":      name,
			"bytes":     len(raw),
		},
	}, nil
}

// parseDataFile dispatches on the file extension. Top-level JSON/YAML
// objects become the attribute map directly; other shapes nest under a
// single key so the bundle is always an object.
func parseDataFile(name string, raw []byte) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if obj, ok := parsed.(map[string]any); ok {
			return obj, nil
		}
		return map[string]any{"data": parsed}, nil
	case ".yml", ".yaml":
		var parsed any
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if obj, ok := parsed.(map[string]any); ok {
			return obj, nil
		}
		return map[string]any{"data": parsed}, nil
	case ".csv":
		rows, err := parseCSV(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return map[string]any{"rows": rows, "rowCount": len(rows)}, nil
	default:
		return map[string]any{"content": string(raw)}, nil
	}
}

// parseCSV reads a header row then maps every record onto it.
func parseCSV(raw []byte) ([]map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []map[string]string{}, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
