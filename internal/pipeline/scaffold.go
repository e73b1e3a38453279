package pipeline

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/dproc-io/dproc/internal/errdefs"
)

//go:embed assets
var assets embed.FS

var pipelineNamePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Scaffold creates a new pipeline directory from the starter assets.
// Files ending in .yml.tmpl are rendered with the pipeline name; prompts
// and output templates are copied verbatim so their own template syntax
// survives.
func (s *Service) Scaffold(name string) error {
	if !pipelineNamePattern.MatchString(name) {
		return errdefs.ValidationError("name", "pipeline names use lowercase letters, digits, and dashes")
	}

	dir := s.dir(name)
	if _, err := os.Stat(dir); err == nil {
		return errdefs.ValidationError("name", fmt.Sprintf("pipeline %q already exists", name))
	}

	data := struct{ Name string }{Name: name}
	err := fs.WalkDir(assets, "assets", func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}

		rel := strings.TrimPrefix(path, "assets/")
		content, err := assets.ReadFile(path)
		if err != nil {
			return err
		}

		if strings.HasSuffix(rel, ".yml.tmpl") {
			tmpl, err := template.New(rel).Parse(string(content))
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, data); err != nil {
				return err
			}
			content = buf.Bytes()
			rel = strings.TrimSuffix(rel, ".tmpl")
		}

		dest := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dest, content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("failed to scaffold pipeline %s: %w", name, err)
	}

	s.logger.Info().
		Str("pipeline", name).
		Str("dir", dir).
		Msg("pipeline scaffolded")
	return nil
}
