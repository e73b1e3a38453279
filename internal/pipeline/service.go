// -------------------------------------------------------------------------
// Pipeline service - resolves pipeline names to their on-disk artifacts
// -------------------------------------------------------------------------

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/models"
)

const (
	specFile      = "spec.yml"
	configFile    = "config.yml"
	processorFile = "processor.yml"
	promptsDir    = "prompts"
	templatesDir  = "templates"
	dataDir       = "data"

	reportsDir = "reports"
	bundlesDir = "bundles"
)

// Service resolves named pipelines against the workspace layout:
//
//	<pipelines>/<name>/spec.yml
//	<pipelines>/<name>/config.yml
//	<pipelines>/<name>/processor.yml
//	<pipelines>/<name>/prompts/*.md
//	<pipelines>/<name>/templates/*.tmpl
type Service struct {
	root     string
	outputs  string
	logger   arbor.ILogger
	validate *validator.Validate
}

// NewService creates a pipeline service over the pipelines and outputs
// directories.
func NewService(pipelinesDir, outputsDir string, logger arbor.ILogger) *Service {
	return &Service{
		root:     pipelinesDir,
		outputs:  outputsDir,
		logger:   logger,
		validate: validator.New(),
	}
}

func (s *Service) dir(name string) string {
	return filepath.Join(s.root, name)
}

// DataDir returns the pipeline's bundled data directory. Processors read
// seed files from here; the directory may not exist.
func (s *Service) DataDir(name string) string {
	return filepath.Join(s.dir(name), dataDir)
}

// names returns every directory under the pipelines root, sorted.
func (s *Service) names() []string {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

// resolve maps a name to its directory or reports PipelineNotFound with
// the available names.
func (s *Service) resolve(name string) (string, error) {
	dir := s.dir(name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", errdefs.PipelineNotFound(name, s.names())
	}
	return dir, nil
}

// LoadSpec parses and validates spec.yml.
func (s *Service) LoadSpec(name string) (*models.PipelineSpec, error) {
	dir, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, specFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.PipelineSpecMissing(name, path)
	}

	var spec models.PipelineSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, errdefs.InvalidPipeline(name, []string{fmt.Sprintf("spec.yml: %v", err)})
	}

	if violations := s.structuralErrors(&spec, "spec.yml"); len(violations) > 0 {
		return nil, errdefs.InvalidPipeline(name, violations)
	}
	return &spec, nil
}

// LoadConfig parses and validates config.yml.
func (s *Service) LoadConfig(name string) (*models.PipelineConfig, error) {
	dir, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, configFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.PipelineSpecMissing(name, path)
	}

	var config models.PipelineConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errdefs.InvalidPipeline(name, []string{fmt.Sprintf("config.yml: %v", err)})
	}

	if violations := s.structuralErrors(&config, "config.yml"); len(violations) > 0 {
		return nil, errdefs.InvalidPipeline(name, violations)
	}
	return &config, nil
}

// LoadProcessorRef parses processor.yml.
func (s *Service) LoadProcessorRef(name string) (*models.ProcessorRef, error) {
	dir, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, processorFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.ProcessorMissing(name, fmt.Sprintf("%s not found", path))
	}

	var ref models.ProcessorRef
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return nil, errdefs.ProcessorMissing(name, fmt.Sprintf("processor.yml: %v", err))
	}
	if ref.Name == "" {
		return nil, errdefs.ProcessorMissing(name, "processor.yml declares no processor name")
	}
	return &ref, nil
}

// Prompts returns every .md file under prompts/, sorted by file name. The
// Name of each entry is the file stem, so prompts/main.md is "main".
func (s *Service) Prompts(name string) ([]models.PromptFile, error) {
	dir, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	promptsPath := filepath.Join(dir, promptsDir)
	entries, err := os.ReadDir(promptsPath)
	if err != nil {
		return nil, errdefs.InvalidPipeline(name, []string{"prompts directory missing"})
	}

	var prompts []models.PromptFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(promptsPath, entry.Name()))
		if err != nil {
			return nil, errdefs.InvalidPipeline(name, []string{fmt.Sprintf("prompts/%s: %v", entry.Name(), err)})
		}
		prompts = append(prompts, models.PromptFile{
			Name:    strings.TrimSuffix(entry.Name(), ".md"),
			Content: string(content),
		})
	}
	if len(prompts) == 0 {
		return nil, errdefs.InvalidPipeline(name, []string{"prompts directory contains no .md files"})
	}

	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts, nil
}

// TemplatePath resolves the template file for an output format. Lookup
// order inside templates/: report.{format}.tmpl, {format}.tmpl,
// template.{format}.tmpl.
func (s *Service) TemplatePath(name, format string) (string, error) {
	dir, err := s.resolve(name)
	if err != nil {
		return "", err
	}

	candidates := []string{
		fmt.Sprintf("report.%s.tmpl", format),
		fmt.Sprintf("%s.tmpl", format),
		fmt.Sprintf("template.%s.tmpl", format),
	}
	for _, candidate := range candidates {
		path := filepath.Join(dir, templatesDir, candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", errdefs.TemplateMissing(name, format)
}

// OutputDir ensures the outputs root with its reports and bundles
// subdirectories and returns the root.
func (s *Service) OutputDir() (string, error) {
	for _, sub := range []string{reportsDir, bundlesDir} {
		if err := os.MkdirAll(filepath.Join(s.outputs, sub), 0o755); err != nil {
			return "", errdefs.OutputDirectoryError(s.outputs, err)
		}
	}
	return s.outputs, nil
}

// ReportPath composes the destination for a rendered report.
func ReportPath(outputDir, executionID, format string) string {
	return filepath.Join(outputDir, reportsDir, fmt.Sprintf("%s.%s", executionID, format))
}

// BundlePath composes the destination for a processor attribute bundle.
func BundlePath(outputDir, executionID string) string {
	return filepath.Join(outputDir, bundlesDir, fmt.Sprintf("%s.json", executionID))
}

// BundleDir composes the directory processors save supplementary
// artifacts into for one execution.
func BundleDir(outputDir, executionID string) string {
	return filepath.Join(outputDir, bundlesDir, executionID)
}

// Validate checks the pipeline layout without throwing: file presence
// first, then both YAML files are re-parsed and structural errors
// accumulate. Surfaces show the list verbatim.
func (s *Service) Validate(name string) (*models.PipelineValidation, error) {
	dir, err := s.resolve(name)
	if err != nil {
		return nil, err
	}

	var violations []string

	for _, required := range []string{specFile, configFile, processorFile} {
		if _, err := os.Stat(filepath.Join(dir, required)); err != nil {
			violations = append(violations, fmt.Sprintf("%s missing", required))
		}
	}
	for _, required := range []string{promptsDir, templatesDir} {
		if info, err := os.Stat(filepath.Join(dir, required)); err != nil || !info.IsDir() {
			violations = append(violations, fmt.Sprintf("%s/ directory missing", required))
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, specFile)); err == nil {
		var spec models.PipelineSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			violations = append(violations, fmt.Sprintf("spec.yml: %v", err))
		} else {
			violations = append(violations, s.structuralErrors(&spec, "spec.yml")...)
			violations = append(violations, inputDefinitionErrors(spec.Inputs)...)
		}
	}
	if data, err := os.ReadFile(filepath.Join(dir, configFile)); err == nil {
		var config models.PipelineConfig
		if err := yaml.Unmarshal(data, &config); err != nil {
			violations = append(violations, fmt.Sprintf("config.yml: %v", err))
		} else {
			violations = append(violations, s.structuralErrors(&config, "config.yml")...)
		}
	}

	return &models.PipelineValidation{
		Valid:  len(violations) == 0,
		Errors: violations,
	}, nil
}

// List returns every pipeline under the root with its validity.
func (s *Service) List() ([]models.PipelineInfo, error) {
	infos := []models.PipelineInfo{}
	for _, name := range s.names() {
		info := models.PipelineInfo{Name: name}

		validation, err := s.Validate(name)
		if err != nil {
			info.Errors = []string{err.Error()}
			infos = append(infos, info)
			continue
		}
		info.Valid = validation.Valid
		info.Errors = validation.Errors

		if spec, err := s.LoadSpec(name); err == nil {
			info.Spec = spec
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// structuralErrors runs struct validation and flattens the field errors
// into operator-readable violations.
func (s *Service) structuralErrors(value any, file string) []string {
	err := s.validate.Struct(value)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{fmt.Sprintf("%s: %v", file, err)}
	}

	var violations []string
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			violations = append(violations, fmt.Sprintf("%s: %s is required", file, fe.Namespace()))
		case "required_if":
			violations = append(violations, fmt.Sprintf("%s: %s is required for this type", file, fe.Namespace()))
		case "oneof":
			violations = append(violations, fmt.Sprintf("%s: %s must be one of [%s]", file, fe.Namespace(), fe.Param()))
		case "min":
			violations = append(violations, fmt.Sprintf("%s: %s needs at least %s entries", file, fe.Namespace(), fe.Param()))
		default:
			violations = append(violations, fmt.Sprintf("%s: %s fails %s validation", file, fe.Namespace(), fe.Tag()))
		}
	}
	return violations
}

// inputDefinitionErrors covers the cross-field rules struct tags cannot
// express.
func inputDefinitionErrors(inputs []models.InputDefinition) []string {
	var violations []string
	seen := map[string]bool{}
	for _, def := range inputs {
		if seen[def.Name] {
			violations = append(violations, fmt.Sprintf("spec.yml: duplicate input %q", def.Name))
		}
		seen[def.Name] = true
	}
	return violations
}
