package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

var (
	ErrSchemaNotFound   = errors.New("schema not found")
	ErrDocumentNotFound = errors.New("document not found")
)

// Service serves read-only YAML configuration documents validated against
// JSON schemas. Schemas are compiled once at construction; documents are read
// from disk per request so edits show up without a restart.
type Service struct {
	dataDir string
	schemas map[string]*jsonschema.Schema
}

// ValidationResult is the outcome of validating one document.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Document any      `json:"document,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// NewService loads every *.json schema in schemaDir. The schema name is the
// file stem, minus a ".schema" suffix when present (navigation.schema.json ->
// navigation). A schema that fails to compile is skipped with a log line.
func NewService(schemaDir, dataDir string) (*Service, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	if _, err := os.Stat(dataDir); err != nil {
		return nil, fmt.Errorf("stat data dir: %w", err)
	}

	s := &Service{
		dataDir: dataDir,
		schemas: map[string]*jsonschema.Schema{},
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		name = strings.TrimSuffix(name, ".schema")
		path := filepath.Join(schemaDir, entry.Name())
		compiled, err := compileSchemaFile(path)
		if err != nil {
			log.Printf("document: skipping schema %s: %v", entry.Name(), err)
			continue
		}
		s.schemas[name] = compiled
		log.Printf("document: loaded schema %s from %s", name, path)
	}
	return s, nil
}

func compileSchemaFile(path string) (*jsonschema.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(path, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(path)
}

// SchemaNames lists the loaded schema names, sorted.
func (s *Service) SchemaNames() []string {
	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDocument reads <dataDir>/<name>.yaml, validates it against the schema of
// the same name, and returns the decoded document.
func (s *Service) GetDocument(name string) (any, error) {
	res, err := s.Validate(name)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, fmt.Errorf("document %s failed validation: %s", name, strings.Join(res.Errors, "; "))
	}
	return res.Document, nil
}

// Validate reads and validates the document for name. Schema or file lookup
// failures are returned as errors; validation failures are reported in the
// result, not as an error.
func (s *Service) Validate(name string) (ValidationResult, error) {
	schema, ok := s.schemas[name]
	if !ok {
		return ValidationResult{}, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
	}
	path := filepath.Join(s.dataDir, name+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ValidationResult{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, path)
		}
		return ValidationResult{}, fmt.Errorf("read document: %w", err)
	}

	doc, err := decodeYAML(raw)
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}, nil
	}
	if err := schema.Validate(doc); err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}, nil
	}
	return ValidationResult{Valid: true, Document: doc}, nil
}

// decodeYAML parses YAML and round-trips it through encoding/json so the
// value shapes (float64 numbers, map[string]any) match what the schema
// validator expects.
func decodeYAML(raw []byte) (any, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return out, nil
}
