// Package validate checks snapshot payloads against a JSON schema.
package validate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	snapshot "github.com/goliatone/go-snapshot"
)

const resourceURL = "mem://snapshot/schema.json"

// Schema is a compiled JSON schema usable as a snapshot.Validator.
type Schema struct {
	schema *jsonschema.Schema
}

// New compiles a JSON schema document.
func New(raw []byte) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate: parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("validate: add schema: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("validate: compile schema: %w", err)
	}
	return &Schema{schema: compiled}, nil
}

// Load reads a schema file. Files ending in .yaml or .yml are converted from
// YAML first.
func Load(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validate: read schema: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("validate: parse %s: %w", path, err)
		}
		if raw, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("validate: convert %s: %w", path, err)
		}
	}
	return New(raw)
}

// Validate implements snapshot.Validator. value is encoded to JSON first so
// struct tags decide the validated shape.
func (s *Schema) Validate(ctx context.Context, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("validate: encode value: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("validate: decode value: %w", err)
	}
	if err := s.schema.Validate(instance); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

var _ snapshot.Validator = (*Schema)(nil)
