package config

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/aipo-project/aipo/pkg/models"
)

//go:embed schemas
var schemasFS embed.FS

// LoadSuite reads a test suite from a YAML or JSON file and validates it
// against the suite schema.
func LoadSuite(path string) (*models.Suite, error) {
	var suite models.Suite
	if err := loadValidated(path, "suite.schema.json", &suite); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(suite.Cases))
	for _, tc := range suite.Cases {
		if seen[tc.ID] {
			return nil, NewLoadError(path,
				fmt.Errorf("%w: duplicate test case id %q", ErrSchemaViolation, tc.ID))
		}
		seen[tc.ID] = true
	}
	return &suite, nil
}

// LoadPolicy reads an evaluation policy from a YAML or JSON file and
// validates it against the policy schema.
func LoadPolicy(path string) (*models.Policy, error) {
	var policy models.Policy
	if err := loadValidated(path, "policy.schema.json", &policy); err != nil {
		return nil, err
	}

	for _, th := range policy.Thresholds {
		if th.Metric == "" {
			return nil, NewLoadError(path,
				fmt.Errorf("%w: threshold with empty metric", ErrSchemaViolation))
		}
	}
	return &policy, nil
}

// ValidateSuiteFile checks a suite file against the schema without building
// the suite. Used by the verify-suite command.
func ValidateSuiteFile(path string) error {
	var suite models.Suite
	return loadValidated(path, "suite.schema.json", &suite)
}

func loadValidated(path, schemaName string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return NewLoadError(path, err)
	}
	data = ExpandEnv(data)

	doc, err := decodeDocument(path, data)
	if err != nil {
		return NewLoadError(path, err)
	}

	if err := validateAgainstSchema(doc, schemaName); err != nil {
		return NewLoadError(path, fmt.Errorf("%w: %v", ErrSchemaViolation, err))
	}

	// Re-decode through JSON so yaml and json files share one tag set.
	raw, err := json.Marshal(doc)
	if err != nil {
		return NewLoadError(path, err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return NewLoadError(path, err)
	}
	return nil
}

// decodeDocument parses YAML or JSON into a plain document. YAML numbers are
// normalized through a JSON round trip so schema validation sees the same
// types for both formats.
func decodeDocument(path string, data []byte) (any, error) {
	var doc any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return doc, nil
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize document: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to normalize document: %w", err)
	}
	return doc, nil
}

func validateAgainstSchema(doc any, schemaName string) error {
	data, err := schemasFS.ReadFile("schemas/" + schemaName)
	if err != nil {
		return fmt.Errorf("failed to read embedded schema %s: %w", schemaName, err)
	}

	var schemaDoc any
	if err := json.Unmarshal(data, &schemaDoc); err != nil {
		return fmt.Errorf("failed to unmarshal schema %s: %w", schemaName, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaName, schemaDoc); err != nil {
		return fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile(schemaName)
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema.Validate(doc)
}
