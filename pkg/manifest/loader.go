package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a job manifest from disk, validates it against the schema, and
// applies defaults. The extension picks the format (.yaml/.yml or .json);
// anything else is tried as YAML first, then JSON.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader loads a manifest from r. path is only used for format
// detection and error messages.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates raw manifest bytes.
//
// Schema validation runs on the document form, not the decoded struct, so
// unknown fields are rejected instead of silently dropped by struct
// decoding.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	doc, err := decodeDocument(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	m.ApplyDefaults()
	return &m, nil
}

// decodeDocument normalizes the manifest bytes to a JSON document for both
// schema validation and struct decoding.
func decodeDocument(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if !json.Valid(data) {
			return nil, errors.New("invalid JSON in manifest")
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		// YAML is a superset of JSON, so try it first.
		doc, yamlErr := yamlToJSON(data)
		if yamlErr == nil {
			return doc, nil
		}
		if json.Valid(data) {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", yamlErr)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return doc, nil
}
