// Package catalog loads workflow templates from JSON and YAML documents and
// checks them against the template schema and the engine's structural rules.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/songzhibin97/careflow/types"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed template.schema.json
var schemaJSON []byte

//go:embed templates.json
var builtinJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func templateSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	return schema, schemaErr
}

// Builtin returns the demo catalog shipped with the engine.
func Builtin() ([]types.Template, error) {
	return LoadJSON(builtinJSON)
}

// LoadJSON parses a single template or a catalog envelope {"templates": [...]}.
// Every template is checked against the schema and then validated.
func LoadJSON(data []byte) ([]types.Template, error) {
	docs, err := splitDocuments(data)
	if err != nil {
		return nil, err
	}

	out := make([]types.Template, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for i, raw := range docs {
		if err := checkSchema(raw); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}

		var tpl types.Template
		if err := json.Unmarshal(raw, &tpl); err != nil {
			return nil, fmt.Errorf("document %d: failed to decode template: %w", i, err)
		}
		if err := Validate(tpl); err != nil {
			return nil, err
		}
		if seen[tpl.ID] {
			return nil, &ValidationError{TemplateID: tpl.ID, Problems: []string{"duplicate template id in catalog"}}
		}
		seen[tpl.ID] = true
		out = append(out, tpl)
	}
	return out, nil
}

// LoadYAML parses YAML the same way LoadJSON parses JSON.
func LoadYAML(data []byte) ([]types.Template, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML to JSON: %w", err)
	}
	return LoadJSON(raw)
}

// LoadFile loads the templates in a .json, .yaml or .yml file.
func LoadFile(path string) ([]types.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var tpls []types.Template
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		tpls, err = LoadJSON(data)
	case ".yaml", ".yml":
		tpls, err = LoadYAML(data)
	default:
		return nil, fmt.Errorf("unsupported template file %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tpls, nil
}

// LoadPath loads a template file, or every template file under a directory
// in lexical order.
func LoadPath(path string) ([]types.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".json", ".yaml", ".yml":
			if !d.IsDir() {
				files = append(files, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", path, err)
	}
	sort.Strings(files)

	var out []types.Template
	for _, f := range files {
		tpls, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, tpls...)
	}
	return out, nil
}

// splitDocuments returns the raw JSON of each template in data.
func splitDocuments(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrValidation)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse template document: %w", err)
	}

	list, ok := probe["templates"]
	if !ok {
		return []json.RawMessage{trimmed}, nil
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(list, &docs); err != nil {
		return nil, fmt.Errorf("failed to parse catalog templates: %w", err)
	}
	return docs, nil
}

func checkSchema(raw []byte) error {
	s, err := templateSchema()
	if err != nil {
		return fmt.Errorf("failed to load template schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var id struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &id)

	verr := &ValidationError{TemplateID: id.ID}
	for _, e := range result.Errors() {
		verr.Problems = append(verr.Problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return verr
}
