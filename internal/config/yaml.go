package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON lets YAML files go through the same strict JSON decoder as
// JSON files, so unknown keys are rejected in both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: convert to json: %w", err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes (numeric or boolean keys) into
// map[string]any, which encoding/json can marshal.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	}
	return node
}
