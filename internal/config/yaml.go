package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// jsonFromFile returns the file contents as JSON so Parse can run a single
// strict decoder (DisallowUnknownFields) over both formats. Files with a
// .yaml or .yml extension are converted; everything else is treated as JSON
// already.
func jsonFromFile(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	doc, err := stringKeyed(doc)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringKeyed rewrites nested YAML maps into string-keyed form for JSON
// marshaling. YAML permits non-string keys (ints, bools); in a config file
// those are a typo, so they are rejected rather than coerced.
func stringKeyed(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			nv, err := stringKeyed(val)
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("yaml: non-string map key %v (%T)", k, k)
			}
			nv, err := stringKeyed(val)
			if err != nil {
				return nil, err
			}
			m[ks] = nv
		}
		return m, nil
	case []any:
		for i, val := range x {
			nv, err := stringKeyed(val)
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	default:
		return v, nil
	}
}
