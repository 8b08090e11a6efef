package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

// configFormat picks the decoder from the file extension. Anything that is
// not .yaml/.yml is read as JSON.
func configFormat(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrEmptyConfig is returned for a file with no document, which is also what
// a watcher sees mid-save. Use "{}" to run on defaults.
var ErrEmptyConfig = errors.New("config file is empty")

// toJSON returns the config document as JSON so both formats share the
// strict decoder in Decode.
func toJSON(name string, data []byte) ([]byte, string, error) {
	format := configFormat(name)
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, format, ErrEmptyConfig
	}
	if format == formatJSON {
		return data, format, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, format, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		// Comments only.
		return nil, format, ErrEmptyConfig
	}
	doc, err := stringKeys(doc, "")
	if err != nil {
		return nil, format, err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, format, fmt.Errorf("yaml to json: %w", err)
	}
	return out, format, nil
}

// stringKeys rewrites YAML mappings into map[string]any. Scalar keys are
// stringified ("8080: x" is a valid project name); mapping or sequence keys
// are an error with the path where they occur.
func stringKeys(v any, path string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			c, err := stringKeys(child, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			x[k] = c
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, child := range x {
			switch k.(type) {
			case map[string]any, map[any]any, []any:
				return nil, fmt.Errorf("yaml: %s: non-scalar mapping key", orRoot(path))
			}
			ks := fmt.Sprint(k)
			c, err := stringKeys(child, joinPath(path, ks))
			if err != nil {
				return nil, err
			}
			m[ks] = c
		}
		return m, nil
	case []any:
		for i := range x {
			c, err := stringKeys(x[i], fmt.Sprintf("%s[%d]", orRoot(path), i))
			if err != nil {
				return nil, err
			}
			x[i] = c
		}
		return x, nil
	default:
		return v, nil
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func orRoot(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
