package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes returns data as JSON so one strict decoder serves both
// formats. Files not named .yaml/.yml are assumed to be JSON already.
func coerceToJSONBytes(name string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			// empty file
			return []byte("{}"), "yaml", nil
		}
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, "yaml", errors.New("yaml: config must be a single document")
	}

	doc, err := jsonCompatible(doc)
	if err != nil {
		return nil, "yaml", err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, "yaml", nil
}

// jsonCompatible rewrites YAML maps with non-string keys (e.g. `1: x`) into
// string-keyed maps, recursively.
func jsonCompatible(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			x[k] = conv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			m[fmt.Sprint(k)] = conv
		}
		return m, nil
	case []any:
		for i, val := range x {
			conv, err := jsonCompatible(val)
			if err != nil {
				return nil, err
			}
			x[i] = conv
		}
		return x, nil
	}
	return v, nil
}
