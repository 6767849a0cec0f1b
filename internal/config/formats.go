package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// Every format is converted to JSON first so one strict decoder
// (DisallowUnknownFields) checks all of them.
type sourceFormat struct {
	name   string
	toJSON func([]byte) (any, error)
}

var formatsByExt = map[string]sourceFormat{
	".yaml": {name: "yaml", toJSON: yamlTree},
	".yml":  {name: "yaml", toJSON: yamlTree},
	".toml": {name: "toml", toJSON: tomlTree},
}

// coerceToJSONBytes returns data as JSON along with the detected format name.
// Files without a YAML or TOML extension are treated as JSON and returned as-is.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	f, ok := formatsByExt[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return data, "json", nil
	}
	tree, err := f.toJSON(data)
	if err != nil {
		return nil, f.name, fmt.Errorf("%s: %w", f.name, err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, f.name, fmt.Errorf("%s: re-encode as json: %w", f.name, err)
	}
	return out, f.name, nil
}

func yamlTree(data []byte) (any, error) {
	var tree any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&tree); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return stringKeys(tree), nil
}

func tomlTree(data []byte) (any, error) {
	tree := map[string]any{}
	_, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&tree)
	return tree, err
}

// stringKeys rewrites YAML maps with non-string keys (numbers, booleans) so
// encoding/json accepts them.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = stringKeys(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = stringKeys(val)
		}
		return t
	}
	return v
}
