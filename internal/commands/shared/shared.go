// Copyright 2025 The Podium Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shared holds helpers common to the podium CLI commands: input
// parsing, ensemble loading, store selection and output rendering.
package shared

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/podium-run/podium/pkg/ensemble"
	"github.com/podium-run/podium/pkg/store"
)

// LoadDefinition reads and validates an ensemble definition from a YAML
// file.
func LoadDefinition(path string) (*ensemble.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ensemble file: %w", err)
	}

	var def ensemble.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse ensemble file: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseInputs merges key=value pairs and an optional JSON input file into
// one input map. Pairs win over file values. Values that parse as JSON
// scalars (numbers, booleans, null) are typed; everything else stays a
// string.
func ParseInputs(pairs []string, inputFile string) (map[string]any, error) {
	inputs := make(map[string]any)

	if inputFile != "" {
		var data []byte
		var err error
		if inputFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(inputFile)
		}
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse input file: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		inputs[key] = coerceValue(value)
	}
	return inputs, nil
}

func coerceValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "{") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}

// OpenStore builds the suspension store named by --store.
//
//	memory         in-process, lost on exit
//	sqlite         file-backed at path (default podium.db)
//	redis          addr at path (default localhost:6379)
func OpenStore(kind, path string) (store.Store, error) {
	switch kind {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		if path == "" {
			path = "podium.db"
		}
		return store.NewSQLiteStore(path)
	case "redis":
		if path == "" {
			path = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: path})
		return store.NewRedisStore(client, "podium"), nil
	default:
		return nil, fmt.Errorf("unknown store %q: use memory, sqlite or redis", kind)
	}
}

// PrintJSON renders a value as indented JSON on the given writer.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
