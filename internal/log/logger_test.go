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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}

	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}

	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}

	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			expected: &Config{
				Level:  "info",
				Format: FormatJSON,
			},
		},
		{
			name: "LOG_LEVEL=debug",
			envVars: map[string]string{
				"LOG_LEVEL": "debug",
			},
			expected: &Config{
				Level:  "debug",
				Format: FormatJSON,
			},
		},
		{
			name: "LOG_LEVEL is case insensitive",
			envVars: map[string]string{
				"LOG_LEVEL": "WARN",
			},
			expected: &Config{
				Level:  "warn",
				Format: FormatJSON,
			},
		},
		{
			name: "PODIUM_LOG_LEVEL takes precedence over LOG_LEVEL",
			envVars: map[string]string{
				"PODIUM_LOG_LEVEL": "error",
				"LOG_LEVEL":        "debug",
			},
			expected: &Config{
				Level:  "error",
				Format: FormatJSON,
			},
		},
		{
			name: "PODIUM_DEBUG enables debug and source",
			envVars: map[string]string{
				"PODIUM_DEBUG":     "1",
				"PODIUM_LOG_LEVEL": "error",
			},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				AddSource: true,
			},
		},
		{
			name: "LOG_FORMAT=text",
			envVars: map[string]string{
				"LOG_FORMAT": "text",
			},
			expected: &Config{
				Level:  "info",
				Format: FormatText,
			},
		},
		{
			name: "LOG_SOURCE=1",
			envVars: map[string]string{
				"LOG_SOURCE": "1",
			},
			expected: &Config{
				Level:     "info",
				Format:    FormatJSON,
				AddSource: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg := FromEnv()

			if cfg.Level != tt.expected.Level {
				t.Errorf("expected level %q, got %q", tt.expected.Level, cfg.Level)
			}
			if cfg.Format != tt.expected.Format {
				t.Errorf("expected format %q, got %q", tt.expected.Format, cfg.Format)
			}
			if cfg.AddSource != tt.expected.AddSource {
				t.Errorf("expected AddSource %v, got %v", tt.expected.AddSource, cfg.AddSource)
			}
		})
	}
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("run started", slog.String(EnsembleKey, "review"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "run started" {
		t.Errorf("expected msg 'run started', got %v", entry["msg"])
	}
	if entry[EnsembleKey] != "review" {
		t.Errorf("expected ensemble 'review', got %v", entry[EnsembleKey])
	}
}

func TestNewTextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})

	logger.Info("run started")

	if !strings.Contains(buf.String(), "msg=\"run started\"") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Debug("dropped")
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected debug/info to be filtered, got %q", buf.String())
	}

	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("expected warn to pass the filter")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("f81d4fae-7dec-11d0-a765-00a0c91e6bf6"); got != "...6bf6" {
		t.Errorf("expected '...6bf6', got %q", got)
	}
	if got := SanitizeToken("abc"); got != "[REDACTED]" {
		t.Errorf("short tokens must be fully redacted, got %q", got)
	}
}
