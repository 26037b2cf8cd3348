// Package examples embeds starter ensembles into the binary so users can
// explore podium without writing YAML first.
package examples

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed *.yaml
var embeddedFS embed.FS

// Example is metadata about an embedded starter ensemble.
type Example struct {
	Name        string
	Description string
	FilePath    string
}

// List returns all embedded examples in directory order.
func List() ([]Example, error) {
	entries, err := embeddedFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded examples: %w", err)
	}

	var examples []Example
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".yaml")
		examples = append(examples, Example{
			Name:        name,
			Description: description(entry.Name()),
			FilePath:    entry.Name(),
		})
	}

	return examples, nil
}

// Get returns the raw YAML of an example by name.
func Get(name string) ([]byte, error) {
	content, err := embeddedFS.ReadFile(name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("example %q not found: %w", name, err)
	}
	return content, nil
}

// Exists reports whether an example with the given name is embedded.
func Exists(name string) bool {
	_, err := embeddedFS.ReadFile(name + ".yaml")
	return err == nil
}

// CopyTo writes an example to destPath, creating parent directories.
func CopyTo(name, destPath string) error {
	content, err := Get(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := os.WriteFile(destPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write example file: %w", err)
	}
	return nil
}

// description pulls the description field out of the embedded YAML.
func description(filename string) string {
	content, err := embeddedFS.ReadFile(filename)
	if err != nil {
		return ""
	}
	var header struct {
		Description string `yaml:"description"`
	}
	if err := yaml.Unmarshal(content, &header); err != nil {
		return ""
	}
	return header.Description
}
