package tool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var definitionExtensions = []string{".json", ".yaml", ".yml"}

// IsDefinitionFile reports whether path has a definition file extension.
func IsDefinitionFile(path string) bool {
	return slices.Contains(definitionExtensions, strings.ToLower(filepath.Ext(path)))
}

// LoadDefinitionFile reads one definition document. YAML files are decoded
// with yaml.v3 and then passed through JSON so parameter schemas carry plain
// JSON values either way.
func LoadDefinitionFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("tool: read definition %q: %w", path, err)
	}
	return ParseDefinition(data, filepath.Ext(path))
}

// ParseDefinition decodes a definition document. ext selects the format
// (".json", ".yaml", ".yml").
func ParseDefinition(data []byte, ext string) (Definition, error) {
	var def Definition
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Definition{}, fmt.Errorf("tool: parse yaml definition: %w", err)
		}
		normalized, err := json.Marshal(doc)
		if err != nil {
			return Definition{}, fmt.Errorf("tool: normalize yaml definition: %w", err)
		}
		data = normalized
		fallthrough
	case ".json", "":
		if err := json.Unmarshal(data, &def); err != nil {
			return Definition{}, fmt.Errorf("tool: parse definition: %w", err)
		}
	default:
		return Definition{}, fmt.Errorf("tool: unsupported definition format %q", ext)
	}
	return def, nil
}

// ListDefinitionFiles returns the definition files directly under dir in
// lexical order.
func ListDefinitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsDefinitionFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	slices.Sort(files)
	return files, nil
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
