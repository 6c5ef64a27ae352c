package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigParser reads typed values from a stage's "with" block. Values
// arrive through JSON, so numbers are float64.
type ConfigParser struct {
	raw map[string]any
}

// NewConfigParser creates a parser for config.
func NewConfigParser(config map[string]any) *ConfigParser {
	if config == nil {
		config = make(map[string]any)
	}
	return &ConfigParser{raw: config}
}

// String returns field, or the first non-empty env var listed, or "".
func (p *ConfigParser) String(field string, envVars ...string) string {
	if v, ok := p.raw[field].(string); ok && v != "" {
		return v
	}
	for _, envVar := range envVars {
		if val := os.Getenv(envVar); val != "" {
			return val
		}
	}
	return ""
}

// Bool returns field, or def when it is missing or not a bool.
func (p *ConfigParser) Bool(field string, def bool) bool {
	if v, ok := p.raw[field].(bool); ok {
		return v
	}
	return def
}

// Int returns field, or def when it is missing or not a number.
func (p *ConfigParser) Int(field string, def int) int {
	switch v := p.raw[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Strings returns the string elements of an array field.
func (p *ConfigParser) Strings(field string) []string {
	arr, ok := p.raw[field].([]any)
	if !ok {
		if s, ok := p.raw[field].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Has reports whether field is present.
func (p *ConfigParser) Has(field string) bool {
	_, ok := p.raw[field]
	return ok
}

// Require returns an error naming every listed field that is missing or
// an empty string.
func (p *ConfigParser) Require(fields ...string) error {
	var missing []string
	for _, f := range fields {
		v, ok := p.raw[f]
		if !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateFile checks that path names a regular file inside one of roots,
// after resolving symlinks, and returns the resolved path. Publish tools
// use it on the files the host hands them.
func ValidateFile(path string, roots ...string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}

	real, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file does not exist: %s", path)
		}
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	real, err = filepath.Abs(real)
	if err != nil {
		return "", err
	}

	if len(roots) > 0 && !within(real, roots) {
		return "", fmt.Errorf("file resolves outside allowed directories: %s", path)
	}

	info, err := os.Stat(real)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file: %s", path)
	}
	return real, nil
}

func within(path string, roots []string) bool {
	for _, root := range roots {
		r, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if r, err = filepath.Abs(r); err != nil {
			continue
		}
		rel, err := filepath.Rel(r, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
