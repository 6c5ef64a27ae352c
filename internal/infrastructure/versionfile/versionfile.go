// Package versionfile reads the committed application version from the
// project manifest.
package versionfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/fileutil"
)

const maxManifestSize = 1 << 20

// Parser extracts the version string from one manifest format.
type Parser func(data []byte) (string, error)

// Known manifests in detection order.
var parsers = []struct {
	file  string
	parse Parser
}{
	{"pubspec.yaml", parsePubspec},
	{"Cargo.toml", parseCargo},
	{"pyproject.toml", parsePyproject},
	{"package.json", parsePackageJSON},
	{"VERSION", parsePlain},
}

// Detect returns the first known manifest present in dir.
func Detect(dir string) (string, bool) {
	for _, p := range parsers {
		path := filepath.Join(dir, p.file)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// parserFor picks the parser by file name, falling back to a plain
// one-line version file.
func parserFor(path string) Parser {
	base := filepath.Base(path)
	for _, p := range parsers {
		if strings.EqualFold(p.file, base) {
			return p.parse
		}
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml":
		return parsePubspec
	case ".json":
		return parsePackageJSON
	}
	return parsePlain
}

// Reader implements ports.VersionReader.
type Reader struct {
	dir  string
	path string
}

var _ ports.VersionReader = (*Reader)(nil)

// NewReader reads path when set, otherwise auto-detects a manifest in dir.
// A relative path is resolved against dir.
func NewReader(dir, path string) *Reader {
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return &Reader{dir: dir, path: path}
}

// ReadVersion returns the raw version and the manifest it came from.
func (r *Reader) ReadVersion(ctx context.Context) (string, string, error) {
	const op = "versionfile.ReadVersion"
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	path := r.path
	if path == "" {
		detected, ok := Detect(r.dir)
		if !ok {
			return "", "", rperrors.NotFound(op, fmt.Sprintf("no version file found in %s", r.dir))
		}
		path = detected
	}

	data, err := fileutil.ReadFileLimited(path, maxManifestSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", rperrors.NotFoundWrap(err, op, fmt.Sprintf("version file %s not found", path))
		}
		return "", "", rperrors.IOWrap(err, op, "failed to read version file")
	}

	v, err := parserFor(path)(data)
	if err != nil {
		return "", path, rperrors.VersionWrap(err, op, fmt.Sprintf("failed to parse %s", filepath.Base(path)))
	}
	if v == "" {
		return "", path, rperrors.Version(op, fmt.Sprintf("%s has no version", filepath.Base(path)))
	}
	return v, path, nil
}

// Core returns the MAJOR.MINOR.PATCH core of a version, dropping any
// prerelease or build metadata ("1.4.2+17" becomes "1.4.2").
func Core(raw string) (string, error) {
	v, err := semver.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return "", rperrors.VersionWrap(err, "versionfile.Core", fmt.Sprintf("invalid version %q", raw))
	}
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch()), nil
}

func parsePubspec(data []byte) (string, error) {
	var doc struct {
		Version string `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	return doc.Version, nil
}

func parseCargo(data []byte) (string, error) {
	var doc struct {
		Package struct {
			Version string `toml:"version"`
		} `toml:"package"`
		Workspace struct {
			Package struct {
				Version string `toml:"version"`
			} `toml:"package"`
		} `toml:"workspace"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	if doc.Package.Version != "" {
		return doc.Package.Version, nil
	}
	return doc.Workspace.Package.Version, nil
}

func parsePyproject(data []byte) (string, error) {
	var doc struct {
		Project struct {
			Version string `toml:"version"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Version string `toml:"version"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	if doc.Project.Version != "" {
		return doc.Project.Version, nil
	}
	return doc.Tool.Poetry.Version, nil
}

func parsePackageJSON(data []byte) (string, error) {
	var pkg struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", err
	}
	return pkg.Version, nil
}

func parsePlain(data []byte) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	return strings.TrimSpace(line), nil
}
