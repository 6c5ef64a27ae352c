// Package secrets resolves credentials from configuration and hands each
// stage only the ones it asked for.
//
// A Vault holds secret definitions, not values. Values are resolved when a
// stage scopes a Bundle, so a secret that no running stage needs is never
// read. File-typed secrets are written into a private directory owned by the
// bundle and removed by Close.
package secrets

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// Type says how a secret reaches the tool.
type Type string

const (
	// TypeText exposes the value itself in the environment.
	TypeText Type = "text"
	// TypeFile writes the value to a file and exposes its path.
	TypeFile Type = "file"
	// TypeBase64File decodes the value and writes it to a file, for binary
	// material such as keystores.
	TypeBase64File Type = "base64file"
)

// Redacted replaces secret values in logs and error output.
const Redacted = "[REDACTED]"

// minRedactLen skips redaction of values so short that masking them would
// mangle unrelated output.
const minRedactLen = 4

// Definition describes where a secret comes from. Exactly one of Value,
// Env and File is set.
type Definition struct {
	Name  string
	Type  Type
	Value string
	Env   string
	File  string
	// ExposeAs is the environment variable the tool sees. It defaults to
	// the upper-cased name.
	ExposeAs string
}

// EnvName returns the variable name the secret is exposed under.
func (d Definition) EnvName() string {
	if d.ExposeAs != "" {
		return d.ExposeAs
	}
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(d.Name))
}

// Validate checks that the definition names exactly one source and a known type.
func (d Definition) Validate() error {
	const op = "secrets.Validate"
	if d.Name == "" {
		return rperrors.Secret(op, "secret name is required")
	}
	sources := 0
	for _, s := range []string{d.Value, d.Env, d.File} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return rperrors.Secret(op, fmt.Sprintf("secret %q must set exactly one of value, env or file", d.Name))
	}
	switch d.Type {
	case "", TypeText, TypeFile, TypeBase64File:
	default:
		return rperrors.Secret(op, fmt.Sprintf("secret %q has unknown type %q", d.Name, d.Type))
	}
	return nil
}

// Vault holds every configured secret definition.
type Vault struct {
	fs      afero.Fs
	tempDir string
	lookup  func(string) (string, bool)
	defs    map[string]Definition

	mu       sync.RWMutex
	resolved map[string]string
}

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithFs sets the filesystem used to read source files and materialize
// file secrets.
func WithFs(fs afero.Fs) VaultOption {
	return func(v *Vault) { v.fs = fs }
}

// WithTempDir sets the parent directory for bundle directories.
func WithTempDir(dir string) VaultOption {
	return func(v *Vault) { v.tempDir = dir }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) VaultOption {
	return func(v *Vault) { v.lookup = fn }
}

// NewVault validates defs and builds a vault.
func NewVault(defs []Definition, opts ...VaultOption) (*Vault, error) {
	v := &Vault{
		fs:       afero.NewOsFs(),
		lookup:   os.LookupEnv,
		defs:     make(map[string]Definition, len(defs)),
		resolved: make(map[string]string),
	}
	for _, opt := range opts {
		opt(v)
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := v.defs[d.Name]; dup {
			return nil, rperrors.Secret("secrets.NewVault", fmt.Sprintf("secret %q defined twice", d.Name))
		}
		if d.Type == "" {
			d.Type = TypeText
		}
		v.defs[d.Name] = d
	}
	return v, nil
}

// Names returns the configured secret names, sorted.
func (v *Vault) Names() []string {
	names := make([]string, 0, len(v.defs))
	for n := range v.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (v *Vault) resolve(d Definition) (string, error) {
	const op = "secrets.resolve"

	v.mu.RLock()
	val, ok := v.resolved[d.Name]
	v.mu.RUnlock()
	if ok {
		return val, nil
	}

	switch {
	case d.Value != "":
		val = d.Value
	case d.Env != "":
		env, ok := v.lookup(d.Env)
		if !ok || env == "" {
			return "", rperrors.Secret(op, fmt.Sprintf("secret %q: environment variable %s is not set", d.Name, d.Env))
		}
		val = env
	case d.File != "":
		data, err := afero.ReadFile(v.fs, d.File)
		if err != nil {
			return "", rperrors.SecretWrap(err, op, fmt.Sprintf("secret %q: cannot read source file", d.Name))
		}
		val = string(data)
	}

	v.mu.Lock()
	v.resolved[d.Name] = val
	v.mu.Unlock()
	return val, nil
}

// Redact masks every secret value resolved so far.
func (v *Vault) Redact(s string) string {
	if v == nil {
		return s
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return redact(s, v.resolved)
}

// Scope resolves the named secrets for one stage. The caller must Close the
// bundle when the stage ends.
func (v *Vault) Scope(stage string, names []string) (*Bundle, error) {
	const op = "secrets.Scope"

	b := &Bundle{fs: v.fs, stage: stage, env: make(map[string]string, len(names)), values: make(map[string]string)}
	for _, name := range names {
		d, ok := v.defs[name]
		if !ok {
			_ = b.Close()
			return nil, rperrors.Secret(op, fmt.Sprintf("stage %s requests undefined secret %q", stage, name))
		}
		val, err := v.resolve(d)
		if err != nil {
			_ = b.Close()
			return nil, err
		}

		switch d.Type {
		case TypeText:
			b.values[name] = val
			b.env[d.EnvName()] = val
		case TypeFile, TypeBase64File:
			content := []byte(val)
			if d.Type == TypeBase64File {
				decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(val))
				if err != nil {
					_ = b.Close()
					return nil, rperrors.SecretWrap(err, op, fmt.Sprintf("secret %q is not valid base64", name))
				}
				content = decoded
			}
			path, err := b.writeFile(v.tempDir, name, content)
			if err != nil {
				_ = b.Close()
				return nil, err
			}
			b.values[name] = val
			b.env[d.EnvName()] = path
		}
	}
	return b, nil
}

// Bundle is the set of secrets visible to one stage.
type Bundle struct {
	fs     afero.Fs
	stage  string
	dir    string
	env    map[string]string
	values map[string]string
}

func (b *Bundle) writeFile(parent, name string, content []byte) (string, error) {
	const op = "secrets.writeFile"
	if b.dir == "" {
		dir, err := afero.TempDir(b.fs, parent, "shipyard-"+sanitize(b.stage)+"-")
		if err != nil {
			return "", rperrors.SecretWrap(err, op, "cannot create secrets directory")
		}
		if err := b.fs.Chmod(dir, 0o700); err != nil {
			return "", rperrors.SecretWrap(err, op, "cannot restrict secrets directory")
		}
		b.dir = dir
	}
	path := filepath.Join(b.dir, sanitize(name))
	if err := afero.WriteFile(b.fs, path, content, 0o600); err != nil {
		return "", rperrors.SecretWrap(err, op, fmt.Sprintf("cannot write secret %q", name))
	}
	return path, nil
}

// Env returns the bundle as KEY=value pairs, sorted by key.
func (b *Bundle) Env() []string {
	if b == nil {
		return nil
	}
	keys := make([]string, 0, len(b.env))
	for k := range b.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+b.env[k])
	}
	return out
}

// Lookup returns the exposed value of a secret: the value for text secrets,
// the materialized path for file secrets.
func (b *Bundle) Lookup(envName string) (string, bool) {
	if b == nil {
		return "", false
	}
	v, ok := b.env[envName]
	return v, ok
}

// Dir returns the directory holding file secrets, or "" if none were written.
func (b *Bundle) Dir() string {
	if b == nil {
		return ""
	}
	return b.dir
}

// Redact masks the bundle's secret values in s.
func (b *Bundle) Redact(s string) string {
	if b == nil {
		return s
	}
	return redact(s, b.values)
}

// Close removes materialized secret files.
func (b *Bundle) Close() error {
	if b == nil || b.dir == "" {
		return nil
	}
	dir := b.dir
	b.dir = ""
	if err := b.fs.RemoveAll(dir); err != nil {
		return rperrors.IOWrap(err, "secrets.Close", "cannot remove secrets directory")
	}
	return nil
}

func redact(s string, values map[string]string) string {
	if s == "" || len(values) == 0 {
		return s
	}
	// Longest first so a value containing another is masked whole.
	vals := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) >= minRedactLen {
			vals = append(vals, v)
		}
	}
	sort.Slice(vals, func(i, j int) bool { return len(vals[i]) > len(vals[j]) })
	for _, v := range vals {
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return rperrors.RedactSensitive(s)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
