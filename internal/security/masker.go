// Package security masks secrets in log and command output.
package security

import (
	"io"
	"os"
	"sync"

	"github.com/relicta-tech/shipyard/internal/errors"
)

// Redactor masks secret values in s.
type Redactor func(s string) string

// ciEnvVars are set by common CI systems.
var ciEnvVars = []string{
	"CI",
	"GITHUB_ACTIONS",
	"GITLAB_CI",
	"CIRCLECI",
	"JENKINS_URL",
	"BITBUCKET_PIPELINES",
	"BUILDKITE",
}

// InCI reports whether the process runs under a CI system.
func InCI() bool {
	for _, env := range ciEnvVars {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}

// Mask redacts credential-looking patterns such as tokens and passwords.
func Mask(s string) string {
	return errors.RedactSensitive(s)
}

// MaskedWriter wraps an io.Writer and masks everything written through it.
// Redactors can be added once secret values are known.
type MaskedWriter struct {
	mu        sync.RWMutex
	w         io.Writer
	redactors []Redactor
}

// NewMaskedWriter creates a MaskedWriter that applies Mask and then each
// redactor in order.
func NewMaskedWriter(w io.Writer, redactors ...Redactor) *MaskedWriter {
	return &MaskedWriter{w: w, redactors: append([]Redactor{Mask}, redactors...)}
}

// Add appends a redactor.
func (mw *MaskedWriter) Add(r Redactor) {
	if r == nil {
		return
	}
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.redactors = append(mw.redactors, r)
}

// SetOutput replaces the underlying writer.
func (mw *MaskedWriter) SetOutput(w io.Writer) {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	mw.w = w
}

// Write implements io.Writer, masking sensitive data before writing.
func (mw *MaskedWriter) Write(p []byte) (n int, err error) {
	mw.mu.RLock()
	defer mw.mu.RUnlock()

	s := string(p)
	for _, r := range mw.redactors {
		s = r(s)
	}
	// Report the original length to satisfy the io.Writer contract
	if _, err := io.WriteString(mw.w, s); err != nil {
		return 0, err
	}
	return len(p), nil
}
