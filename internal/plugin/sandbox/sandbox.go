// Package sandbox prepares child processes for external tools and tool
// plugins: a filtered environment and a process group of their own.
package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Policy says which parts of the parent environment a child may see.
type Policy struct {
	// InheritEnv passes the parent environment through, minus variables
	// whose names look like credentials. When false only essential
	// variables are passed.
	InheritEnv bool
	// AllowedEnv names variables passed even when they look like
	// credentials or InheritEnv is false.
	AllowedEnv []string
}

// DefaultPolicy inherits the environment. Build tools need JAVA_HOME,
// ANDROID_HOME, Xcode selection and similar host settings.
func DefaultPolicy() Policy {
	return Policy{InheritEnv: true}
}

var essentialEnv = []string{"PATH", "HOME", "USER", "SHELL", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// credentialMarkers flag parent variables that must not reach a child
// unless allowed explicitly. Stage secrets arrive through the bundle.
var credentialMarkers = []string{"TOKEN", "SECRET", "PASSWORD", "PASSWD", "API_KEY", "APIKEY", "KEYSTORE", "CREDENTIAL", "PRIVATE_KEY"}

// Sandbox applies a Policy to commands.
type Sandbox struct {
	name   string
	policy Policy
}

// New creates a sandbox for the named stage or plugin.
func New(name string, policy Policy) *Sandbox {
	return &Sandbox{name: name, policy: policy}
}

// Name returns the stage or plugin name.
func (s *Sandbox) Name() string {
	return s.name
}

// PrepareCommand sets cmd's environment to the filtered parent environment
// followed by extra, and starts cmd in its own process group.
// Later entries win, so extra overrides inherited values.
func (s *Sandbox) PrepareCommand(cmd *exec.Cmd, extra ...string) error {
	if cmd == nil {
		return fmt.Errorf("command cannot be nil")
	}
	cmd.Env = append(s.filterEnv(os.Environ()), extra...)
	setProcessGroup(cmd)
	return nil
}

// Kill terminates cmd and every process it started.
func (s *Sandbox) Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killProcessGroup(cmd)
}

func (s *Sandbox) filterEnv(environ []string) []string {
	allowed := make(map[string]bool, len(essentialEnv)+len(s.policy.AllowedEnv))
	for _, v := range essentialEnv {
		allowed[v] = true
	}
	for _, v := range s.policy.AllowedEnv {
		allowed[v] = true
	}

	filtered := make([]string, 0, len(environ))
	for _, env := range environ {
		name, _, _ := strings.Cut(env, "=")
		switch {
		case allowed[name]:
			filtered = append(filtered, env)
		case s.policy.InheritEnv && !looksLikeCredential(name):
			filtered = append(filtered, env)
		}
	}
	return filtered
}

func looksLikeCredential(name string) bool {
	upper := strings.ToUpper(name)
	for _, m := range credentialMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}
