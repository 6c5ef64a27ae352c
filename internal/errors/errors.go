// Package errors provides structured error types for Shipyard.
// Every failure surfaced by the orchestrator carries a Kind so callers can
// tell fatal pipeline faults from retryable transport problems.
package errors

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind represents the category of an error.
type Kind uint8

const (
	// KindUnknown indicates an error of unknown type.
	KindUnknown Kind = iota
	// KindConfig indicates a configuration error.
	KindConfig
	// KindGit indicates a git history error, including shallow clones.
	KindGit
	// KindVersion indicates a version file or version code error.
	KindVersion
	// KindPlugin indicates a tool plugin error.
	KindPlugin
	// KindStage indicates a stage failed to complete.
	KindStage
	// KindTool indicates an external build or publish tool exited non-zero.
	KindTool
	// KindArtifact indicates an artifact could not be produced, found, or stored.
	KindArtifact
	// KindSecret indicates a secret could not be resolved or materialized.
	KindSecret
	// KindTemplate indicates a command template rendering error.
	KindTemplate
	// KindState indicates an illegal run phase transition.
	KindState
	// KindNetwork indicates a network error.
	KindNetwork
	// KindIO indicates a file I/O error.
	KindIO
	// KindValidation indicates a validation error.
	KindValidation
	// KindPermission indicates a permission error.
	KindPermission
	// KindNotFound indicates a resource was not found.
	KindNotFound
	// KindConflict indicates a conflict error, such as a held channel lock.
	KindConflict
	// KindTimeout indicates a timeout error.
	KindTimeout
	// KindCanceled indicates the operation was canceled.
	KindCanceled
	// KindInternal indicates an internal error.
	KindInternal
)

// String returns a human-readable string for the error kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindGit:
		return "git"
	case KindVersion:
		return "version"
	case KindPlugin:
		return "plugin"
	case KindStage:
		return "stage"
	case KindTool:
		return "tool"
	case KindArtifact:
		return "artifact"
	case KindSecret:
		return "secret"
	case KindTemplate:
		return "template"
	case KindState:
		return "state"
	case KindNetwork:
		return "network"
	case KindIO:
		return "io"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the standard error type for Shipyard.
type Error struct {
	// Kind is the category of the error.
	Kind Kind
	// Op is the operation being performed when the error occurred.
	Op string
	// Message is a human-readable error message.
	Message string
	// Err is the underlying error.
	Err error
	// Recoverable indicates if the error can be retried.
	Recoverable bool
	// Details contains additional context about the error.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches this error.
// A target without Op matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Op == t.Op
}

// WithDetails adds details to the error and returns the modified error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail adds a single detail to the error and returns the modified error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, kind Kind, op string, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// GetKind returns the Kind of an error.
// If the error is not an *Error, it returns KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRecoverable returns true if the error is recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// IsKind checks if an error is of a specific kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// Config creates a configuration error.
func Config(op, message string) *Error {
	return &Error{Kind: KindConfig, Op: op, Message: message}
}

// ConfigWrap wraps an error as a configuration error.
func ConfigWrap(err error, op, message string) *Error {
	return Wrap(err, KindConfig, op, message)
}

// Git creates a git error.
func Git(op, message string) *Error {
	return &Error{Kind: KindGit, Op: op, Message: message}
}

// GitWrap wraps an error as a git error.
func GitWrap(err error, op, message string) *Error {
	return Wrap(err, KindGit, op, message)
}

// Version creates a versioning error.
func Version(op, message string) *Error {
	return &Error{Kind: KindVersion, Op: op, Message: message}
}

// VersionWrap wraps an error as a versioning error.
func VersionWrap(err error, op, message string) *Error {
	return Wrap(err, KindVersion, op, message)
}

// Plugin creates a plugin error.
func Plugin(op, message string) *Error {
	return &Error{Kind: KindPlugin, Op: op, Message: message}
}

// PluginWrap wraps an error as a plugin error.
func PluginWrap(err error, op, message string) *Error {
	return Wrap(err, KindPlugin, op, message)
}

// Stage creates a stage error.
func Stage(op, message string) *Error {
	return &Error{Kind: KindStage, Op: op, Message: message}
}

// Tool creates a tool error.
func Tool(op, message string) *Error {
	return &Error{Kind: KindTool, Op: op, Message: message}
}

// ToolWrap wraps an error as a tool error.
func ToolWrap(err error, op, message string) *Error {
	return Wrap(err, KindTool, op, message)
}

// Artifact creates an artifact error.
func Artifact(op, message string) *Error {
	return &Error{Kind: KindArtifact, Op: op, Message: message}
}

// ArtifactWrap wraps an error as an artifact error.
func ArtifactWrap(err error, op, message string) *Error {
	return Wrap(err, KindArtifact, op, message)
}

// Secret creates a secret resolution error.
func Secret(op, message string) *Error {
	return &Error{Kind: KindSecret, Op: op, Message: message}
}

// SecretWrap wraps an error as a secret error. The wrapped error text is
// redacted because resolvers may echo the value they failed to parse.
func SecretWrap(err error, op, message string) *Error {
	return WrapSafe(err, KindSecret, op, message)
}

// Validation creates a validation error.
func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message, Recoverable: true}
}

// ValidationWrap wraps an error as a validation error.
func ValidationWrap(err error, op, message string) *Error {
	e := Wrap(err, KindValidation, op, message)
	e.Recoverable = true
	return e
}

// NotFound creates a not found error.
func NotFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// NotFoundWrap wraps an error as a not found error.
func NotFoundWrap(err error, op, message string) *Error {
	return Wrap(err, KindNotFound, op, message)
}

// IOWrap wraps an error as an I/O error.
func IOWrap(err error, op, message string) *Error {
	return Wrap(err, KindIO, op, message)
}

// NetworkWrap wraps an error as a network error.
func NetworkWrap(err error, op, message string) *Error {
	e := WrapSafe(err, KindNetwork, op, message)
	e.Recoverable = true
	return e
}

// Timeout creates a timeout error.
func Timeout(op, message string) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: message, Recoverable: true}
}

// TimeoutWrap wraps an error as a timeout error.
func TimeoutWrap(err error, op, message string) *Error {
	e := Wrap(err, KindTimeout, op, message)
	e.Recoverable = true
	return e
}

// Canceled creates a cancellation error.
func Canceled(op, message string) *Error {
	return &Error{Kind: KindCanceled, Op: op, Message: message}
}

// CanceledWrap wraps an error as a cancellation error.
func CanceledWrap(err error, op, message string) *Error {
	return Wrap(err, KindCanceled, op, message)
}

// Internal creates an internal error.
func Internal(op, message string) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: message}
}

// InternalWrap wraps an error as an internal error.
func InternalWrap(err error, op, message string) *Error {
	return Wrap(err, KindInternal, op, message)
}

// State creates a state transition error.
func State(op, message string) *Error {
	return &Error{Kind: KindState, Op: op, Message: message}
}

// StateWrap wraps an error as a state transition error.
func StateWrap(err error, op, message string) *Error {
	return Wrap(err, KindState, op, message)
}

// Template creates a template error.
func Template(op, message string) *Error {
	return &Error{Kind: KindTemplate, Op: op, Message: message}
}

// TemplateWrap wraps an error as a template error.
func TemplateWrap(err error, op, message string) *Error {
	return Wrap(err, KindTemplate, op, message)
}

// Conflict creates a conflict error.
func Conflict(op, message string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

// Patterns for credentials that must never reach logs or error output.
var sensitivePatterns = []*regexp.Regexp{
	// GitHub tokens: ghp_..., gho_..., ghs_..., ghr_..., ghu_...
	regexp.MustCompile(`\bgh[poshru]_[a-zA-Z0-9]{36,}\b`),
	// Fine-grained GitHub tokens.
	regexp.MustCompile(`\bgithub_pat_[a-zA-Z0-9_]{40,}\b`),
	// Google API keys, as found in Firebase configs.
	regexp.MustCompile(`\bAIza[a-zA-Z0-9_-]{35,}\b`),
	// PEM private keys, including the escaped form inside service account JSON.
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	// Slack webhook URLs.
	regexp.MustCompile(`\bhttps://hooks\.slack\.com/services/[A-Z0-9]+/[A-Z0-9]+/[a-zA-Z0-9]+\b`),
	// Generic bearer tokens.
	regexp.MustCompile(`\bBearer\s+[a-zA-Z0-9_.-]{20,}\b`),
	// Basic auth with password in URL.
	regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`),
}

// RedactSensitive removes well-known credential shapes from s.
func RedactSensitive(s string) string {
	result := s
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// RedactError creates a new error with sensitive data redacted from its message.
// If the error is nil, returns nil.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	redacted := RedactSensitive(err.Error())
	if redacted == err.Error() {
		return err
	}
	return fmt.Errorf("%s", redacted)
}

// WrapSafe wraps an error with sensitive data redacted.
func WrapSafe(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return &Error{Kind: kind, Op: op, Message: message}
	}
	return Wrap(RedactError(err), kind, op, message)
}
