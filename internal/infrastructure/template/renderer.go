// Package template renders text/template strings for tool commands and
// notification bodies.
package template

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

// bufferPool is used to reuse buffers for template execution.
var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// DefaultExecutionTimeout bounds a single template execution.
const DefaultExecutionTimeout = 5 * time.Second

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// Renderer renders named and inline templates. Inline templates are parsed
// once and cached by their text.
type Renderer struct {
	mu               sync.RWMutex
	templates        map[string]*template.Template
	inline           map[string]*template.Template
	funcMap          template.FuncMap
	executionTimeout time.Duration
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithExecutionTimeout sets the maximum template execution time.
func WithExecutionTimeout(timeout time.Duration) Option {
	return func(r *Renderer) {
		if timeout > 0 {
			r.executionTimeout = timeout
		}
	}
}

// NewRenderer creates a renderer with the embedded templates loaded.
func NewRenderer(opts ...Option) (*Renderer, error) {
	r := &Renderer{
		templates:        make(map[string]*template.Template),
		inline:           make(map[string]*template.Template),
		funcMap:          funcMap(),
		executionTimeout: DefaultExecutionTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	err := fs.WalkDir(embeddedTemplates, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".tmpl") {
			return nil
		}
		content, err := embeddedTemplates.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read embedded template %s: %w", path, err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(path, "templates/"), ".tmpl")
		return r.Register(name, string(content))
	})
	if err != nil {
		return nil, rperrors.TemplateWrap(err, "template.NewRenderer", "failed to load embedded templates")
	}
	return r, nil
}

// Register parses content and stores it under name, replacing any
// template already registered with that name.
func (r *Renderer) Register(name, content string) error {
	tmpl, err := r.parse(name, content)
	if err != nil {
		return rperrors.TemplateWrap(err, "template.Register", fmt.Sprintf("failed to parse template %s", name))
	}
	r.mu.Lock()
	r.templates[name] = tmpl
	r.mu.Unlock()
	return nil
}

// Render executes the registered template name.
func (r *Renderer) Render(ctx context.Context, name string, data any) (string, error) {
	const op = "template.Render"

	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", rperrors.NotFound(op, fmt.Sprintf("template not found: %s", name))
	}
	return r.execute(ctx, op, tmpl, data)
}

// RenderString executes text as a template. name only labels errors.
// Referencing a field or key that data does not have is an error.
func (r *Renderer) RenderString(ctx context.Context, name, text string, data any) (string, error) {
	const op = "template.RenderString"

	r.mu.RLock()
	tmpl, ok := r.inline[text]
	r.mu.RUnlock()

	if !ok {
		var err error
		tmpl, err = r.parse(name, text)
		if err != nil {
			return "", rperrors.TemplateWrap(err, op, fmt.Sprintf("failed to parse template %s", name))
		}
		r.mu.Lock()
		r.inline[text] = tmpl
		r.mu.Unlock()
	}
	return r.execute(ctx, op, tmpl, data)
}

func (r *Renderer) parse(name, content string) (*template.Template, error) {
	return template.New(name).Option("missingkey=error").Funcs(r.funcMap).Parse(content)
}

// execute runs tmpl in a goroutine so a runaway template cannot hold the
// caller past the execution timeout.
func (r *Renderer) execute(ctx context.Context, op string, tmpl *template.Template, data any) (string, error) {
	type result struct {
		output string
		err    error
	}

	ctx, cancel := context.WithTimeout(ctx, r.executionTimeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		buf := bufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		defer func() {
			bufferPool.Put(buf)
			if p := recover(); p != nil {
				done <- result{err: rperrors.TemplateWrap(fmt.Errorf("template panic: %v", p), op,
					fmt.Sprintf("template execution panicked: %s", tmpl.Name()))}
			}
		}()

		if err := tmpl.Execute(buf, data); err != nil {
			done <- result{err: rperrors.TemplateWrap(err, op, fmt.Sprintf("failed to render template %s", tmpl.Name()))}
			return
		}
		done <- result{output: buf.String()}
	}()

	select {
	case <-ctx.Done():
		return "", rperrors.TimeoutWrap(ctx.Err(), op, fmt.Sprintf("template execution timed out: %s", tmpl.Name()))
	case res := <-done:
		return res.output, res.err
	}
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"upper":      strings.ToUpper,
		"lower":      strings.ToLower,
		"title":      cases.Title(language.English).String,
		"trim":       strings.TrimSpace,
		"trimPrefix": strings.TrimPrefix,
		"trimSuffix": strings.TrimSuffix,
		"replace":    strings.ReplaceAll,
		"contains":   strings.Contains,
		"join":       strings.Join,
		"quote":      strconv.Quote,
		"shellquote": shellQuote,
		"default":    defaultFunc,
		"now":        time.Now,
		"dateISO":    func(t time.Time) string { return t.Format("2006-01-02") },
	}
}

func defaultFunc(def, value any) any {
	if value == nil || value == "" || value == 0 {
		return def
	}
	return value
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
