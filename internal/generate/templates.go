// Package generate renders retrieved context into prompt templates and passes the
// result to a text generator.
package generate

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// DefaultTemplateName is the template seeded into an empty template directory.
const DefaultTemplateName = "proposal.tmpl"

// DefaultTemplate drafts a proposal from the user prompt and retrieved context.
const DefaultTemplate = `You are drafting a proposal. Use the reference material below where it is relevant.

Reference material:
{{.RAGContext}}

Request:
{{.UserPrompt}}

Proposal:
`

var (
	// ErrInvalidTemplateName is returned for names that are not a plain file name.
	ErrInvalidTemplateName = errors.New("invalid template name")
	// ErrInvalidTemplate is returned for template content that does not parse.
	ErrInvalidTemplate = errors.New("invalid template")
	// ErrTemplateNotFound is returned when a named template does not exist.
	ErrTemplateNotFound = errors.New("template not found")

	templateNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// PromptData is the data a prompt template is executed with.
type PromptData struct {
	UserPrompt string
	RAGContext string
}

// TemplateStore keeps prompt templates as files in a directory.
type TemplateStore struct {
	dir string
	mu  sync.RWMutex
}

// NewTemplateStore opens dir, creating it if needed, and seeds DefaultTemplateName
// when it is missing.
func NewTemplateStore(dir string) (*TemplateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create template directory: %w", err)
	}
	s := &TemplateStore{dir: dir}
	path := filepath.Join(dir, DefaultTemplateName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(DefaultTemplate), 0644); err != nil {
			return nil, fmt.Errorf("failed to seed default template: %w", err)
		}
	}
	return s, nil
}

// Dir returns the template directory.
func (s *TemplateStore) Dir() string {
	return s.dir
}

// Save parses content as a template and writes it under name, replacing any
// existing template of that name.
func (s *TemplateStore) Save(name, content string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, err := template.New(name).Parse(content); err != nil {
		return fmt.Errorf("%w %s: %w", ErrInvalidTemplate, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save template: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save template: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// Render executes the template called name with data.
func (s *TemplateStore) Render(name string, data PromptData) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	s.mu.RLock()
	content, err := os.ReadFile(filepath.Join(s.dir, name))
	s.mu.RUnlock()
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// List returns the template names in the store, sorted.
func (s *TemplateStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func validateName(name string) error {
	if !templateNameRe.MatchString(name) || name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTemplateName, name)
	}
	return nil
}
