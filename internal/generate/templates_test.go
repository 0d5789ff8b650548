package generate

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestNewTemplateStore_SeedsDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	s, err := NewTemplateStore(dir)
	if err != nil {
		t.Fatalf("NewTemplateStore: %v", err)
	}
	names, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(names, []string{DefaultTemplateName}) {
		t.Errorf("List() = %v", names)
	}
	out, err := s.Render(DefaultTemplateName, PromptData{UserPrompt: "build a bridge", RAGContext: "Source: a\n\nsteel"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "build a bridge") || !strings.Contains(out, "Source: a\n\nsteel") {
		t.Errorf("rendered default template missing data: %q", out)
	}
}

func TestNewTemplateStore_KeepsExistingDefault(t *testing.T) {
	dir := t.TempDir()
	custom := "custom {{.UserPrompt}}"
	if err := os.WriteFile(filepath.Join(dir, DefaultTemplateName), []byte(custom), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := NewTemplateStore(dir)
	if err != nil {
		t.Fatalf("NewTemplateStore: %v", err)
	}
	out, err := s.Render(DefaultTemplateName, PromptData{UserPrompt: "x"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "custom x" {
		t.Errorf("Render() = %q, want %q", out, "custom x")
	}
}

func TestTemplateStore_SaveAndRender(t *testing.T) {
	s, err := NewTemplateStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save("short.tmpl", "{{.UserPrompt}}|{{.RAGContext}}"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := s.Render("short.tmpl", PromptData{UserPrompt: "p", RAGContext: "c"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "p|c" {
		t.Errorf("Render() = %q, want %q", out, "p|c")
	}

	// Overwrite
	if err := s.Save("short.tmpl", "{{.RAGContext}}"); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	out, _ = s.Render("short.tmpl", PromptData{UserPrompt: "p", RAGContext: "c"})
	if out != "c" {
		t.Errorf("Render() after overwrite = %q, want %q", out, "c")
	}

	names, _ := s.List()
	if !reflect.DeepEqual(names, []string{DefaultTemplateName, "short.tmpl"}) {
		t.Errorf("List() = %v", names)
	}
}

func TestTemplateStore_Errors(t *testing.T) {
	s, err := NewTemplateStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "../escape.tmpl", "a/b.tmpl", ".hidden"} {
		if err := s.Save(name, "x"); !errors.Is(err, ErrInvalidTemplateName) {
			t.Errorf("Save(%q) error = %v, want ErrInvalidTemplateName", name, err)
		}
		if _, err := s.Render(name, PromptData{}); !errors.Is(err, ErrInvalidTemplateName) {
			t.Errorf("Render(%q) error = %v, want ErrInvalidTemplateName", name, err)
		}
	}
	if err := s.Save("broken.tmpl", "{{.UserPrompt"); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("Save() with unparsable template error = %v, want ErrInvalidTemplate", err)
	}
	if _, err := s.Render("missing.tmpl", PromptData{}); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Render(missing) error = %v, want ErrTemplateNotFound", err)
	}
	if err := s.Save("field.tmpl", "{{.Nope}}"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Render("field.tmpl", PromptData{}); err == nil {
		t.Error("Render() with unknown field should fail")
	}
}
