// Package strategy provides concrete flow.Strategy implementations
// that render a task's input deck from a text/template.
package strategy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// TemplateStrategy renders a single named template into a file under
// the task's workdir, using Data as the template's execution context.
// Render is idempotent: it truncates and rewrites the target file each
// time it runs, so a retried task re-renders from scratch.
type TemplateStrategy struct {
	// Filename is the name of the rendered file, relative to workdir,
	// e.g. "input.deck".
	Filename string
	// Template is the deck template body.
	Template string
	// Data is passed to the template as its execution context.
	Data any
	// FuncMap is optional, merged into the template's function table
	// before parsing.
	FuncMap template.FuncMap
}

// NewTemplateStrategy constructs a TemplateStrategy rendering filename
// from tmpl with data bound as the execution context.
func NewTemplateStrategy(filename, tmpl string, data any) *TemplateStrategy {
	return &TemplateStrategy{Filename: filename, Template: tmpl, Data: data}
}

// Render implements flow.Strategy.
func (s *TemplateStrategy) Render(workdir string) error {
	t := template.New(s.Filename)
	if s.FuncMap != nil {
		t = t.Funcs(s.FuncMap)
	}
	t, err := t.Parse(s.Template)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", s.Filename, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, s.Data); err != nil {
		return fmt.Errorf("render template %s: %w", s.Filename, err)
	}

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", workdir, err)
	}
	path := filepath.Join(workdir, s.Filename)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write rendered deck %s: %w", path, err)
	}
	return nil
}

// MultiFileStrategy renders several independent files into the same
// workdir, useful for task kinds whose input deck spans more than one
// file (e.g. a structure file plus a control file).
type MultiFileStrategy struct {
	Files []*TemplateStrategy
}

// Render implements flow.Strategy, rendering every file in order and
// stopping at the first error.
func (s *MultiFileStrategy) Render(workdir string) error {
	for _, f := range s.Files {
		if err := f.Render(workdir); err != nil {
			return err
		}
	}
	return nil
}

// RawStrategy writes pre-rendered bytes verbatim, for callers (such as
// a restart from a checkpoint) that already have the deck contents and
// don't need templating.
type RawStrategy struct {
	Filename string
	Contents []byte
}

// Render implements flow.Strategy.
func (s *RawStrategy) Render(workdir string) error {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", workdir, err)
	}
	path := filepath.Join(workdir, s.Filename)
	if err := os.WriteFile(path, s.Contents, 0o644); err != nil {
		return fmt.Errorf("write deck %s: %w", path, err)
	}
	return nil
}
