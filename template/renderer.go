package template

import (
	"bytes"
	"fmt"
	"text/template"
)

// Rendered is the output of rendering a template.
type Rendered struct {
	Subject string
	Content string
}

// Renderer validates data and renders a Template.
type Renderer struct {
	validator *Validator
}

// NewRenderer creates a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{validator: NewValidator()}
}

// Render validates data against tpl.Schema and executes the subject and
// content with data as the root value. Missing keys are errors.
func (r *Renderer) Render(tpl *Template, data map[string]any) (Rendered, error) {
	if !tpl.IsActive {
		return Rendered{}, ErrInactive
	}
	if err := r.validator.Validate(tpl.Schema, data); err != nil {
		return Rendered{}, err
	}

	subject, err := execute(tpl.Name+".subject", tpl.Subject, data)
	if err != nil {
		return Rendered{}, err
	}
	content, err := execute(tpl.Name+".content", tpl.Content, data)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Subject: subject, Content: content}, nil
}

func execute(name, text string, data map[string]any) (string, error) {
	if text == "" {
		return "", nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("template: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return buf.String(), nil
}
