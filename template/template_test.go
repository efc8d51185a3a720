package template_test

import (
	"errors"
	"testing"

	"github.com/xraph/notifly/template"
)

func welcome() *template.Template {
	return &template.Template{
		Name:     "welcome",
		Subject:  "Welcome, {{.name}}",
		Content:  "Hi {{.name}}, your code is {{.code}}.",
		IsActive: true,
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"name", "code"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
				"code": map[string]any{"type": "integer"},
			},
		},
	}
}

func TestRender(t *testing.T) {
	r := template.NewRenderer()
	out, err := r.Render(welcome(), map[string]any{"name": "Ada", "code": 42})
	if err != nil {
		t.Fatal(err)
	}
	if out.Subject != "Welcome, Ada" {
		t.Fatalf("unexpected subject %q", out.Subject)
	}
	if out.Content != "Hi Ada, your code is 42." {
		t.Fatalf("unexpected content %q", out.Content)
	}
}

func TestRenderRejectsInvalidData(t *testing.T) {
	r := template.NewRenderer()
	_, err := r.Render(welcome(), map[string]any{"name": "Ada", "code": "not-a-number"})
	if !errors.Is(err, template.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}

	_, err = r.Render(welcome(), map[string]any{"name": "Ada"})
	if !errors.Is(err, template.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData for missing field, got %v", err)
	}
}

func TestRenderInactive(t *testing.T) {
	tpl := welcome()
	tpl.IsActive = false
	_, err := template.NewRenderer().Render(tpl, map[string]any{"name": "Ada", "code": 1})
	if !errors.Is(err, template.ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestRenderMissingKeyWithoutSchema(t *testing.T) {
	tpl := &template.Template{Name: "t", Subject: "{{.missing}}", IsActive: true}
	_, err := template.NewRenderer().Render(tpl, map[string]any{})
	if !errors.Is(err, template.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}

func TestValidatorNilSchema(t *testing.T) {
	v := template.NewValidator()
	if err := v.Validate(nil, map[string]any{"anything": true}); err != nil {
		t.Fatalf("nil schema should accept, got %v", err)
	}
}

func TestValidatorCachesCompiledSchema(t *testing.T) {
	v := template.NewValidator()
	schema := map[string]any{"type": "object", "required": []any{"a"}}
	for range 3 {
		if err := v.Validate(schema, map[string]any{"a": 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := v.Validate(schema, map[string]any{}); !errors.Is(err, template.ErrInvalidData) {
		t.Fatalf("expected ErrInvalidData, got %v", err)
	}
}
