package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates request data against JSON Schema documents.
type Validator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema // keyed by schema JSON content
}

// NewValidator creates a new schema validator.
func NewValidator() *Validator {
	return &Validator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks data against schema. A nil schema accepts anything.
func (v *Validator) Validate(schema map[string]any, data map[string]any) error {
	if schema == nil {
		return nil
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return fmt.Errorf("template: compile schema: %w", err)
	}

	// Round-trip through JSON so numbers and nested maps match what the
	// compiler expects.
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("template: marshal data: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("template: unmarshal data: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return nil
}

func (v *Validator) compile(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets its own compiler, so the resource URL only has to be
	// unique within it.
	const url = "notifly://template/schema.json"

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()

	return compiled, nil
}
