package oracle

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaSet compiles stage output schemas once and caches them by stage name.
type schemaSet struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaSet() *schemaSet {
	return &schemaSet{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks a decoded payload against the stage's schema. A schema that
// fails to compile is a programming error, reported as fatal so it is never
// retried.
func (s *schemaSet) validate(name, schemaJSON string, payload any) error {
	sch, err := s.compile(name, schemaJSON)
	if err != nil {
		return Fatal(err)
	}
	if err := sch.Validate(payload); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	return nil
}

func (s *schemaSet) compile(name, schemaJSON string) (*jsonschema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch, ok := s.compiled[name]; ok {
		return sch, nil
	}
	sch, err := jsonschema.CompileString(name+".json", schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	s.compiled[name] = sch
	return sch, nil
}
