package model

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schemas.cue
var schemasCUE string

// Schemas validates replies against the embedded CUE definitions.
//
// Thread-safety: a CUE context is not safe for concurrent use, so Validate
// serialises on an internal mutex.
type Schemas struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[Operation]cue.Value
}

// LoadSchemas compiles the embedded schema file.
func LoadSchemas() (*Schemas, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemasCUE, cue.Filename("schemas.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schemas: %w", formatCUEError(err))
	}
	s := &Schemas{ctx: ctx, defs: make(map[Operation]cue.Value)}
	for _, op := range Operations() {
		def := v.LookupPath(cue.ParsePath("#" + string(op)))
		if !def.Exists() {
			return nil, fmt.Errorf("compile schemas: missing definition for %s", op)
		}
		s.defs[op] = def
	}
	return s, nil
}

// Validate checks obj against the operation's schema. Beyond the schema,
// ok must be a bool and operation must equal op; both are also encoded in
// the definitions but are checked first for clearer messages.
func (s *Schemas) Validate(op Operation, obj map[string]any) error {
	if _, ok := obj["ok"].(bool); !ok {
		return &SchemaError{Operation: op, Message: "missing or invalid ok"}
	}
	if got, _ := obj["operation"].(string); got != string(op) {
		return &SchemaError{Operation: op, Message: fmt.Sprintf("operation mismatch: got %q", got)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[op]
	if !ok {
		return &SchemaError{Operation: op, Message: "unknown operation"}
	}
	// An open list such as [...string] is already concrete, so presence of
	// required keys is checked against the definition's fields directly.
	if err := requireFields(def, obj, ""); err != nil {
		return &SchemaError{Operation: op, Message: err.Error()}
	}
	data := s.ctx.Encode(obj)
	if err := data.Err(); err != nil {
		return &SchemaError{Operation: op, Message: err.Error()}
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Operation: op, Message: formatCUEError(err).Error()}
	}
	return nil
}

// requireFields reports the first regular field of def missing from obj,
// recursing into nested structs.
func requireFields(def cue.Value, obj map[string]any, prefix string) error {
	it, err := def.Fields()
	if err != nil {
		return err
	}
	for it.Next() {
		name := it.Selector().String()
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		v, ok := obj[name]
		if !ok {
			return fmt.Errorf("missing field %s", path)
		}
		if it.Value().IncompleteKind() == cue.StructKind {
			nested, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("field %s must be an object", path)
			}
			if err := requireFields(it.Value(), nested, path); err != nil {
				return err
			}
		}
	}
	return nil
}

// formatCUEError joins the individual CUE errors into one line.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
