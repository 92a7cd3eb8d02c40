// Package schema validates record payloads against per-category CUE
// schemas. A default set is embedded; operators may load their own file.
package schema

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/medchain/internal/ir"
)

//go:embed default.cue
var defaultSource []byte

// Set holds compiled schemas keyed by category.
type Set struct {
	ctx  *cue.Context
	root cue.Value
}

// Default returns the embedded schemas.
func Default() (*Set, error) {
	return Compile("default.cue", defaultSource)
}

// Load compiles the schema file at path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	return Compile(path, data)
}

// Compile compiles CUE source. Every top-level regular field is the schema
// of the category it names.
func Compile(filename string, src []byte) (*Set, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if v.Kind() != cue.StructKind {
		return nil, &CompileError{Message: "schema file must be a struct of categories", Pos: v.Pos()}
	}
	return &Set{ctx: ctx, root: v}, nil
}

// Categories lists the categories with a schema, sorted.
func (s *Set) Categories() []ir.Category {
	var out []ir.Category
	iter, err := s.root.Fields()
	if err != nil {
		return nil
	}
	for iter.Next() {
		out = append(out, ir.Category(iter.Selector().Unquoted()))
	}
	slices.Sort(out)
	return out
}

// Has reports whether category has a schema.
func (s *Set) Has(category ir.Category) bool {
	return s.lookup(category).Exists()
}

func (s *Set) lookup(category ir.Category) cue.Value {
	return s.root.LookupPath(cue.MakePath(cue.Str(string(category))))
}

// Validate checks payload against the category's schema. Categories
// without a schema accept any payload.
func (s *Set) Validate(category ir.Category, payload ir.IRObject) error {
	schema := s.lookup(category)
	if !schema.Exists() {
		return nil
	}

	data := s.ctx.Encode(payload.Native())
	if err := data.Err(); err != nil {
		return &ValidationError{Category: category, Message: err.Error()}
	}
	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return newValidationError(category, err)
	}
	return nil
}

// ValidationError reports the first field that does not satisfy the
// schema.
type ValidationError struct {
	Category ir.Category
	Field    string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field %s: %s", e.Category, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func newValidationError(category ir.Category, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Category: category, Message: err.Error()}
	}

	first := errs[0]
	ve := &ValidationError{Category: category}
	if path := first.Path(); len(path) > 0 {
		ve.Field = path[len(path)-1]
	}
	format, args := first.Msg()
	ve.Message = fmt.Sprintf(format, args...)
	return ve
}

// CompileError is a schema file that does not compile.
type CompileError struct {
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Message: err.Error()}
	}

	first := errs[0]
	ce := &CompileError{Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
