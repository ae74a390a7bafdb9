package gateway

import (
	"bytes"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/fn"
)

// fnSchema is the pooled compiled input schema for one function.
type fnSchema struct {
	builtAt  time.Time
	compiled *jsonschema.Schema
}

func (s *fnSchema) stale(meta *fn.Metadata) bool {
	return !meta.UpdatedAt.Equal(s.builtAt)
}

// validateInput checks an invocation's input against the function's
// declared inputSchema. Functions without a schema accept any object.
func (g *Gateway) validateInput(meta *fn.Metadata, input map[string]any) error {
	if len(meta.InputSchema) == 0 {
		return nil
	}

	s, ok := g.schemas.Get(meta.ID)
	if !ok || s.stale(meta) {
		compiled, err := compileSchema(meta.InputSchema)
		if err != nil {
			// Deploy validation rejects malformed schemas; stored
			// records may predate it.
			return apierror.ErrInternal.WithMessage("Function input schema is invalid").WithCause(err)
		}
		s = &fnSchema{builtAt: meta.UpdatedAt, compiled: compiled}
		g.schemas.Add(meta.ID, s)
	}

	if err := s.compiled.Validate(schemaInstance(input)); err != nil {
		return apierror.ErrValidationFailed.WithMessagef("Input does not match the function's input schema: %v", err)
	}
	return nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("input.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("input.json")
}

// schemaInstance converts the decoded input into the shape the validator
// expects. A nil map validates as an empty object, not JSON null.
func schemaInstance(input map[string]any) any {
	if input == nil {
		return map[string]any{}
	}
	return input
}
