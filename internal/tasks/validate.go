package tasks

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/functionsdo/gateway/internal/apierror"
	"github.com/functionsdo/gateway/internal/fn"
)

// validateResponse checks a human response against the task's UI form.
// Forms with a JSON schema validate against it; otherwise every required
// field must be present and non-empty.
func validateResponse(ui *fn.UIForm, response map[string]any) error {
	if ui == nil {
		return nil
	}

	if len(ui.Schema) > 0 {
		schema, err := compileFormSchema(ui.Schema)
		if err != nil {
			return apierror.ErrValidationFailed.WithMessagef("Task form schema is invalid: %v", err)
		}
		if err := schema.Validate(asInstance(response)); err != nil {
			return apierror.ErrValidationFailed.WithMessagef("Response does not match the task form schema: %v", err)
		}
		return nil
	}

	var missing []string
	for _, name := range ui.RequiredFields() {
		v, ok := response[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return apierror.ErrValidationFailed.WithMessagef(
			"Missing required response fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func compileFormSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("form.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("form.json")
}

// asInstance converts the decoded response into the shape the validator
// expects. A nil map validates as an empty object, not JSON null.
func asInstance(response map[string]any) any {
	if response == nil {
		return map[string]any{}
	}
	return response
}
