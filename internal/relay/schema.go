package relay

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lvonguyen/gti-relay/internal/gti"
)

const observablesSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["type", "value"],
		"properties": {
			"type": {"type": "string", "minLength": 1},
			"value": {"type": "string", "minLength": 1}
		}
	}
}`

// observableValidator checks request bodies against the observables schema.
type observableValidator struct {
	schema *gojsonschema.Schema
}

func newObservableValidator() (*observableValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(observablesSchema))
	if err != nil {
		return nil, fmt.Errorf("compiling observables schema: %w", err)
	}
	return &observableValidator{schema: schema}, nil
}

// Parse validates body and decodes the observables.
func (v *observableValidator) Parse(body []byte) ([]gti.Observable, *Error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, invalidPayload(map[string][]string{"_schema": {"Invalid input type."}})
	}
	if !result.Valid() {
		details := make(map[string][]string)
		for _, re := range result.Errors() {
			details[re.Field()] = append(details[re.Field()], re.Description())
		}
		return nil, invalidPayload(details)
	}

	var observables []gti.Observable
	if err := json.Unmarshal(body, &observables); err != nil {
		return nil, invalidPayload(map[string][]string{"_schema": {err.Error()}})
	}
	return observables, nil
}

func invalidPayload(details map[string][]string) *Error {
	raw, _ := json.Marshal(details)
	return fatal(CodeInvalidPayload, fmt.Sprintf("Invalid JSON payload received. %s.", raw))
}
