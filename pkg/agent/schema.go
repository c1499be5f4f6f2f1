package agent

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// buildSchema generates the JSON Schema of an operation's input object.
func buildSchema(params []Param) map[string]interface{} {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{}
		if param.Type != "" {
			paramSchema["type"] = param.Type
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return schemaMap
}

func compileSchema(schemaMap map[string]interface{}) (*gojsonschema.Schema, error) {
	schemaLoader := gojsonschema.NewGoLoader(schemaMap)
	return gojsonschema.NewSchema(schemaLoader)
}

// ValidateInput normalizes a request body into the operation's input object
// and validates it against the declared params. A body that is not an
// object is bound to the operation's only param.
func (r *Registry) ValidateInput(agentType, operation string, body interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	def, ok := r.defs[agentType]
	var op *registeredOperation
	if ok {
		op, ok = def.ops[operation]
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: operation %s.%s", ErrNotFound, agentType, operation)
	}

	input, err := normalizeInput(op.Params, body)
	if err != nil {
		return nil, err
	}

	result, err := op.schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(messages, "; "))
	}

	for _, param := range op.Params {
		if _, present := input[param.Name]; !present && param.Default != nil {
			input[param.Name] = param.Default
		}
	}
	return input, nil
}

func normalizeInput(params []Param, body interface{}) (map[string]interface{}, error) {
	switch v := body.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		input := make(map[string]interface{}, len(v))
		for key, value := range v {
			input[key] = value
		}
		return input, nil
	default:
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: expected an object body", ErrInvalidInput)
		}
		return map[string]interface{}{params[0].Name: v}, nil
	}
}
