package validation

import (
	"context"
	"encoding/json"
)

// Validator implements §4.4's three layers: message size (checked by the
// caller at the codec boundary, see internal/rpc), schema validation, and
// recursive sanitization.
type Validator struct {
	schemas *schemaCache
	fs      fsPolicy
	url     urlChecker
}

// New creates a Validator. fs and url are narrow capability interfaces
// (policy.Policy and *firewall.Firewall satisfy them respectively) so test
// doubles can replace either independently, per §9.
func New(fs fsPolicy, url urlChecker) *Validator {
	return &Validator{schemas: newSchemaCache(), fs: fs, url: url}
}

// CheckInput validates arguments against rawSchema (layer b), then
// sanitizes the result (layer c), returning a brand-new, cleaned arguments
// map. The original args map is never mutated. requestID scopes any URL
// firewall checks for DNS-rebinding pinning purposes.
func (v *Validator) CheckInput(ctx context.Context, rawSchema json.RawMessage, args map[string]interface{}, requestID string) (map[string]interface{}, *Error) {
	if err := v.validateSchema(rawSchema, args); err != nil {
		return nil, err
	}

	walker := &sanitizeWalker{ctx: ctx, fs: v.fs, url: v.url, requestID: requestID}
	cleaned, err := walker.sanitize(args)
	if err != nil {
		return nil, err
	}
	return cleaned, nil
}

func (v *Validator) validateSchema(rawSchema json.RawMessage, args map[string]interface{}) *Error {
	if len(rawSchema) == 0 {
		return nil
	}
	schema, err := v.schemas.compile(rawSchema)
	if err != nil {
		return newError("", "schema validation failed", err.Error())
	}

	// jsonschema validates against decoded Go values (map[string]interface{}
	// for objects); args is already in that shape.
	var doc interface{} = args
	if args == nil {
		doc = map[string]interface{}{}
	}
	if err := schema.Validate(doc); err != nil {
		return newError("", "input validation failed", err.Error())
	}
	return nil
}
