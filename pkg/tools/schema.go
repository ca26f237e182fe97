package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaFor reflects the JSON schema of T. Fields without omitempty are
// required and unknown properties are rejected.
func SchemaFor[T any]() (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var v T
	s := r.Reflect(&v)
	s.Version = ""
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal schema")
	}
	return b, nil
}

type validator struct {
	schema *gojsonschema.Schema
}

func newValidator(schema json.RawMessage) (*validator, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, errors.Wrap(err, "compile schema")
	}
	return &validator{schema: s}, nil
}

// validate returns the list of violations, empty when doc conforms.
func (v *validator) validate(doc []byte) ([]string, error) {
	if v == nil || v.schema == nil {
		return nil, nil
	}
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}
	if res.Valid() {
		return nil, nil
	}
	out := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		out = append(out, e.String())
	}
	return out, nil
}
