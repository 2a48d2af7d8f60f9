// Package schema validates session payloads against the embedded JSON
// Schema before they are persisted.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PayloadURL is the resource id the payload schema is compiled under.
const PayloadURL = "session-payload-v1.schema.json"

//go:embed payload.schema.json
var payloadSchema []byte

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("schema: payload invalid")

// Validator checks values against a compiled schema.
type Validator struct {
	schema *jsonschema.Schema
}

// PayloadSchema returns the raw embedded schema document.
func PayloadSchema() []byte {
	return append([]byte(nil), payloadSchema...)
}

// NewPayloadValidator compiles the embedded payload schema.
func NewPayloadValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(PayloadURL, bytes.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile(PayloadURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks v. v is encoded to JSON first, so any value with json
// tags can be passed directly.
func (v *Validator) Validate(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode instance: %w", err)
	}
	return v.ValidateJSON(data)
}

// ValidateJSON checks a serialized instance.
func (v *Validator) ValidateJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode instance: %w", err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
