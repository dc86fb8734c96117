// Package validation provides request validators for stepflow pipelines.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/GoCodeAlone/stepflow"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const schemaURL = "stepflow://request.schema.json"

// SchemaValidator validates requests against a JSON Schema. The request is
// marshalled with encoding/json, so the schema describes its JSON form.
type SchemaValidator[R any] struct {
	schema  *jsonschema.Schema
	printer *message.Printer
	source  string
}

// SchemaOption configures a SchemaValidator.
type SchemaOption func(*schemaOptions)

type schemaOptions struct {
	lang   language.Tag
	source string
}

// WithLanguage selects the language of validation messages.
func WithLanguage(tag language.Tag) SchemaOption {
	return func(o *schemaOptions) { o.lang = tag }
}

// WithSource sets Error.Source on every reported error.
func WithSource(source string) SchemaOption {
	return func(o *schemaOptions) { o.source = source }
}

// NewSchemaValidator compiles schema, a JSON Schema document.
func NewSchemaValidator[R any](schema []byte, opts ...SchemaOption) (*SchemaValidator[R], error) {
	o := schemaOptions{lang: language.English}
	for _, opt := range opts {
		opt(&o)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator[R]{
		schema:  compiled,
		printer: message.NewPrinter(o.lang),
		source:  o.source,
	}, nil
}

// Validate implements stepflow.Validator. Each failing leaf keyword becomes
// one Error whose Property is the dotted instance path.
func (v *SchemaValidator[R]) Validate(_ context.Context, request R) []stepflow.Error {
	data, err := json.Marshal(request)
	if err != nil {
		return []stepflow.Error{{Source: v.source, Message: fmt.Sprintf("request is not serialisable: %v", err)}}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return []stepflow.Error{{Source: v.source, Message: fmt.Sprintf("request is not valid JSON: %v", err)}}
	}

	err = v.schema.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []stepflow.Error{{Source: v.source, Message: err.Error()}}
	}

	var errs []stepflow.Error
	v.collect(ve, &errs)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Property < errs[j].Property })
	return errs
}

func (v *SchemaValidator[R]) collect(ve *jsonschema.ValidationError, out *[]stepflow.Error) {
	if len(ve.Causes) == 0 {
		*out = append(*out, stepflow.Error{
			Source:   v.source,
			Property: strings.Join(ve.InstanceLocation, "."),
			Message:  ve.ErrorKind.LocalizedString(v.printer),
		})
		return
	}
	for _, cause := range ve.Causes {
		v.collect(cause, out)
	}
}
