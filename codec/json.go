package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/shogotsuneto/go-async-command"
)

// ErrNoContent is returned for records with an empty body.
var ErrNoContent = errors.New("no content provided")

// ValidationError reports a payload that does not conform to its schema.
type ValidationError struct {
	SchemaURL string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload does not match schema %s: %v", e.SchemaURL, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// JSON decodes bodies as JSON. Numbers are kept as json.Number.
var JSON asynccmd.Decoder = asynccmd.DecoderFunc(func(rec asynccmd.Record) (asynccmd.Payload, error) {
	if len(rec.Body) == 0 {
		return asynccmd.Payload{}, ErrNoContent
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(rec.Body))
	if err != nil {
		return asynccmd.Payload{}, err
	}
	return asynccmd.Payload{Body: rec.Body, Value: v}, nil
})

// SchemaDecoder decodes JSON bodies and validates them against a JSON schema.
type SchemaDecoder struct {
	url    string
	schema *jsonschema.Schema
}

// NewSchemaDecoder compiles the schema read from r. Remote references are not resolved.
func NewSchemaDecoder(name string, r io.Reader) (*SchemaDecoder, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.UseLoader(&nopLoader{})

	doc, err := jsonschema.UnmarshalJSON(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}

	url := fmt.Sprintf("https://local-server/status-schemas/%s.json", name)
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add schema %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return &SchemaDecoder{url: url, schema: schema}, nil
}

// Decode parses the body and validates it.
func (d *SchemaDecoder) Decode(rec asynccmd.Record) (asynccmd.Payload, error) {
	payload, err := JSON.Decode(rec)
	if err != nil {
		return asynccmd.Payload{}, err
	}
	if err := d.schema.Validate(payload.Value); err != nil {
		return asynccmd.Payload{}, &ValidationError{SchemaURL: d.url, Err: err}
	}
	return payload, nil
}

type nopLoader struct{}

func (l *nopLoader) Load(_ string) (any, error) {
	return nil, errors.New("do not support loading schemas from remote sources")
}
