package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const optionalString = `{"type": ["string", "null"], "minLength": 1}`

const requiredCharacteristic = `{
	"type": "object",
	"required": ["characteristic_uuid"],
	"properties": {
		"characteristic_uuid": {"type": "string", "minLength": 1}
	}
}`

// commandSchemas holds one JSON Schema per command type. Unknown properties are
// accepted so clients can add tracing fields.
var commandSchemas = map[CommandType]string{
	CommandConnect: `{
		"type": "object",
		"properties": {
			"service_uuid": ` + optionalString + `,
			"device_address": ` + optionalString + `,
			"adapter": ` + optionalString + `
		}
	}`,
	CommandDisconnect: `{"type": "object"}`,
	CommandWrite: `{
		"type": "object",
		"required": ["characteristic_uuid", "data"],
		"properties": {
			"characteristic_uuid": {"type": "string", "minLength": 1},
			"data": {"type": "string"},
			"with_response": {"type": ["boolean", "null"]}
		}
	}`,
	CommandSubscribe:   requiredCharacteristic,
	CommandUnsubscribe: requiredCharacteristic,
	CommandDiscover: `{
		"type": "object",
		"properties": {
			"service_uuid": ` + optionalString + `,
			"timeout": {"type": ["integer", "null"], "minimum": 1, "maximum": 30},
			"adapter": ` + optionalString + `
		}
	}`,
}

var (
	compiledSchemas = mustCompileSchemas()
	printer         = message.NewPrinter(language.English)
)

func mustCompileSchemas() map[CommandType]*jsonschema.Schema {
	compiled := make(map[CommandType]*jsonschema.Schema, len(commandSchemas))
	c := jsonschema.NewCompiler()
	for typ, doc := range commandSchemas {
		schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			panic(fmt.Sprintf("protocol: invalid %s schema: %v", typ, err))
		}
		url := string(typ) + ".json"
		if err := c.AddResource(url, schemaDoc); err != nil {
			panic(fmt.Sprintf("protocol: add %s schema: %v", typ, err))
		}
		s, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("protocol: compile %s schema: %v", typ, err))
		}
		compiled[typ] = s
	}
	return compiled
}

// validate checks a decoded frame against its command schema.
func validate(typ CommandType, frame map[string]any) error {
	s, ok := compiledSchemas[typ]
	if !ok {
		return &UnknownCommandTypeError{Type: string(typ)}
	}
	err := s.Validate(frame)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &SchemaViolationError{Reason: err.Error()}
	}
	return violationFrom(leafCause(ve))
}

// leafCause returns the first innermost validation failure.
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

func violationFrom(ve *jsonschema.ValidationError) *SchemaViolationError {
	if req, ok := ve.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		return &SchemaViolationError{Field: req.Missing[0], Reason: "field required"}
	}
	return &SchemaViolationError{
		Field:  strings.Join(ve.InstanceLocation, "."),
		Reason: ve.ErrorKind.LocalizedString(printer),
	}
}
