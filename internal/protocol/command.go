package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CommandType is the discriminator of a client frame.
type CommandType string

const (
	CommandConnect     CommandType = "connect"
	CommandDisconnect  CommandType = "disconnect"
	CommandWrite       CommandType = "write"
	CommandSubscribe   CommandType = "subscribe"
	CommandUnsubscribe CommandType = "unsubscribe"
	CommandDiscover    CommandType = "discover"
)

// DefaultDiscoverTimeout is used when a discover frame carries no timeout, in seconds.
const DefaultDiscoverTimeout = 5

// Command is one of Connect, Disconnect, Write, Subscribe, Unsubscribe or Discover.
type Command interface {
	Type() CommandType
	isCommand()
}

// Connect asks for a link to a peripheral. DeviceAddress takes precedence;
// without it ServiceUUID drives a discovery-then-connect.
type Connect struct {
	ServiceUUID   string
	DeviceAddress string
	Adapter       string
}

type Disconnect struct{}

// Write sends Data to a characteristic. Data is already base64-decoded.
type Write struct {
	CharacteristicUUID string
	Data               []byte
	WithResponse       bool
}

type Subscribe struct {
	CharacteristicUUID string
}

type Unsubscribe struct {
	CharacteristicUUID string
}

// Discover scans for TimeoutSeconds, optionally filtered by ServiceUUID.
type Discover struct {
	ServiceUUID    string
	TimeoutSeconds int
	Adapter        string
}

func (Connect) Type() CommandType     { return CommandConnect }
func (Disconnect) Type() CommandType  { return CommandDisconnect }
func (Write) Type() CommandType       { return CommandWrite }
func (Subscribe) Type() CommandType   { return CommandSubscribe }
func (Unsubscribe) Type() CommandType { return CommandUnsubscribe }
func (Discover) Type() CommandType    { return CommandDiscover }

func (Connect) isCommand()     {}
func (Disconnect) isCommand()  {}
func (Write) isCommand()       {}
func (Subscribe) isCommand()   {}
func (Unsubscribe) isCommand() {}
func (Discover) isCommand()    {}

// Decoder parses client frames. The zero value uses DefaultDiscoverTimeout.
type Decoder struct {
	// DiscoverTimeout is the timeout, in seconds, of a discover frame that
	// carries none.
	DiscoverTimeout int
}

// Decode parses one client frame with the zero Decoder.
func Decode(frame []byte) (Command, error) {
	return Decoder{}.Decode(frame)
}

// Decode parses one client frame. It fails with *MalformedFrameError,
// *UnknownCommandTypeError or *SchemaViolationError.
func (d Decoder) Decode(frame []byte) (Command, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return nil, &MalformedFrameError{Err: err}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &MalformedFrameError{Err: fmt.Errorf("expected a JSON object, got %s", jsonKind(doc))}
	}

	rawType, present := obj["type"]
	if !present {
		return nil, &SchemaViolationError{Field: "type", Reason: "field required"}
	}
	typ, ok := rawType.(string)
	if !ok {
		return nil, &SchemaViolationError{Field: "type", Reason: fmt.Sprintf("expected string, but got %s", jsonKind(rawType))}
	}

	cmdType := CommandType(typ)
	if _, known := commandSchemas[cmdType]; !known {
		return nil, &UnknownCommandTypeError{Type: typ}
	}
	if err := validate(cmdType, obj); err != nil {
		return nil, err
	}

	switch cmdType {
	case CommandConnect:
		cmd := Connect{
			ServiceUUID:   stringField(obj, "service_uuid"),
			DeviceAddress: stringField(obj, "device_address"),
			Adapter:       stringField(obj, "adapter"),
		}
		if cmd.ServiceUUID == "" && cmd.DeviceAddress == "" {
			return nil, &SchemaViolationError{Field: "device_address", Reason: "either service_uuid or device_address is required"}
		}
		return cmd, nil
	case CommandDisconnect:
		return Disconnect{}, nil
	case CommandWrite:
		data, err := decodeBase64(stringField(obj, "data"))
		if err != nil {
			return nil, &SchemaViolationError{Field: "data", Reason: "invalid base64 data"}
		}
		return Write{
			CharacteristicUUID: stringField(obj, "characteristic_uuid"),
			Data:               data,
			WithResponse:       boolField(obj, "with_response"),
		}, nil
	case CommandSubscribe:
		return Subscribe{CharacteristicUUID: stringField(obj, "characteristic_uuid")}, nil
	case CommandUnsubscribe:
		return Unsubscribe{CharacteristicUUID: stringField(obj, "characteristic_uuid")}, nil
	case CommandDiscover:
		timeout, err := intField(obj, "timeout", d.discoverTimeout())
		if err != nil {
			return nil, &SchemaViolationError{Field: "timeout", Reason: err.Error()}
		}
		return Discover{
			ServiceUUID:    stringField(obj, "service_uuid"),
			TimeoutSeconds: timeout,
			Adapter:        stringField(obj, "adapter"),
		}, nil
	default:
		return nil, &UnknownCommandTypeError{Type: typ}
	}
}

func (d Decoder) discoverTimeout() int {
	if d.DiscoverTimeout > 0 {
		return d.DiscoverTimeout
	}
	return DefaultDiscoverTimeout
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func boolField(obj map[string]any, key string) bool {
	b, _ := obj[key].(bool)
	return b
}

func intField(obj map[string]any, key string, def int) (int, error) {
	n, ok := obj[key].(json.Number)
	if !ok {
		return def, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("expected integer, but got %s", n)
	}
	return int(f), nil
}

// decodeBase64 accepts padded and unpadded standard encoding.
func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
