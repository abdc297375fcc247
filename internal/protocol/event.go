package protocol

import (
	"encoding/json"

	"github.com/srg/bleproxy/internal/device"
)

// EventType is the discriminator of a server frame.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventNotification EventType = "notification"
	EventDiscovered   EventType = "discovered"
	EventStatus       EventType = "status"
	EventError        EventType = "error"
)

// Event is one of Connected, Disconnected, Notification, Discovered, Status or ErrorEvent.
type Event interface {
	Type() EventType
	isEvent()
}

type Connected struct {
	DeviceName    string   `json:"device_name"`
	DeviceAddress string   `json:"device_address"`
	Services      []string `json:"services"`
}

type Disconnected struct {
	Reason *string `json:"reason,omitempty"`
}

// Notification carries one device push. Data is base64-encoded on the wire.
type Notification struct {
	CharacteristicUUID string `json:"characteristic_uuid"`
	Data               []byte `json:"data"`
}

type Discovered struct {
	Devices []device.DeviceSummary `json:"devices"`
}

type Status struct {
	Connected  bool    `json:"connected"`
	DeviceName *string `json:"device_name,omitempty"`
	Message    string  `json:"message"`
}

type ErrorEvent struct {
	Message string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func (Connected) Type() EventType    { return EventConnected }
func (Disconnected) Type() EventType { return EventDisconnected }
func (Notification) Type() EventType { return EventNotification }
func (Discovered) Type() EventType   { return EventDiscovered }
func (Status) Type() EventType       { return EventStatus }
func (ErrorEvent) Type() EventType   { return EventError }

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Notification) isEvent() {}
func (Discovered) isEvent()   {}
func (Status) isEvent()       {}
func (ErrorEvent) isEvent()   {}

func (e Connected) MarshalJSON() ([]byte, error) {
	type alias Connected
	if e.Services == nil {
		e.Services = []string{}
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Disconnected) MarshalJSON() ([]byte, error) {
	type alias Disconnected
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Notification) MarshalJSON() ([]byte, error) {
	type alias Notification
	if e.Data == nil {
		e.Data = []byte{}
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Discovered) MarshalJSON() ([]byte, error) {
	type alias Discovered
	if e.Devices == nil {
		e.Devices = []device.DeviceSummary{}
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Status) MarshalJSON() ([]byte, error) {
	type alias Status
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type alias ErrorEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// encodeFailure is sent when an event cannot be marshalled.
var encodeFailure = []byte(`{"type":"error","error":"failed to encode event"}`)

// Encode renders an event as a frame. It never fails: an event that cannot be
// marshalled is replaced by a fixed error frame.
func Encode(ev Event) []byte {
	if ev == nil {
		return encodeFailure
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return encodeFailure
	}
	return frame
}

// StringPtr is a helper for optional event fields.
func StringPtr(s string) *string {
	return &s
}
