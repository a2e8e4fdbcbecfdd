package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Reserved method names understood by every driver.
const (
	MethodCreate     = "__create__"
	MethodInitialize = "initialize"
)

// RootGUID addresses the connection root rather than a remote object.
const RootGUID = ""

// ErrMalformedMessage is returned by Deserialize when the payload is not a
// well-formed protocol message.
var ErrMalformedMessage = errors.New("malformed message")

// Message is one protocol message. A request or event carries Method, a
// response carries ID plus Result or Error.
//
// Mapping values hold the types encoding/json produces when decoding into
// interface values (float64, string, bool, nil, []any, map[string]any).
type Message struct {
	ID       *int           `json:"id,omitempty"`
	GUID     string         `json:"guid,omitempty"`
	Method   string         `json:"method,omitempty"`
	Params   map[string]any `json:"params,omitzero"`
	Result   map[string]any `json:"result,omitzero"`
	Error    *ErrorPayload  `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitzero"`
}

// ErrorPayload is the error envelope of a failed response.
type ErrorPayload struct {
	Error *SerializedError `json:"error,omitempty"`
}

// SerializedError describes an exception raised inside the driver.
type SerializedError struct {
	Message string `json:"message,omitempty"`
	Name    string `json:"name,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IntPtr returns a pointer to id, for building messages inline.
func IntPtr(id int) *int { return &id }

// NewCreate builds the __create__ message instructing the receiver to
// instantiate a remote object of type typ under parent.
func NewCreate(parent, typ, guid string, initializer map[string]any) *Message {
	return &Message{
		GUID:   parent,
		Method: MethodCreate,
		Params: map[string]any{
			"type":        typ,
			"initializer": initializer,
			"guid":        guid,
		},
	}
}

// wireMessage is the on-the-wire shape. GUID is a pointer so that the root
// guid "" is still emitted on requests and events.
type wireMessage struct {
	ID       *int           `json:"id,omitempty"`
	GUID     *string        `json:"guid,omitempty"`
	Method   string         `json:"method,omitempty"`
	Params   map[string]any `json:"params,omitzero"`
	Result   map[string]any `json:"result,omitzero"`
	Error    *ErrorPayload  `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitzero"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:       m.ID,
		Method:   m.Method,
		Params:   m.Params,
		Result:   m.Result,
		Error:    m.Error,
		Metadata: m.Metadata,
	}
	if m.Method != "" || m.GUID != "" {
		guid := m.GUID
		w.GUID = &guid
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message{
		ID:       w.ID,
		Method:   w.Method,
		Params:   w.Params,
		Result:   w.Result,
		Error:    w.Error,
		Metadata: w.Metadata,
	}
	if w.GUID != nil {
		m.GUID = *w.GUID
	}
	return nil
}

// Serialize encodes m to its UTF-8 JSON wire form.
func Serialize(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("serializing message: nil message")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serializing message: %w", err)
	}
	return data, nil
}

// Deserialize decodes one wire payload. Any failure wraps ErrMalformedMessage.
func Deserialize(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedMessage)
	}
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedMessage)
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if m.Method != "" && m.Result != nil {
		return nil, fmt.Errorf("%w: message has both method and result", ErrMalformedMessage)
	}
	return &m, nil
}
