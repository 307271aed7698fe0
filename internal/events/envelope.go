package events

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/hotline/internal/apperrors"
)

// Bus channels. One per event category
const (
	ChannelUser     = "hotline.events.user"
	ChannelResource = "hotline.events.resource"
)

type EventType string

const (
	EventCreate  EventType = "CREATE"
	EventUpdate  EventType = "UPDATE"
	EventDelete  EventType = "DELETE"
	EventDeleted EventType = "DELETED"
	EventRevoke  EventType = "REVOKE"
)

// Payload tags the router and the clients know about.
// Any other tag is delivered as a domain event untouched.
const (
	DataTypeRevocation = "credential-revocation"
	DataTypeExpiration = "credential-expiration"
)

// Envelope is the unit carried on the bus. Field names are the wire contract
// shared by every process, do not rename them.
type Envelope struct {
	EventType   EventType       `json:"eventType" validate:"required,oneof=CREATE UPDATE DELETE DELETED REVOKE"`
	DataType    string          `json:"dataType" validate:"required"`
	ResourceUID string          `json:"resourceUID"`
	ReceiverUID string          `json:"receiverUID"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Broadcast reports whether the envelope is addressed to every connection
func (e Envelope) Broadcast() bool {
	return e.ReceiverUID == ""
}

// For reports whether a connection of the identity has to receive the envelope
func (e Envelope) For(identity string) bool {
	return e.Broadcast() || e.ReceiverUID == identity
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Encode(e Envelope) ([]byte, error) {
	if err := validate.Struct(e); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrEnvelopeInvalid, err)
	}
	if len(e.Body) > 0 && !json.Valid(e.Body) {
		return nil, fmt.Errorf("%w: body is not valid json", apperrors.ErrEnvelopeInvalid)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("error while encoding envelope. Err: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&e); err != nil {
		return e, fmt.Errorf("%w: %w", apperrors.ErrEnvelopeInvalid, err)
	}
	if err := validate.Struct(e); err != nil {
		return e, fmt.Errorf("%w: %w", apperrors.ErrEnvelopeInvalid, err)
	}

	// Keep "null" and absent bodies equal
	if bytes.Equal(e.Body, []byte("null")) {
		e.Body = nil
	}
	return e, nil
}

// NewEnvelope builds an envelope with body marshaled to JSON
func NewEnvelope(eventType EventType, dataType string, resourceUID string, receiverUID string, body any) (Envelope, error) {
	e := Envelope{
		EventType:   eventType,
		DataType:    dataType,
		ResourceUID: resourceUID,
		ReceiverUID: receiverUID,
	}

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return e, fmt.Errorf("error while encoding envelope body. Err: %w", err)
		}
		e.Body = raw
	}

	return e, nil
}
