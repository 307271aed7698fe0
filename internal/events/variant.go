package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nkiryanov/hotline/internal/apperrors"
)

// Revocation types sent to clients
const (
	RevocationLogout   = "logout"
	RevocationAll      = "logout-all"
	RevocationExplicit = "revoked"
)

// Body of credential-revocation envelopes
type RevocationBody struct {
	RevocationType string `json:"revocationType"`
	Reason         string `json:"reason"`
}

// Body of credential-expiration envelopes
type ExpirationBody struct {
	Access  bool      `json:"access"`
	Refresh bool      `json:"refresh"`
	FiredAt time.Time `json:"firedAt"`
}

// Event is what the router dispatches on. The set is closed:
// Revocation or DomainEvent.
type Event interface {
	isEvent()
}

// Revocation tells every process to drop the connection of Identity
type Revocation struct {
	TokenUID string
	Identity string
	Body     RevocationBody
}

// DomainEvent is any other envelope, delivered to connections as is
type DomainEvent struct {
	Envelope Envelope
}

func (Revocation) isEvent()  {}
func (DomainEvent) isEvent() {}

func Classify(e Envelope) (Event, error) {
	if e.DataType != DataTypeRevocation {
		return DomainEvent{Envelope: e}, nil
	}

	if e.ReceiverUID == "" {
		return nil, fmt.Errorf("%w: revocation without receiver", apperrors.ErrEnvelopeInvalid)
	}

	var body RevocationBody
	if len(e.Body) > 0 {
		if err := json.Unmarshal(e.Body, &body); err != nil {
			return nil, fmt.Errorf("%w: revocation body: %w", apperrors.ErrEnvelopeInvalid, err)
		}
	}

	return Revocation{
		TokenUID: e.ResourceUID,
		Identity: e.ReceiverUID,
		Body:     body,
	}, nil
}

// NewRevocation builds the envelope announcing revocation of tokenUID owned by identity
func NewRevocation(tokenUID string, identity string, revocationType string, reason string) (Envelope, error) {
	return NewEnvelope(EventRevoke, DataTypeRevocation, tokenUID, identity, RevocationBody{
		RevocationType: revocationType,
		Reason:         reason,
	})
}
