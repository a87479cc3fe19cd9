package envelope

import (
	"errors"
	"fmt"
)

// Type classifies an envelope.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeError    Type = "error"
	TypeAck      Type = "ack"
)

// DefaultPriority is assigned when a submitter does not set one.
// Lower values are higher priority.
const DefaultPriority = 10

var (
	// ErrMalformedEnvelope is returned when decoding fails or required
	// fields are absent after decoding.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrPayloadTooLarge is returned at submit time when the encoded
	// envelope exceeds MaxEncodedSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// MaxEncodedSize is the hard ceiling on an encoded envelope. Larger
// transfers are rejected and belong on the HTTP API instead.
const MaxEncodedSize = 10 * 1024

// Envelope is the application-visible message unit carried by the bridge.
//
// IDs are client-generated and globally unique; retries MUST reuse the same
// ID or gateway deduplication breaks. Use NewID from the client builder.
type Envelope struct {
	ID            string         // unique per logical request
	Type          Type           // request | response | error | ack
	Command       string         // snake_case operation, required for requests
	Priority      int            // lower = higher priority
	CorrelationID string         // id of the triggering request
	Data          any            // JSON-compatible payload body
	Meta          map[string]any // extension map
}

// Validate checks the structural invariants before an envelope is accepted
// for transmission.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	}
	switch e.Type {
	case TypeRequest:
		if e.Command == "" {
			return fmt.Errorf("%w: request without command", ErrMalformedEnvelope)
		}
	case TypeResponse, TypeError, TypeAck:
		if e.CorrelationID == "" {
			return fmt.Errorf("%w: %s without correlation_id", ErrMalformedEnvelope, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, e.Type)
	}
	return nil
}

// NewRequest builds a request envelope with a fresh unique id and the
// default priority.
func NewRequest(command string, data any) *Envelope {
	return &Envelope{
		ID:       NewID(),
		Type:     TypeRequest,
		Command:  command,
		Priority: DefaultPriority,
		Data:     data,
	}
}

// NewResponse builds a response correlated to the given request.
func NewResponse(req *Envelope, data any) *Envelope {
	return &Envelope{
		ID:            NewID(),
		Type:          TypeResponse,
		Priority:      req.Priority,
		CorrelationID: req.ID,
		Data:          data,
	}
}

// NewError builds an error envelope correlated to the given request.
func NewError(req *Envelope, message string) *Envelope {
	return &Envelope{
		ID:            NewID(),
		Type:          TypeError,
		Priority:      req.Priority,
		CorrelationID: req.ID,
		Data:          map[string]any{"error": message},
	}
}

// NewAck builds the end-to-end acknowledgement for a delivered envelope.
// Acks carry only the correlation id and are never themselves acked.
func NewAck(correlationID string) *Envelope {
	return &Envelope{
		ID:            NewID(),
		Type:          TypeAck,
		Priority:      0, // highest priority; acks bypass the outbox and are sent at once
		CorrelationID: correlationID,
	}
}
