package envelope

import "github.com/google/uuid"

// NewID returns a globally unique envelope id.
//
// The correlation model depends on ids never colliding across clients:
// the gateway dedupes on id, and the first 8 bytes become the on-air
// message-id prefix. UUIDv4 gives both properties.
func NewID() string {
	return uuid.NewString()
}
