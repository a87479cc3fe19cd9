package frame

import (
	"fmt"
	"strings"
)

// Control strings travel in the body of a chunk with the ACK flag set.
// The header still carries the message-id prefix; the body repeats the
// message id for logging: bitmap_req carries the full envelope id, while
// all_received carries the prefix, the only id the receiver holds.
const (
	// ControlAllReceived confirms full chunk-layer reassembly.
	ControlAllReceived = "all_received"

	// ControlBitmapReq asks the receiver for its missing-chunk bitmap.
	ControlBitmapReq = "bitmap_req"
)

// FormatControl builds a control string body.
func FormatControl(verb, messageID string) []byte {
	return []byte(verb + "|" + messageID)
}

// ParseControl splits a control body into verb and message id.
func ParseControl(body []byte) (verb, messageID string, err error) {
	s := string(body)
	idx := strings.IndexByte(s, '|')
	if idx < 0 {
		return "", "", fmt.Errorf("%w: control body %q", ErrInvalidFrame, s)
	}
	verb, messageID = s[:idx], s[idx+1:]
	switch verb {
	case ControlAllReceived, ControlBitmapReq:
		return verb, messageID, nil
	default:
		return "", "", fmt.Errorf("%w: unknown control verb %q", ErrInvalidFrame, verb)
	}
}

// ControlHeader builds the header for a control chunk addressed to the
// given message. Control chunks are single frames, so sequence and total
// are pinned to 1.
func ControlHeader(flags byte, msgID Prefix) Header {
	return Header{Flags: flags, MsgID: msgID, Sequence: 1, Total: 1}
}
