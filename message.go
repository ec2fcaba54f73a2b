// Package sea implements the SEA wire protocol: a line-oriented message
// format tunneled over a chat transport, used to request and transfer named
// resources between peers.
//
// The package is pure: it encodes and decodes single protocol lines, splits
// oversized payloads into an announcement followed by ordered parts, and
// reassembles those parts on the receiving side. It performs no I/O.
package sea

import (
	"bytes"
	"strings"
	"unicode"
)

// Actions recognized by convention. The codec does not enforce them.
const (
	// ActionRequest asks the receiver for a resource; payload is its identifier.
	ActionRequest = "req"
	// ActionResponse carries the bytes of a requested resource.
	ActionResponse = "res"
	// ActionThanks thanks the receiver for a response. No payload.
	ActionThanks = "ty"
	// ActionWelcome acknowledges a thanks. No payload.
	ActionWelcome = "yw"
	// ActionNoProblem is the fast-path acknowledgment. No payload.
	ActionNoProblem = "np"
)

// Body is the variant part of a ProtocolMessage. It is implemented by
// exactly three types: Single, Announcement and Part.
type Body interface {
	prelude() string
}

// Single is a complete, unparted message.
type Single struct {
	Action string
	// Payload is only meaningful when HasPayload is true. The payload marker
	// on the wire decides between "no payload" and "empty payload".
	Payload    []byte
	HasPayload bool
}

// Announcement declares that PartCount Part messages sharing TransferID
// will follow and together carry the payload for Action.
type Announcement struct {
	Action     string
	TransferID string
	PartCount  uint32
}

// Part is one chunk of a parted payload. Index is zero-based.
type Part struct {
	TransferID string
	Index      uint32
	// Width is the zero-padded width of Index on the wire. Zero or a value
	// narrower than Index means no padding.
	Width   int
	Payload []byte
}

func (Single) prelude() string       { return PreludeSingle }
func (Announcement) prelude() string { return PreludeAnnouncement }
func (Part) prelude() string         { return PreludePart }

// ProtocolMessage is the unit of wire exchange.
type ProtocolMessage struct {
	Sender   string
	Receiver string
	Body     Body
}

// NewSingle builds a Single message carrying payload.
func NewSingle(sender, receiver, action string, payload []byte) ProtocolMessage {
	if payload == nil {
		payload = []byte{}
	}
	return ProtocolMessage{
		Sender:   sender,
		Receiver: receiver,
		Body:     Single{Action: action, Payload: payload, HasPayload: true},
	}
}

// NewBare builds a Single message without a payload marker, as used by the
// ty, yw and np actions.
func NewBare(sender, receiver, action string) ProtocolMessage {
	return ProtocolMessage{
		Sender:   sender,
		Receiver: receiver,
		Body:     Single{Action: action},
	}
}

// NewRequest builds a resource request for resource.
func NewRequest(sender, receiver, resource string) ProtocolMessage {
	return NewSingle(sender, receiver, ActionRequest, []byte(resource))
}

// Equal reports whether m and o describe the same message. Part widths are
// a framing detail and are not compared.
func (m ProtocolMessage) Equal(o ProtocolMessage) bool {
	if m.Sender != o.Sender || m.Receiver != o.Receiver {
		return false
	}

	switch a := m.Body.(type) {
	case Single:
		b, ok := o.Body.(Single)
		if !ok || a.Action != b.Action || a.HasPayload != b.HasPayload {
			return false
		}
		return !a.HasPayload || bytes.Equal(a.Payload, b.Payload)
	case Announcement:
		b, ok := o.Body.(Announcement)
		return ok && a == b
	case Part:
		b, ok := o.Body.(Part)
		return ok && a.TransferID == b.TransferID && a.Index == b.Index &&
			bytes.Equal(a.Payload, b.Payload)
	default:
		return false
	}
}

// Kind names the variant of the message body, for logs and metrics.
func (m ProtocolMessage) Kind() string {
	switch m.Body.(type) {
	case Single:
		return "single"
	case Announcement:
		return "announcement"
	case Part:
		return "part"
	default:
		return "unknown"
	}
}

// ValidToken reports whether s can be used as a header field: a non-empty
// string without whitespace, NUL or the payload marker.
func ValidToken(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == payloadMarker || r == 0
	}) < 0
}
