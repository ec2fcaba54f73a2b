package sea

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors. Typed errors returned by this package match them with
// errors.Is.
var (
	// ErrEmptyInput is returned when decoding a blank line.
	ErrEmptyInput = errors.New("sea: empty input")
	// ErrUnknownPrelude is returned when field 0 is not a SEA prelude.
	ErrUnknownPrelude = errors.New("sea: unknown prelude")
	// ErrMissingField is returned when a required header field or payload is absent.
	ErrMissingField = errors.New("sea: missing field")
	// ErrMalformedInteger is returned when a numeric header field does not parse.
	ErrMalformedInteger = errors.New("sea: malformed integer")
	// ErrMalformedEscape is returned when a payload contains an invalid escape.
	ErrMalformedEscape = errors.New("sea: malformed escape")

	// ErrInvalidToken is returned when a header field is empty or contains
	// whitespace or the payload marker.
	ErrInvalidToken = errors.New("sea: invalid token")
	// ErrEmptyTransfer is returned when encoding an announcement of zero parts.
	ErrEmptyTransfer = errors.New("sea: announcement of zero parts")
	// ErrUnknownBody is returned for a message whose Body is nil or foreign.
	ErrUnknownBody = errors.New("sea: unknown message body")

	// ErrCapacityNonPositive is returned when the transport limit cannot hold
	// the framing overhead of a part.
	ErrCapacityNonPositive = errors.New("sea: part capacity is not positive")

	// ErrUnknownTransfer is returned for a part with no prior announcement.
	ErrUnknownTransfer = errors.New("sea: unknown transfer")
	// ErrIndexOutOfRange is returned for a part index beyond the announced count.
	ErrIndexOutOfRange = errors.New("sea: part index out of range")
)

// DecodeErrorKind classifies a DecodeError.
type DecodeErrorKind int

const (
	EmptyInput DecodeErrorKind = iota + 1
	UnknownPrelude
	MissingField
	MalformedInteger
	MalformedEscape
)

var decodeSentinels = map[DecodeErrorKind]error{
	EmptyInput:       ErrEmptyInput,
	UnknownPrelude:   ErrUnknownPrelude,
	MissingField:     ErrMissingField,
	MalformedInteger: ErrMalformedInteger,
	MalformedEscape:  ErrMalformedEscape,
}

var decodeKindNames = map[DecodeErrorKind]string{
	EmptyInput:       "empty_input",
	UnknownPrelude:   "unknown_prelude",
	MissingField:     "missing_field",
	MalformedInteger: "malformed_integer",
	MalformedEscape:  "malformed_escape",
}

func (k DecodeErrorKind) String() string {
	if name, ok := decodeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// DecodeError describes why a line could not be decoded. Field is the
// zero-based header field index involved, or the payload position for
// MissingField on a payload.
type DecodeError struct {
	Kind  DecodeErrorKind
	Field int
	Value string
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("%v: field %d", ErrMissingField, e.Field)
	case MalformedInteger:
		return fmt.Sprintf("%v: field %d: %q", ErrMalformedInteger, e.Field, e.Value)
	case UnknownPrelude:
		return fmt.Sprintf("%v: %q", ErrUnknownPrelude, e.Value)
	case MalformedEscape:
		return fmt.Sprintf("%v at offset %s", ErrMalformedEscape, e.Value)
	default:
		return decodeSentinels[e.Kind].Error()
	}
}

// Is matches the sentinel for e.Kind.
func (e *DecodeError) Is(target error) bool {
	return decodeSentinels[e.Kind] == target
}

// ChunkingConfigErrorKind classifies a ChunkingConfigError.
type ChunkingConfigErrorKind int

const (
	CapacityNonPositive ChunkingConfigErrorKind = iota + 1
)

// ChunkingConfigError reports that a transport limit cannot accommodate the
// framing overhead for the given peers. It is a configuration fault.
type ChunkingConfigError struct {
	Kind     ChunkingConfigErrorKind
	Limit    int
	Overhead int
}

func (e *ChunkingConfigError) Error() string {
	return fmt.Sprintf("%v: limit %d, framing overhead %d", ErrCapacityNonPositive, e.Limit, e.Overhead)
}

// Is matches ErrCapacityNonPositive.
func (e *ChunkingConfigError) Is(target error) bool {
	return e.Kind == CapacityNonPositive && target == ErrCapacityNonPositive
}

// ReassemblyErrorKind classifies a ReassemblyError.
type ReassemblyErrorKind int

const (
	UnknownTransfer ReassemblyErrorKind = iota + 1
	IndexOutOfRange
)

// ReassemblyError rejects a single part. It never tears down the transfer
// the part claims to belong to.
type ReassemblyError struct {
	Kind      ReassemblyErrorKind
	Key       TransferKey
	Index     uint32
	PartCount uint32
}

func (e *ReassemblyError) Error() string {
	if e.Kind == IndexOutOfRange {
		return fmt.Sprintf("%v: %s index %d, part count %d", ErrIndexOutOfRange, e.Key, e.Index, e.PartCount)
	}
	return fmt.Sprintf("%v: %s", ErrUnknownTransfer, e.Key)
}

// Is matches ErrUnknownTransfer or ErrIndexOutOfRange.
func (e *ReassemblyError) Is(target error) bool {
	switch e.Kind {
	case UnknownTransfer:
		return target == ErrUnknownTransfer
	case IndexOutOfRange:
		return target == ErrIndexOutOfRange
	default:
		return false
	}
}
