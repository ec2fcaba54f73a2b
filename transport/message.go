package transport

import "io"

// Message is one inbound or outbound unit on a Conn. For IRC it is a single
// protocol line.
type Message interface {
	// Length is the encoded size in bytes, terminator included.
	Length() int
	// Body is the encoded line.
	Body() []byte
}

// Codec frames Messages on the wire.
//
// Decode is handed a reader that also implements io.ByteReader, so a
// line codec can stop at the terminator without consuming the next line.
type Codec interface {
	Decode(r io.Reader) (Message, error)
	Encode(Message) ([]byte, error)
}
