package sea

import (
	"crypto/rand"
	"encoding/base32"
	"strconv"

	"github.com/pkg/errors"
)

const (
	// DefaultTransportLimit leaves room for the IRC command, target and CRLF
	// inside a 512 byte line.
	DefaultTransportLimit = 400
	// DefaultIDLength is the length of generated transfer ids.
	DefaultIDLength = 8
)

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Splitter turns a payload into the frames needed to carry it under a
// transport line limit. The zero value is not usable; Limit must be set.
type Splitter struct {
	// Limit is the transport line limit. Every produced frame encodes to a
	// line strictly shorter than Limit.
	Limit int
	// IDLength is the length of generated transfer ids. Zero means
	// DefaultIDLength.
	IDLength int
	// NewID overrides transfer id generation.
	NewID func() string
}

// NewSplitter returns a Splitter for the given transport limit.
func NewSplitter(limit int) *Splitter {
	return &Splitter{Limit: limit, IDLength: DefaultIDLength}
}

// Split returns the ordered frames carrying payload from sender to receiver.
// A payload that fits in one line yields a single Single message; otherwise
// an Announcement followed by its Parts. Parts alias payload.
func (s *Splitter) Split(sender, receiver, action string, payload []byte) ([]ProtocolMessage, error) {
	single := NewSingle(sender, receiver, action, payload)
	line, err := Encode(single)
	if err != nil {
		return nil, err
	}
	if len(line) < s.Limit {
		return []ProtocolMessage{single}, nil
	}

	id, err := s.transferID()
	if err != nil {
		return nil, err
	}

	var chunks [][]byte
	width := 1
	for {
		capacity, err := PartCapacity(sender, receiver, id, width, s.Limit)
		if err != nil {
			return nil, err
		}

		var ok bool
		chunks, ok = chunk(payload, capacity)
		if !ok {
			return nil, &ChunkingConfigError{Kind: CapacityNonPositive, Limit: s.Limit, Overhead: s.Limit - 1 - capacity}
		}

		need := len(strconv.Itoa(len(chunks) - 1))
		if need <= width {
			break
		}
		width = need
	}

	announcement := ProtocolMessage{
		Sender:   sender,
		Receiver: receiver,
		Body:     Announcement{Action: action, TransferID: id, PartCount: uint32(len(chunks))},
	}
	line, err = Encode(announcement)
	if err != nil {
		return nil, err
	}
	if len(line) >= s.Limit {
		return nil, &ChunkingConfigError{Kind: CapacityNonPositive, Limit: s.Limit, Overhead: len(line)}
	}

	frames := make([]ProtocolMessage, 0, len(chunks)+1)
	frames = append(frames, announcement)
	for i, c := range chunks {
		frames = append(frames, ProtocolMessage{
			Sender:   sender,
			Receiver: receiver,
			Body:     Part{TransferID: id, Index: uint32(i), Width: width, Payload: c},
		})
	}
	return frames, nil
}

// PartCapacity returns how many escaped payload bytes fit in one part whose
// index is padded to width digits, given the transport limit.
func PartCapacity(sender, receiver, transferID string, width, limit int) (int, error) {
	empty := ProtocolMessage{
		Sender:   sender,
		Receiver: receiver,
		Body:     Part{TransferID: transferID, Width: width},
	}
	line, err := Encode(empty)
	if err != nil {
		return 0, err
	}

	capacity := limit - 1 - len(line)
	if capacity <= 0 {
		return 0, &ChunkingConfigError{Kind: CapacityNonPositive, Limit: limit, Overhead: len(line)}
	}
	return capacity, nil
}

// chunk cuts payload left to right into pieces whose escaped size is at most
// capacity. It fails when a single escaped byte does not fit.
func chunk(payload []byte, capacity int) ([][]byte, bool) {
	if len(payload) == 0 {
		return [][]byte{{}}, true
	}

	var chunks [][]byte
	for start := 0; start < len(payload); {
		end, size := start, 0
		for end < len(payload) && size+escapedLen(payload[end]) <= capacity {
			size += escapedLen(payload[end])
			end++
		}
		if end == start {
			return nil, false
		}
		chunks = append(chunks, payload[start:end])
		start = end
	}
	return chunks, true
}

func (s *Splitter) transferID() (string, error) {
	if s.NewID != nil {
		id := s.NewID()
		if !ValidToken(id) {
			return "", errors.Wrapf(ErrInvalidToken, "transfer id %q", id)
		}
		return id, nil
	}
	return NewTransferID(s.IDLength)
}

// NewTransferID returns a random base32 transfer id of n characters.
func NewTransferID(n int) (string, error) {
	if n <= 0 {
		n = DefaultIDLength
	}
	buf := make([]byte, (n*5+7)/8)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "sea: generate transfer id")
	}
	return idEncoding.EncodeToString(buf)[:n], nil
}
