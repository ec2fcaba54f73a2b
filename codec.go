package sea

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Preludes identify the body variant. Decoding dispatches on them first.
const (
	PreludeSingle       = `\sea.0`
	PreludeAnnouncement = `\sea.1`
	PreludePart         = `\sea.2`
)

// PreludePrefix is shared by all preludes; transports use it to tell SEA
// lines apart from ordinary chat.
const PreludePrefix = `\sea.`

const payloadMarker = '%'

// header field positions shared by all variants
const (
	fieldPrelude = iota
	fieldReceiver
	fieldSender
	fieldThird
	fieldFourth
	fieldFifth
)

// Encode renders m as a single transport line without a line terminator.
func Encode(m ProtocolMessage) (string, error) {
	if err := checkTokens(m); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(m.Body.prelude())
	b.WriteByte(' ')
	b.WriteString(m.Receiver)
	b.WriteByte(' ')
	b.WriteString(m.Sender)
	b.WriteByte(' ')

	switch body := m.Body.(type) {
	case Single:
		b.WriteString(body.Action)
		if body.HasPayload {
			b.WriteString(" %")
			escapeTo(&b, body.Payload)
		}
	case Announcement:
		b.WriteString(strconv.FormatUint(uint64(body.PartCount), 10))
		b.WriteByte(' ')
		b.WriteString(body.TransferID)
		b.WriteByte(' ')
		b.WriteString(body.Action)
	case Part:
		b.WriteString(padIndex(body.Index, body.Width))
		b.WriteByte(' ')
		b.WriteString(body.TransferID)
		b.WriteString(" %")
		escapeTo(&b, body.Payload)
	default:
		return "", ErrUnknownBody
	}

	return b.String(), nil
}

func checkTokens(m ProtocolMessage) error {
	if !ValidToken(m.Sender) {
		return errors.Wrapf(ErrInvalidToken, "sender %q", m.Sender)
	}
	if !ValidToken(m.Receiver) {
		return errors.Wrapf(ErrInvalidToken, "receiver %q", m.Receiver)
	}

	switch body := m.Body.(type) {
	case Single:
		if !ValidToken(body.Action) {
			return errors.Wrapf(ErrInvalidToken, "action %q", body.Action)
		}
	case Announcement:
		if !ValidToken(body.Action) {
			return errors.Wrapf(ErrInvalidToken, "action %q", body.Action)
		}
		if !ValidToken(body.TransferID) {
			return errors.Wrapf(ErrInvalidToken, "transfer id %q", body.TransferID)
		}
		if body.PartCount == 0 {
			return ErrEmptyTransfer
		}
	case Part:
		if !ValidToken(body.TransferID) {
			return errors.Wrapf(ErrInvalidToken, "transfer id %q", body.TransferID)
		}
	default:
		return ErrUnknownBody
	}
	return nil
}

// padIndex formats index zero-padded to width digits.
func padIndex(index uint32, width int) string {
	s := strconv.FormatUint(uint64(index), 10)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Decode parses one transport line. Trailing CR/LF is not stripped; the
// transport hands over lines without their terminator.
func Decode(line string) (ProtocolMessage, error) {
	header, raw, hasPayload := strings.Cut(line, string(payloadMarker))

	fields := strings.Fields(header)
	if len(fields) == 0 {
		if !hasPayload {
			return ProtocolMessage{}, &DecodeError{Kind: EmptyInput}
		}
		return ProtocolMessage{}, &DecodeError{Kind: UnknownPrelude, Value: line}
	}

	prelude := fields[fieldPrelude]
	switch prelude {
	case PreludeSingle, PreludeAnnouncement, PreludePart:
	default:
		return ProtocolMessage{}, &DecodeError{Kind: UnknownPrelude, Value: prelude}
	}

	var payload []byte
	if hasPayload {
		var err error
		if payload, err = unescape(raw); err != nil {
			return ProtocolMessage{}, err
		}
	}

	receiver, err := field(fields, fieldReceiver)
	if err != nil {
		return ProtocolMessage{}, err
	}
	sender, err := field(fields, fieldSender)
	if err != nil {
		return ProtocolMessage{}, err
	}
	m := ProtocolMessage{Sender: sender, Receiver: receiver}

	switch prelude {
	case PreludeSingle:
		action, err := field(fields, fieldThird)
		if err != nil {
			return ProtocolMessage{}, err
		}
		if !hasPayload && requiresPayload(action) {
			return ProtocolMessage{}, &DecodeError{Kind: MissingField, Field: fieldFourth}
		}
		m.Body = Single{Action: action, Payload: payload, HasPayload: hasPayload}

	case PreludeAnnouncement:
		count, err := uintField(fields, fieldThird)
		if err != nil {
			return ProtocolMessage{}, err
		}
		if count == 0 {
			return ProtocolMessage{}, &DecodeError{Kind: MalformedInteger, Field: fieldThird, Value: fields[fieldThird]}
		}
		id, err := field(fields, fieldFourth)
		if err != nil {
			return ProtocolMessage{}, err
		}
		action, err := field(fields, fieldFifth)
		if err != nil {
			return ProtocolMessage{}, err
		}
		m.Body = Announcement{Action: action, TransferID: id, PartCount: count}

	case PreludePart:
		index, err := uintField(fields, fieldThird)
		if err != nil {
			return ProtocolMessage{}, err
		}
		id, err := field(fields, fieldFourth)
		if err != nil {
			return ProtocolMessage{}, err
		}
		if !hasPayload {
			return ProtocolMessage{}, &DecodeError{Kind: MissingField, Field: fieldFifth}
		}
		m.Body = Part{TransferID: id, Index: index, Width: len(fields[fieldThird]), Payload: payload}
	}

	return m, nil
}

func requiresPayload(action string) bool {
	return action == ActionRequest || action == ActionResponse
}

func field(fields []string, i int) (string, error) {
	if i >= len(fields) {
		return "", &DecodeError{Kind: MissingField, Field: i}
	}
	return fields[i], nil
}

func uintField(fields []string, i int) (uint32, error) {
	s, err := field(fields, i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, &DecodeError{Kind: MalformedInteger, Field: i, Value: s}
	}
	return uint32(v), nil
}
