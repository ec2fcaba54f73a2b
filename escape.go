package sea

import (
	"strconv"
	"strings"
)

const escapeChar = '\\'

// escapedLen returns the number of bytes c occupies once escaped.
func escapedLen(c byte) int {
	switch c {
	case escapeChar, '\n', '\r', 0:
		return 2
	default:
		return 1
	}
}

// escapeTo writes p to b so that the result contains no line terminators
// and no NUL bytes.
func escapeTo(b *strings.Builder, p []byte) {
	for _, c := range p {
		switch c {
		case escapeChar:
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteByte(c)
		}
	}
}

// Escape returns the wire representation of p.
func Escape(p []byte) string {
	var b strings.Builder
	b.Grow(len(p))
	escapeTo(&b, p)
	return b.String()
}

// unescape reverses escapeTo.
func unescape(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != escapeChar {
			out = append(out, c)
			continue
		}

		i++
		if i == len(s) {
			return nil, &DecodeError{Kind: MalformedEscape, Value: strconv.Itoa(i - 1)}
		}
		switch s[i] {
		case escapeChar:
			out = append(out, escapeChar)
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case '0':
			out = append(out, 0)
		default:
			return nil, &DecodeError{Kind: MalformedEscape, Value: strconv.Itoa(i - 1)}
		}
	}
	return out, nil
}
