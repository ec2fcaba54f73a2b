package transport

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/irc.v4"
)

// IRC numerics and commands used by the client and relay.
const (
	cmdNick    = "NICK"
	cmdUser    = "USER"
	cmdPass    = "PASS"
	cmdJoin    = "JOIN"
	cmdPart    = "PART"
	cmdPing    = "PING"
	cmdPong    = "PONG"
	cmdPrivmsg = "PRIVMSG"
	cmdNotice  = "NOTICE"
	cmdQuit    = "QUIT"
	cmdError   = "ERROR"

	rplWelcome         = "001"
	errNoSuchNick      = "401"
	errUnknownCommand  = "421"
	errNoNicknameGiven = "431"
	errErroneusNick    = "432"
	errNicknameInUse   = "433"
	errNotRegistered   = "451"
	errNeedMoreParams  = "461"
)

// MaxLineLength is the IRC line limit, CRLF included.
const MaxLineLength = 512

const (
	// MaxNickLength caps nicknames the relay registers.
	MaxNickLength = 30
	// MaxUserLength caps the user name the relay shows in a source prefix.
	MaxUserLength = 10
	// PrefixAllowance is reserved for the ":nick!user@host " source a server
	// prepends when it delivers a line. The relay's own prefix is at most
	// 4+MaxNickLength+MaxUserLength+len("relay") bytes.
	PrefixAllowance = 64
)

// MaxTextLength returns the longest PRIVMSG text to target that still fits
// in MaxLineLength after the server prepends a source prefix.
func MaxTextLength(target string) int {
	return MaxLineLength - PrefixAllowance - len(cmdPrivmsg+" "+target+" :\r\n")
}

var (
	// ErrLineTooLong is returned when an outbound line exceeds MaxLineLength.
	ErrLineTooLong = errors.New("irc line exceeds 512 bytes")
	// ErrMalformedLine is returned when an inbound line cannot be parsed.
	ErrMalformedLine = errors.New("malformed irc line")
)

// Line is one IRC protocol message.
type Line struct {
	*irc.Message
}

// NewLine builds a Line from a command and its parameters.
func NewLine(prefix *irc.Prefix, command string, params ...string) Line {
	return Line{&irc.Message{Prefix: prefix, Command: command, Params: params}}
}

// Prefix builds a message source of the form nick!user@host.
func Prefix(nick, user, host string) *irc.Prefix {
	return &irc.Prefix{Name: nick, User: user, Host: host}
}

// Length returns the encoded length without the terminator.
func (l Line) Length() int {
	return len(l.String())
}

// Body returns the encoded line without the terminator.
func (l Line) Body() []byte {
	return []byte(l.String())
}

// IRCCodec frames IRC lines terminated by LF or CRLF.
type IRCCodec struct{}

// Decode reads one non-empty line. r must implement io.ByteReader.
func (IRCCodec) Decode(r io.Reader) (Message, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		return nil, errors.New("irc codec: reader does not implement io.ByteReader")
	}

	var b strings.Builder
	for {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && b.Len() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if c != '\n' {
			b.WriteByte(c)
			continue
		}

		line := strings.TrimRight(b.String(), "\r")
		if line == "" {
			b.Reset()
			continue
		}

		msg, err := irc.ParseMessage(line)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedLine, "%q: %v", line, err)
		}
		return Line{msg}, nil
	}
}

// Encode renders msg followed by CRLF.
func (IRCCodec) Encode(msg Message) ([]byte, error) {
	body := msg.Body()
	if len(body)+2 > MaxLineLength {
		return nil, errors.Wrapf(ErrLineTooLong, "%d bytes", len(body)+2)
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, body...)
	return append(out, '\r', '\n'), nil
}

// param returns the i-th parameter or "".
func param(m *irc.Message, i int) string {
	if i < len(m.Params) {
		return m.Params[i]
	}
	return ""
}

// prefixName returns the nickname in m's prefix, if any.
func prefixName(m *irc.Message) string {
	if m.Prefix == nil {
		return ""
	}
	return m.Prefix.Name
}
