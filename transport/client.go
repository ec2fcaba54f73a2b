package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNotReady is returned by Send before the server has welcomed the client.
var ErrNotReady = errors.New("irc client not registered")

// ClientConfig configures an IRC client connection.
type ClientConfig struct {
	Addr     string
	Nick     string
	User     string
	RealName string
	Password string
	// Channel is joined after registration when set.
	Channel string

	TLS         bool
	TLSConfig   *tls.Config
	DialTimeout time.Duration
}

// Handler receives every PRIVMSG addressed to the client or its channel.
// It runs on the read loop; long work belongs on another goroutine.
type Handler func(from, target, text string)

// Client is a registered IRC connection used as a SEA line transport.
type Client struct {
	cfg     ClientConfig
	conn    *Conn
	handler Handler
	logger  Logger

	mu    sync.RWMutex
	nick  string
	ready chan struct{}
	once  sync.Once
}

// Dial connects to cfg.Addr. Run must be called to register and start
// exchanging lines.
func Dial(ctx context.Context, cfg ClientConfig, handler Handler, opts ...Option) (*Client, error) {
	if cfg.Nick == "" {
		return nil, errors.New("irc client: nick is required")
	}
	if len(cfg.Nick) > MaxNickLength {
		return nil, errors.Errorf("irc client: nick %q longer than %d", cfg.Nick, MaxNickLength)
	}
	if cfg.User == "" {
		cfg.User = cfg.Nick
	}
	if cfg.RealName == "" {
		cfg.RealName = cfg.Nick
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var raw net.Conn
	var err error
	if cfg.TLS {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			host, _, _ := net.SplitHostPort(cfg.Addr)
			tlsCfg = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		}
		raw, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", cfg.Addr)
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", cfg.Addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", cfg.Addr)
	}

	c, err := NewClient(raw, cfg, handler, opts...)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(raw net.Conn, cfg ClientConfig, handler Handler, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:     cfg,
		handler: handler,
		nick:    cfg.Nick,
		ready:   make(chan struct{}),
	}

	base := []Option{
		CustomCodecOption(IRCCodec{}),
		OnErrorOption(c.onError),
	}
	opts = append(base, opts...)
	opts = append(opts,
		OnMessageOption(c.onMessage),
		OnConnectOption(c.register),
	)

	conn, err := NewConn(raw, opts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.logger = conn.logger
	return c, nil
}

// Run registers with the server and processes lines until ctx is done or
// the connection fails.
func (c *Client) Run(ctx context.Context) error {
	err := c.conn.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Ready is closed once the server has welcomed the client and the
// configured channel has been joined.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Nick returns the nickname currently held.
func (c *Client) Nick() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nick
}

// Send delivers text to target, a nickname or channel, as a PRIVMSG.
func (c *Client) Send(ctx context.Context, target, text string) error {
	select {
	case <-c.ready:
	default:
		return ErrNotReady
	}
	if strings.ContainsAny(text, "\r\n") {
		return errors.New("irc client: text contains a line terminator")
	}
	if max := MaxTextLength(target); len(text) > max {
		return errors.Wrapf(ErrLineTooLong, "%d bytes of text to %s, at most %d fit", len(text), target, max)
	}
	return c.conn.WriteBlocking(ctx, NewLine(nil, cmdPrivmsg, target, text))
}

// Quit queues QUIT behind every pending line. The server closes the
// connection once it reads it, which ends Run.
func (c *Client) Quit(ctx context.Context, reason string) error {
	return c.conn.WriteBlocking(ctx, NewLine(nil, cmdQuit, reason))
}

// Close sends QUIT and closes the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteTimeout(NewLine(nil, cmdQuit, "bye"), 100*time.Millisecond)
	return c.conn.Close()
}

func (c *Client) register(conn *Conn) error {
	ctx := context.Background()
	if c.cfg.Password != "" {
		if err := conn.WriteBlocking(ctx, NewLine(nil, cmdPass, c.cfg.Password)); err != nil {
			return err
		}
	}
	if err := conn.WriteBlocking(ctx, NewLine(nil, cmdNick, c.cfg.Nick)); err != nil {
		return err
	}
	return conn.WriteBlocking(ctx, NewLine(nil, cmdUser, c.cfg.User, "0", "*", c.cfg.RealName))
}

func (c *Client) onError(err error) ErrorAction {
	if errors.Is(err, ErrMessageTooLarge) || errors.Is(err, ErrMalformedLine) {
		c.logger.Warn("dropping malformed irc line", "error", err)
		return Continue
	}
	return Disconnect
}

func (c *Client) onMessage(msg Message) error {
	line, ok := msg.(Line)
	if !ok {
		return nil
	}
	m := line.Message

	switch m.Command {
	case cmdPing:
		return c.conn.Write(NewLine(nil, cmdPong, m.Params...))

	case rplWelcome:
		c.mu.Lock()
		if nick := param(m, 0); nick != "" {
			c.nick = nick
		}
		c.mu.Unlock()
		if c.cfg.Channel != "" {
			return c.conn.Write(NewLine(nil, cmdJoin, c.cfg.Channel))
		}
		c.markReady()

	case cmdJoin:
		if prefixName(m) == c.Nick() && strings.EqualFold(param(m, 0), c.cfg.Channel) {
			c.markReady()
		}

	case errNicknameInUse:
		c.mu.Lock()
		if len(c.nick) >= MaxNickLength {
			c.nick = c.nick[:MaxNickLength-1]
		}
		c.nick += "_"
		nick := c.nick
		c.mu.Unlock()
		c.logger.Warn("nickname in use, retrying", "nick", nick)
		return c.conn.Write(NewLine(nil, cmdNick, nick))

	case cmdPrivmsg:
		if c.handler != nil && len(m.Params) >= 2 {
			c.handler(prefixName(m), param(m, 0), m.Trailing())
		}

	case cmdError:
		return errors.Errorf("server error: %s", m.Trailing())

	default:
		c.logger.Debug("irc line ignored", "command", m.Command)
	}
	return nil
}

func (c *Client) markReady() {
	c.once.Do(func() { close(c.ready) })
}
