package transport

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/irc.v4"
)

// errQuit ends a relay session after the peer sent QUIT.
var errQuit = errors.New("client quit")

// Relay is a minimal IRC server. It registers nicknames, tracks channel
// membership and forwards PRIVMSG and NOTICE lines, which is all SEA peers
// need to find each other on a private network or in tests.
type Relay struct {
	name   string
	logger Logger
	opts   []Option

	mu       sync.Mutex
	nicks    map[string]*relaySession
	channels map[string]map[*relaySession]struct{}
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// RelayNameOption sets the server name used as the prefix of numerics.
func RelayNameOption(name string) RelayOption {
	return func(r *Relay) {
		r.name = name
	}
}

// RelayLoggerOption sets the relay logger.
func RelayLoggerOption(logger Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// RelayConnOption passes connection options to every session.
func RelayConnOption(opts ...Option) RelayOption {
	return func(r *Relay) {
		r.opts = append(r.opts, opts...)
	}
}

// NewRelay creates an empty relay. Serve it with Server.Serve.
func NewRelay(opts ...RelayOption) *Relay {
	r := &Relay{
		name:     "sea.relay",
		logger:   DefaultLogger(),
		nicks:    make(map[string]*relaySession),
		channels: make(map[string]map[*relaySession]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type relaySession struct {
	conn       *Conn
	nick       string
	user       string
	registered bool
	channels   map[string]struct{}
}

func (s *relaySession) prefix() *irc.Prefix {
	return Prefix(s.nick, s.user, "relay")
}

// Handle runs one client session until it quits, fails or ctx is done.
func (r *Relay) Handle(ctx context.Context, raw net.Conn) {
	sess := &relaySession{channels: make(map[string]struct{})}

	opts := []Option{
		CustomCodecOption(IRCCodec{}),
		LoggerOption(r.logger),
		OnErrorOption(func(err error) ErrorAction {
			if errors.Is(err, ErrMalformedLine) || errors.Is(err, ErrMessageTooLarge) {
				return Continue
			}
			return Disconnect
		}),
	}
	opts = append(opts, r.opts...)
	opts = append(opts, OnMessageOption(func(msg Message) error {
		line, ok := msg.(Line)
		if !ok {
			return nil
		}
		return r.dispatch(ctx, sess, line.Message)
	}))

	conn, err := NewConn(raw, opts...)
	if err != nil {
		r.logger.Error("relay session setup failed", "error", err)
		_ = raw.Close()
		return
	}
	sess.conn = conn

	err = conn.Run(ctx)
	r.remove(ctx, sess)
	if err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		r.logger.Debug("relay session ended", "nick", sess.nick, "error", err)
	}
}

// Nicks returns the registered nicknames.
func (r *Relay) Nicks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.nicks))
	for _, s := range r.nicks {
		if s.registered {
			out = append(out, s.nick)
		}
	}
	return out
}

func (r *Relay) dispatch(ctx context.Context, sess *relaySession, m *irc.Message) error {
	switch m.Command {
	case cmdPass:
		return nil
	case cmdNick:
		return r.handleNick(ctx, sess, m)
	case cmdUser:
		return r.handleUser(ctx, sess, m)
	case cmdPing:
		return r.reply(ctx, sess, NewLine(r.serverPrefix(), cmdPong, r.name, param(m, 0)))
	case cmdPong:
		return nil
	case cmdQuit:
		return errQuit
	}

	if !sess.registered {
		return r.numeric(ctx, sess, errNotRegistered, "You have not registered")
	}

	switch m.Command {
	case cmdJoin:
		return r.handleJoin(ctx, sess, m)
	case cmdPart:
		return r.handlePart(ctx, sess, m)
	case cmdPrivmsg, cmdNotice:
		return r.handleMessage(ctx, sess, m)
	default:
		return r.numeric(ctx, sess, errUnknownCommand, m.Command, "Unknown command")
	}
}

func (r *Relay) handleNick(ctx context.Context, sess *relaySession, m *irc.Message) error {
	nick := param(m, 0)
	if nick == "" {
		return r.numeric(ctx, sess, errNoNicknameGiven, "No nickname given")
	}
	if len(nick) > MaxNickLength || strings.ContainsAny(nick, "!@#&:,*?") {
		return r.numeric(ctx, sess, errErroneusNick, nick, "Erroneous nickname")
	}

	key := strings.ToLower(nick)
	r.mu.Lock()
	if other, ok := r.nicks[key]; ok && other != sess {
		r.mu.Unlock()
		return r.numeric(ctx, sess, errNicknameInUse, nick, "Nickname is already in use")
	}
	old := sess.nick
	oldPrefix := sess.prefix()
	if old != "" {
		delete(r.nicks, strings.ToLower(old))
	}
	sess.nick = nick
	r.nicks[key] = sess
	r.mu.Unlock()

	if sess.registered {
		return r.reply(ctx, sess, NewLine(oldPrefix, cmdNick, nick))
	}
	return r.maybeWelcome(ctx, sess)
}

func (r *Relay) handleUser(ctx context.Context, sess *relaySession, m *irc.Message) error {
	if len(m.Params) < 4 {
		return r.numeric(ctx, sess, errNeedMoreParams, cmdUser, "Not enough parameters")
	}
	r.mu.Lock()
	sess.user = param(m, 0)
	if len(sess.user) > MaxUserLength {
		sess.user = sess.user[:MaxUserLength]
	}
	r.mu.Unlock()
	return r.maybeWelcome(ctx, sess)
}

func (r *Relay) maybeWelcome(ctx context.Context, sess *relaySession) error {
	r.mu.Lock()
	ready := !sess.registered && sess.nick != "" && sess.user != ""
	if ready {
		sess.registered = true
	}
	r.mu.Unlock()

	if !ready {
		return nil
	}
	r.logger.Info("relay client registered", "nick", sess.nick, "addr", sess.conn.Addr())
	return r.numeric(ctx, sess, rplWelcome, "Welcome to the SEA relay "+sess.nick)
}

func (r *Relay) handleJoin(ctx context.Context, sess *relaySession, m *irc.Message) error {
	names := param(m, 0)
	if names == "" {
		return r.numeric(ctx, sess, errNeedMoreParams, cmdJoin, "Not enough parameters")
	}

	for _, name := range strings.Split(names, ",") {
		if !isChannel(name) {
			continue
		}
		key := strings.ToLower(name)

		r.mu.Lock()
		members, ok := r.channels[key]
		if !ok {
			members = make(map[*relaySession]struct{})
			r.channels[key] = members
		}
		members[sess] = struct{}{}
		sess.channels[key] = struct{}{}
		targets := sessions(members, nil)
		r.mu.Unlock()

		r.fanout(ctx, targets, NewLine(sess.prefix(), cmdJoin, name))
	}
	return nil
}

func (r *Relay) handlePart(ctx context.Context, sess *relaySession, m *irc.Message) error {
	for _, name := range strings.Split(param(m, 0), ",") {
		key := strings.ToLower(name)

		r.mu.Lock()
		members, ok := r.channels[key]
		if !ok {
			r.mu.Unlock()
			continue
		}
		targets := sessions(members, nil)
		r.leave(sess, key)
		r.mu.Unlock()

		r.fanout(ctx, targets, NewLine(sess.prefix(), cmdPart, name))
	}
	return nil
}

func (r *Relay) handleMessage(ctx context.Context, sess *relaySession, m *irc.Message) error {
	target, text := param(m, 0), param(m, 1)
	if target == "" || len(m.Params) < 2 {
		return r.numeric(ctx, sess, errNeedMoreParams, m.Command, "Not enough parameters")
	}

	line := NewLine(sess.prefix(), m.Command, target, text)

	r.mu.Lock()
	if isChannel(target) {
		members := r.channels[strings.ToLower(target)]
		targets := sessions(members, sess)
		r.mu.Unlock()
		r.fanout(ctx, targets, line)
		return nil
	}
	peer, ok := r.nicks[strings.ToLower(target)]
	if ok && !peer.registered {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		if m.Command == cmdNotice {
			return nil
		}
		return r.numeric(ctx, sess, errNoSuchNick, target, "No such nick/channel")
	}
	r.fanout(ctx, []*relaySession{peer}, line)
	return nil
}

// remove drops sess from every table and tells its channels it left.
func (r *Relay) remove(ctx context.Context, sess *relaySession) {
	r.mu.Lock()
	if sess.nick != "" && r.nicks[strings.ToLower(sess.nick)] == sess {
		delete(r.nicks, strings.ToLower(sess.nick))
	}
	seen := make(map[*relaySession]struct{})
	for key := range sess.channels {
		for member := range r.channels[key] {
			if member != sess {
				seen[member] = struct{}{}
			}
		}
		r.leave(sess, key)
	}
	targets := sessions(seen, nil)
	registered := sess.registered
	r.mu.Unlock()

	if registered {
		r.fanout(context.WithoutCancel(ctx), targets, NewLine(sess.prefix(), cmdQuit, "Client quit"))
	}
}

// leave must be called with r.mu held.
func (r *Relay) leave(sess *relaySession, key string) {
	delete(sess.channels, key)
	if members, ok := r.channels[key]; ok {
		delete(members, sess)
		if len(members) == 0 {
			delete(r.channels, key)
		}
	}
}

func (r *Relay) fanout(ctx context.Context, targets []*relaySession, line Line) {
	for _, t := range targets {
		if err := t.conn.WriteBlocking(ctx, line); err != nil {
			r.logger.Debug("relay delivery failed", "addr", t.conn.Addr(), "error", err)
		}
	}
}

func (r *Relay) reply(ctx context.Context, sess *relaySession, line Line) error {
	err := sess.conn.WriteBlocking(ctx, line)
	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return err
}

func (r *Relay) numeric(ctx context.Context, sess *relaySession, code string, params ...string) error {
	nick := sess.nick
	if nick == "" {
		nick = "*"
	}
	return r.reply(ctx, sess, NewLine(r.serverPrefix(), code, append([]string{nick}, params...)...))
}

func (r *Relay) serverPrefix() *irc.Prefix {
	return &irc.Prefix{Name: r.name}
}

func isChannel(name string) bool {
	return strings.HasPrefix(name, "#") || strings.HasPrefix(name, "&")
}

// sessions must be called with r.mu held.
func sessions(set map[*relaySession]struct{}, except *relaySession) []*relaySession {
	out := make([]*relaySession, 0, len(set))
	for s := range set {
		if s != except {
			out = append(out, s)
		}
	}
	return out
}
