// Package node runs a SEA peer: it serves resources from storage to peers
// that request them and fetches resources from other peers.
package node

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/sea"
	"github.com/Zereker/sea/metrics"
	"github.com/Zereker/sea/transport"
)

// DefaultFastReply is the serve time under which a thanks is answered with
// np instead of yw.
const DefaultFastReply = 50 * time.Millisecond

var (
	// ErrSenderMismatch is returned when a frame claims a sender other than
	// the chat nickname it arrived from.
	ErrSenderMismatch = errors.New("frame sender does not match chat source")
	// ErrNoStorage is returned when a request arrives at a node without storage.
	ErrNoStorage = errors.New("node has no storage")
)

// Transport delivers one line to a nickname or channel.
type Transport interface {
	Send(ctx context.Context, target, text string) error
}

// Storage resolves resource names to contents.
type Storage interface {
	Lookup(name string) ([]byte, error)
}

// Config describes a node.
type Config struct {
	// Name is the node's nickname and the header name it answers to.
	Name string
	// Channel, when set, receives every outbound frame instead of the peer.
	Channel string

	Limit         int
	IDLength      int
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Thank replies ty to every received response.
	Thank     bool
	FastReply time.Duration
}

// Option configures a Node.
type Option func(*Node)

// LoggerOption sets the node logger.
func LoggerOption(logger transport.Logger) Option {
	return func(n *Node) {
		n.logger = logger
	}
}

// MetricsOption sets the metrics collector.
func MetricsOption(c *metrics.Collector) Option {
	return func(n *Node) {
		n.metrics = c
	}
}

// TransferIDOption overrides transfer id generation.
func TransferIDOption(newID func() string) Option {
	return func(n *Node) {
		n.splitter.NewID = newID
	}
}

type waiter struct {
	ch chan []byte
}

// Node is one SEA peer. HandleLine must be called for every chat line in
// arrival order; Fetch and Thank may be called concurrently with it.
type Node struct {
	cfg       Config
	transport Transport
	storage   Storage
	splitter  *sea.Splitter
	assembler *sea.Assembler
	logger    transport.Logger
	metrics   *metrics.Collector

	mu sync.Mutex
	// waiters holds pending fetches per peer, oldest first.
	waiters map[string][]*waiter
	// served holds how long the last request from each peer took to serve.
	served map[string]time.Duration
}

// New creates a node. storage may be nil for a node that only fetches.
func New(cfg Config, t Transport, storage Storage, opts ...Option) (*Node, error) {
	if !sea.ValidToken(cfg.Name) {
		return nil, errors.Wrapf(sea.ErrInvalidToken, "node name %q", cfg.Name)
	}
	if t == nil {
		return nil, errors.New("node: transport is required")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = sea.DefaultTransportLimit
	}
	if cfg.IDLength <= 0 {
		cfg.IDLength = sea.DefaultIDLength
	}
	if cfg.FastReply <= 0 {
		cfg.FastReply = DefaultFastReply
	}

	n := &Node{
		cfg:       cfg,
		transport: t,
		storage:   storage,
		splitter:  &sea.Splitter{Limit: cfg.Limit, IDLength: cfg.IDLength},
		logger:    transport.DefaultLogger(),
		waiters:   make(map[string][]*waiter),
		served:    make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.assembler = sea.NewAssembler(
		sea.IdleTimeoutOption(cfg.IdleTimeout),
		sea.SweepIntervalOption(cfg.SweepInterval),
		sea.OnAbandonedOption(n.abandoned),
	)
	return n, nil
}

// Name returns the node's name.
func (n *Node) Name() string {
	return n.cfg.Name
}

// Pending returns the number of incomplete inbound transfers.
func (n *Node) Pending() int {
	return n.assembler.Pending()
}

// Close stops transfer expiry, drops incomplete transfers and fails
// pending fetches.
func (n *Node) Close() {
	n.assembler.Close()
	n.metrics.SetInFlight(0)

	n.mu.Lock()
	defer n.mu.Unlock()
	for peer, ws := range n.waiters {
		for _, w := range ws {
			close(w.ch)
		}
		delete(n.waiters, peer)
	}
}

// HandleLine processes one chat line received from the nickname from.
// Lines that are not SEA frames, or are addressed to another node, are
// ignored. Errors describe frames that were dropped.
func (n *Node) HandleLine(ctx context.Context, from, line string) error {
	if !strings.HasPrefix(line, sea.PreludePrefix) {
		return nil
	}

	m, err := sea.Decode(line)
	if err != nil {
		var de *sea.DecodeError
		if errors.As(err, &de) {
			n.metrics.DecodeError(de.Kind.String())
		}
		n.logger.Debug("dropping undecodable frame", "from", from, "error", err)
		return err
	}
	n.metrics.Frame(metrics.Inbound, m.Kind())

	if m.Receiver != n.cfg.Name {
		return nil
	}
	if from != "" && from != m.Sender {
		n.logger.Warn("dropping frame with forged sender", "from", from, "sender", m.Sender)
		return errors.Wrapf(ErrSenderMismatch, "from %s claims %s", from, m.Sender)
	}

	d, err := n.assembler.Accept(m)
	n.metrics.SetInFlight(n.assembler.Pending())
	if err != nil {
		n.logger.Debug("dropping frame", "from", from, "kind", m.Kind(), "error", err)
		return err
	}
	if d == nil {
		return nil
	}
	if d.TransferID != "" {
		n.metrics.TransferCompleted()
		n.logger.Debug("transfer complete", "sender", d.Sender, "transfer", d.TransferID, "bytes", len(d.Payload))
	}

	return n.dispatch(ctx, d)
}

func (n *Node) dispatch(ctx context.Context, d *sea.Delivery) error {
	switch d.Action {
	case sea.ActionRequest:
		return n.serve(ctx, d.Sender, string(d.Payload))

	case sea.ActionResponse:
		if !n.resolve(d.Sender, d.Payload) {
			n.logger.Info("unsolicited response", "peer", d.Sender, "bytes", len(d.Payload))
		}
		if n.cfg.Thank {
			return n.Thank(ctx, d.Sender)
		}
		return nil

	case sea.ActionThanks:
		n.mu.Lock()
		took, ok := n.served[d.Sender]
		n.mu.Unlock()

		action := sea.ActionWelcome
		if ok && took < n.cfg.FastReply {
			action = sea.ActionNoProblem
		}
		return n.sendBare(ctx, d.Sender, action)

	case sea.ActionWelcome, sea.ActionNoProblem:
		n.logger.Info("peer acknowledged thanks", "peer", d.Sender, "action", d.Action)
		return nil

	default:
		n.logger.Debug("ignoring unknown action", "peer", d.Sender, "action", d.Action)
		return nil
	}
}

// serve answers a request for resource. Missing resources get no reply.
func (n *Node) serve(ctx context.Context, peer, resource string) error {
	start := time.Now()

	if n.storage == nil {
		n.metrics.Served("error", time.Since(start))
		n.logger.Warn("request received without storage", "peer", peer, "resource", resource)
		return ErrNoStorage
	}

	data, err := n.storage.Lookup(resource)
	if err != nil {
		n.metrics.Served("missing", time.Since(start))
		n.logger.Info("resource unavailable", "peer", peer, "resource", resource, "error", err)
		return nil
	}

	if err := n.send(ctx, peer, sea.ActionResponse, data); err != nil {
		n.metrics.Served("error", time.Since(start))
		return errors.Wrapf(err, "serve %s to %s", resource, peer)
	}

	took := time.Since(start)
	n.mu.Lock()
	n.served[peer] = took
	n.mu.Unlock()

	n.metrics.Served("found", took)
	n.logger.Info("resource served", "peer", peer, "resource", resource, "bytes", len(data), "took", took)
	return nil
}

// Fetch requests resource from peer and waits for the response. Responses
// carry no resource name, so concurrent fetches from one peer are matched
// in request order. A peer that lacks the resource never answers; bound the
// wait with ctx.
func (n *Node) Fetch(ctx context.Context, peer, resource string) ([]byte, error) {
	start := time.Now()
	w := &waiter{ch: make(chan []byte, 1)}

	n.mu.Lock()
	n.waiters[peer] = append(n.waiters[peer], w)
	n.mu.Unlock()

	if err := n.send(ctx, peer, sea.ActionRequest, []byte(resource)); err != nil {
		n.cancel(peer, w)
		return nil, errors.Wrapf(err, "request %s from %s", resource, peer)
	}

	select {
	case data, ok := <-w.ch:
		if !ok {
			return nil, errors.New("node closed")
		}
		n.metrics.Fetched(time.Since(start))
		return data, nil
	case <-ctx.Done():
		n.cancel(peer, w)
		return nil, ctx.Err()
	}
}

// Thank sends ty to peer.
func (n *Node) Thank(ctx context.Context, peer string) error {
	return n.sendBare(ctx, peer, sea.ActionThanks)
}

// resolve hands payload to the oldest fetch waiting on peer.
func (n *Node) resolve(peer string, payload []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	ws := n.waiters[peer]
	if len(ws) == 0 {
		return false
	}
	w := ws[0]
	if len(ws) == 1 {
		delete(n.waiters, peer)
	} else {
		n.waiters[peer] = ws[1:]
	}
	w.ch <- payload
	return true
}

func (n *Node) cancel(peer string, w *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ws := n.waiters[peer]
	for i, x := range ws {
		if x != w {
			continue
		}
		ws = append(ws[:i:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(n.waiters, peer)
		} else {
			n.waiters[peer] = ws
		}
		return
	}
}

func (n *Node) send(ctx context.Context, peer, action string, payload []byte) error {
	frames, err := n.splitter.Split(n.cfg.Name, peer, action, payload)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := n.write(ctx, peer, f); err != nil {
			return err
		}
	}
	if len(frames) > 1 {
		n.logger.Debug("sent parted payload", "peer", peer, "action", action, "frames", len(frames), "bytes", len(payload))
	}
	return nil
}

func (n *Node) sendBare(ctx context.Context, peer, action string) error {
	return n.write(ctx, peer, sea.NewBare(n.cfg.Name, peer, action))
}

func (n *Node) write(ctx context.Context, peer string, m sea.ProtocolMessage) error {
	line, err := sea.Encode(m)
	if err != nil {
		return err
	}
	target := peer
	if n.cfg.Channel != "" {
		target = n.cfg.Channel
	}
	if err := n.transport.Send(ctx, target, line); err != nil {
		return err
	}
	n.metrics.Frame(metrics.Outbound, m.Kind())
	return nil
}

func (n *Node) abandoned(a sea.Abandoned) {
	n.metrics.TransferAbandoned(a.Reason)
	n.logger.Warn("transfer abandoned",
		"sender", a.Key.Sender,
		"transfer", a.Key.TransferID,
		"action", a.Action,
		"received", a.Received,
		"expected", a.Expected,
		"age", a.Age,
		"reason", a.Reason)
}
