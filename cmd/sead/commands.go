package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/urfave/cli.v1"

	"github.com/Zereker/sea/config"
	"github.com/Zereker/sea/logging"
	"github.com/Zereker/sea/metrics"
	"github.com/Zereker/sea/node"
	"github.com/Zereker/sea/storage"
	"github.com/Zereker/sea/transport"
)

var (
	outFlag = cli.StringFlag{
		Name:  "out, o",
		Usage: "write the resource to this file instead of stdout",
	}
	timeoutFlag = cli.DurationFlag{
		Name:  "timeout",
		Usage: "give up when the peer has not answered within this long",
		Value: 30 * time.Second,
	}
	listenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "relay listen address",
		Value: "127.0.0.1:6667",
	}

	serveCommand = cli.Command{
		Action:    serveAction,
		Name:      "serve",
		Usage:     "Join the network and serve the configured directory",
		ArgsUsage: " ",
		Description: `
Connects to the IRC server, registers under the configured name and answers
every SEA request with the matching file from the served directory.`,
	}
	getCommand = cli.Command{
		Action:    getAction,
		Name:      "get",
		Usage:     "Fetch one resource from a peer",
		ArgsUsage: "<peer> <resource>",
		Flags:     []cli.Flag{outFlag, timeoutFlag},
	}
	relayCommand = cli.Command{
		Action:    relayAction,
		Name:      "relay",
		Usage:     "Run a minimal IRC relay",
		ArgsUsage: " ",
		Flags:     []cli.Flag{listenFlag},
		Description: `
Accepts IRC clients and relays PRIVMSG between nicknames and channels. It is
enough for peers on one host or LAN to exchange SEA frames.`,
	}
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// peer is a node wired to a live IRC client.
type peer struct {
	cfg     config.Config
	node    *node.Node
	client  *transport.Client
	logger  transport.Logger
	metrics *metrics.Collector
	closer  func()
}

// startPeer dials the server and builds a node on top of the connection.
// Lines that arrive before the node exists wait for it; if the node cannot
// be built they are dropped.
func startPeer(ctx context.Context, cfg config.Config, store node.Storage, thank bool) (*peer, error) {
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	p := &peer{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		closer:  func() { _ = logCloser.Close() },
	}

	gate := newLineGate(ctx, logger)
	defer gate.open(nil)

	p.client, err = transport.Dial(ctx, transport.ClientConfig{
		Addr:     cfg.Server,
		Nick:     cfg.Name,
		Password: cfg.Password,
		Channel:  cfg.Channel,
		TLS:      cfg.TLS,
	}, gate.handle, transport.LoggerOption(logger))
	if err != nil {
		p.closer()
		return nil, err
	}

	p.node, err = node.New(node.Config{
		Name:          cfg.Name,
		Channel:       cfg.Channel,
		Limit:         cfg.TransportLimit,
		IDLength:      cfg.TransferIDLength,
		IdleTimeout:   cfg.TransferIdleTimeout,
		SweepInterval: cfg.SweepInterval,
		Thank:         thank,
	}, p.client, store, node.LoggerOption(logger), node.MetricsOption(p.metrics))
	if err != nil {
		_ = p.client.Close()
		p.closer()
		return nil, err
	}
	gate.open(p.node)
	return p, nil
}

// lineGate holds inbound lines until the node that handles them exists.
// Opening it without a node drops every line.
type lineGate struct {
	ctx    context.Context
	logger transport.Logger
	ready  chan struct{}
	once   sync.Once
	node   *node.Node
}

func newLineGate(ctx context.Context, logger transport.Logger) *lineGate {
	return &lineGate{ctx: ctx, logger: logger, ready: make(chan struct{})}
}

func (g *lineGate) open(n *node.Node) {
	g.once.Do(func() {
		g.node = n
		close(g.ready)
	})
}

func (g *lineGate) handle(from, _, text string) {
	<-g.ready
	if g.node == nil {
		return
	}
	if err := g.node.HandleLine(g.ctx, from, text); err != nil {
		g.logger.Debug("line dropped", "from", from, "error", err)
	}
}

func (p *peer) Close() {
	p.node.Close()
	p.closer()
}

// awaitReady blocks until the server welcomed the client or run ended.
func (p *peer) awaitReady(ctx context.Context, run <-chan error) error {
	select {
	case <-p.client.Ready():
	case err := <-run:
		if err == nil {
			err = errors.New("connection closed before registration")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	if nick := p.client.Nick(); nick != p.cfg.Name {
		p.logger.Warn("registered under a different nickname; frames addressed to it will be ignored",
			"want", p.cfg.Name, "got", nick)
	}
	return nil
}

// serveMetrics exposes the collector until ctx ends.
func serveMetrics(ctx context.Context, addr string, c *metrics.Collector, logger transport.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

func serveAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	store, err := storage.New(cfg.Directory, cfg.CacheEntries)
	if err != nil {
		return err
	}

	runCtx, cancel := signalContext()
	defer cancel()

	p, err := startPeer(runCtx, cfg, store, cfg.Thank)
	if err != nil {
		return err
	}
	defer p.Close()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return p.client.Run(groupCtx)
	})
	if cfg.Metrics.Addr != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.Metrics.Addr, p.metrics, p.logger)
		})
	}

	p.logger.Info("serving", "name", cfg.Name, "server", cfg.Server, "directory", store.Root())
	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func getAction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return errors.New("usage: sead get <peer> <resource>")
	}
	peerName, resource := ctx.Args().Get(0), ctx.Args().Get(1)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	sigCtx, cancel := signalContext()
	defer cancel()

	// fetching never serves, and the thanks is sent below so it is
	// flushed before QUIT
	p, err := startPeer(sigCtx, cfg, nil, false)
	if err != nil {
		return err
	}
	defer p.Close()

	run := make(chan error, 1)
	go func() { run <- p.client.Run(sigCtx) }()

	fetchCtx, fetchCancel := context.WithTimeout(sigCtx, ctx.Duration(timeoutFlag.Name))
	defer fetchCancel()

	if err := p.awaitReady(fetchCtx, run); err != nil {
		return err
	}

	data, err := p.node.Fetch(fetchCtx, peerName, resource)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Errorf("%s did not answer for %s", peerName, resource)
		}
		return err
	}

	if err := writeOutput(ctx.String("out"), data); err != nil {
		return err
	}

	if cfg.Thank {
		if err := p.node.Thank(sigCtx, peerName); err != nil {
			p.logger.Warn("thanks not sent", "peer", peerName, "error", err)
		}
	}
	return quit(sigCtx, p, run)
}

// quit queues QUIT and waits for the server to close the connection, so
// every earlier line reaches it.
func quit(ctx context.Context, p *peer, run <-chan error) error {
	quitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.client.Quit(quitCtx, "done"); err != nil {
		return p.client.Close()
	}
	select {
	case <-run:
		return nil
	case <-quitCtx.Done():
		return p.client.Close()
	}
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

func relayAction(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.GlobalString(configFlag.Name))
	if err != nil {
		return err
	}
	applyFlags(ctx, &cfg)

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	server, err := transport.Listen(ctx.String(listenFlag.Name), transport.ServerLoggerOption(logger))
	if err != nil {
		return err
	}
	relay := transport.NewRelay(transport.RelayLoggerOption(logger))

	runCtx, cancel := signalContext()
	defer cancel()

	logger.Info("relay listening", "addr", server.Addr().String())
	err = server.Serve(runCtx, relay)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
