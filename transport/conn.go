// Package transport carries SEA lines over a line-oriented chat network.
// It provides a framed connection with asynchronous read and write loops,
// an IRC codec and client, and a small chat relay server for local use.
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec callback")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrMessageTooLarge is returned when a line exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// limitedReader wraps a buffered reader and returns ErrMessageTooLarge when
// the per-message limit is exceeded.
type limitedReader struct {
	r         *bufio.Reader
	remaining int64
}

func newLimitedReader(r *bufio.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// ReadByte lets line codecs consume exactly one line.
func (l *limitedReader) ReadByte() (byte, error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	b, err := l.r.ReadByte()
	if err == nil {
		l.remaining--
	}
	return b, err
}

// reset resets the limit counter for the next message. The bufio.Reader
// keeps its buffered bytes across messages.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// Conn is a framed connection to a chat server or client.
// It owns the underlying net.Conn, encodes outbound messages through the
// codec and runs read and write loops until closed.
type Conn struct {
	rawConn       net.Conn
	reader        *bufio.Reader
	limitedReader *limitedReader
	logger        Logger

	opts options

	sendMsg chan []byte
	done    chan struct{} // closed with the connection
	closed  atomic.Bool
	cancel  atomic.Pointer[context.CancelFunc]
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the outbound line queue.
	defaultBufferSize = 64
	// defaultMaxLineLength is the IRC line limit, CRLF included.
	defaultMaxLineLength = 512
	// defaultHeartbeat bounds silence on the connection to twice its value.
	defaultHeartbeat = 2 * time.Minute
)

// NewConn creates a new connection wrapper around conn.
// It applies the provided options and validates them before returning.
// Returns an error if required options (codec, onMessage) are missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxLineLength
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = DefaultLogger()
	}

	return nil
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	reader := bufio.NewReaderSize(c, opts.maxReadLength)
	return &Conn{
		rawConn:       c,
		reader:        reader,
		limitedReader: newLimitedReader(reader, int64(opts.maxReadLength)),
		logger:        opts.logger,
		opts:          opts,
		sendMsg:       make(chan []byte, opts.bufferSize),
		done:          make(chan struct{}),
	}
}

// Run starts the connection's read and write loops.
// It blocks until an error occurs, the peer disconnects or the context is
// canceled. The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	c.cancel.Store(&cancel)
	defer cancel()

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		if c.opts.onConnect != nil {
			if err := c.opts.onConnect(c); err != nil {
				return errors.Wrap(err, "on connect")
			}
		}
		return c.readLoop(child)
	})

	// unblock a read parked on the socket once the group is done
	go func() {
		<-child.Done()
		c.closeConn()
	}()

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close gracefully closes the connection.
// It cancels Run and closes the underlying connection.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	close(c.done)
	if cancel := c.cancel.Load(); cancel != nil {
		(*cancel)()
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
var ErrBufferFull = errors.New("send buffer full")

// Write queues a message without blocking.
//
// Returns:
//   - nil: message was queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if codec.Encode fails
func (c *Conn) Write(message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	bytes, err := c.opts.codec.Encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- bytes:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is room, ctx is
// done or the connection closes. Frames of one transfer must go out in order, so senders of parted
// payloads use this method.
func (c *Conn) WriteBlocking(ctx context.Context, message Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	bytes, err := c.opts.codec.Encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- bytes:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout queues a message, waiting at most timeout for room.
// It returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(message Message, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	bytes, err := c.opts.codec.Encode(message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- bytes:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop decodes lines and hands them to the message handler until the
// context is canceled or an unrecoverable error occurs.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

			c.limitedReader.reset(int64(c.opts.maxReadLength))

			message, err := c.opts.codec.Decode(c.limitedReader)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Debug("read error", "addr", c.Addr(), "error", err)
				if isFatalReadError(err) || c.opts.onError(err) == Disconnect {
					return err
				}
				if errors.Is(err, ErrMessageTooLarge) {
					c.discardLine()
				}
				continue
			}

			if err = c.opts.onMessage(message); err != nil {
				return err
			}
		}
	}
}

// isFatalReadError reports errors after which the stream cannot resume.
func isFatalReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// discardLine skips the rest of an oversized line so reading can resume at
// the next one.
func (c *Conn) discardLine() {
	for {
		b, err := c.reader.ReadByte()
		if err != nil || b == '\n' {
			return
		}
	}
}

// writeLoop sends queued lines until the context is canceled or an
// unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// write sends data with a deadline. Errors are propagated only when
// onError asks to disconnect.
func (c *Conn) write(data []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	_, err := c.rawConn.Write(data)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying
// connection once.
func (c *Conn) closeConn() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	_ = c.rawConn.Close()
}
