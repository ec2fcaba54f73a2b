package transport

import (
	"time"
)

// ErrorAction tells a Conn what to do after a read or write error.
type ErrorAction int

const (
	// Disconnect ends Run with the error.
	Disconnect ErrorAction = iota
	// Continue drops the offending line and keeps the session alive.
	Continue
)

// options is the resolved configuration of one Conn.
type options struct {
	codec  Codec
	logger Logger

	onMessage func(message Message) error
	onError   func(error) ErrorAction
	// onConnect runs once the write loop is up, before the first read.
	onConnect func(c *Conn) error

	bufferSize    int           // size of buffered send channel
	maxReadLength int           // maximum size of a single line, terminator included
	heartbeat     time.Duration // read/write deadlines are heartbeat * 2
}

// Option configures a Conn, a Client or each session a Relay accepts.
type Option func(*options)

// CustomCodecOption sets the line codec. Client and Relay install IRCCodec
// themselves; a bare Conn requires one.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption sets how many outbound lines may queue.
// A parted transfer queues one line per part, so size it to a typical
// transfer to keep WriteBlocking from stalling the caller.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption sets the idle interval.
// A connection that neither reads nor writes for twice this interval fails
// with a deadline error.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize caps an inbound line, terminator included.
// Longer lines fail with ErrMessageTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption sets the callback consulted after each read or write error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption sets the handler run for every decoded line, in arrival
// order. It is required.
func OnMessageOption(cb func(Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnConnectOption sets a callback run when Run starts.
// Chat clients use it to register their nickname. Returning an error
// aborts Run.
func OnConnectOption(cb func(*Conn) error) Option {
	return func(o *options) {
		o.onConnect = cb
	}
}

// LoggerOption sets the logger. DefaultLogger is used otherwise.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
