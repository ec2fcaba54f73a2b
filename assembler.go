package sea

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// Default assembler timing.
const (
	DefaultIdleTimeout   = 2 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Abandonment reasons reported through OnAbandonedOption.
const (
	ReasonIdle     = "idle"
	ReasonReplaced = "replaced"
	ReasonFlushed  = "flushed"
)

// TransferKey identifies an in-flight transfer.
type TransferKey struct {
	Sender     string
	Receiver   string
	TransferID string
}

// String is unambiguous because tokens never contain spaces.
func (k TransferKey) String() string {
	return k.Sender + " " + k.Receiver + " " + k.TransferID
}

// Delivery is a complete payload ready for the application.
type Delivery struct {
	Sender   string
	Receiver string
	Action   string
	// TransferID is empty for payloads that arrived in a single frame.
	TransferID string
	Payload    []byte
	HasPayload bool
}

// Abandoned describes a transfer dropped before completion.
type Abandoned struct {
	Key      TransferKey
	Action   string
	Expected uint32
	Received uint32
	Age      time.Duration
	Reason   string
}

type transfer struct {
	key      TransferKey
	action   string
	expected uint32
	created  time.Time

	// guarded by Assembler.mu
	received map[uint32][]byte

	// read by the eviction callback without the assembler lock
	count atomic.Uint32
	done  atomic.Bool
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// IdleTimeoutOption sets how long a transfer may go without a new part
// before it is abandoned.
func IdleTimeoutOption(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		a.idleTimeout = d
	}
}

// SweepIntervalOption sets how often abandoned transfers are swept.
func SweepIntervalOption(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		a.sweepInterval = d
	}
}

// OnAbandonedOption sets a callback invoked for every transfer dropped
// before completion. It may run on the sweeper goroutine and must not call
// back into the Assembler.
func OnAbandonedOption(cb func(Abandoned)) AssemblerOption {
	return func(a *Assembler) {
		a.onAbandoned = cb
	}
}

// Assembler reassembles parted payloads. It is safe for concurrent use.
type Assembler struct {
	mu        sync.Mutex
	transfers *cache.Cache

	idleTimeout   time.Duration
	sweepInterval time.Duration
	onAbandoned   func(Abandoned)

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewAssembler creates an Assembler with an empty transfer table.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.idleTimeout <= 0 {
		a.idleTimeout = DefaultIdleTimeout
	}
	if a.sweepInterval <= 0 {
		a.sweepInterval = DefaultSweepInterval
	}

	// no janitor: the sweeper below is stopped by Close
	a.transfers = cache.New(a.idleTimeout, 0)
	a.transfers.OnEvicted(a.evicted)

	a.stop = make(chan struct{})
	a.stopped = make(chan struct{})
	go a.sweep()
	return a
}

func (a *Assembler) sweep() {
	defer close(a.stopped)

	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.transfers.DeleteExpired()
		case <-a.stop:
			return
		}
	}
}

// Close stops the background sweep and flushes every in-flight transfer.
// It is safe to call more than once.
func (a *Assembler) Close() {
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.stopped
	})
	a.Flush()
}

// Accept feeds one decoded message into the assembler. It returns a Delivery
// when m completes a payload: immediately for a Single, on the last missing
// part for a parted transfer. Announcements and non-final parts return nil.
func (a *Assembler) Accept(m ProtocolMessage) (*Delivery, error) {
	switch body := m.Body.(type) {
	case Single:
		return &Delivery{
			Sender:     m.Sender,
			Receiver:   m.Receiver,
			Action:     body.Action,
			Payload:    body.Payload,
			HasPayload: body.HasPayload,
		}, nil
	case Announcement:
		a.announce(TransferKey{Sender: m.Sender, Receiver: m.Receiver, TransferID: body.TransferID}, body)
		return nil, nil
	case Part:
		return a.part(TransferKey{Sender: m.Sender, Receiver: m.Receiver, TransferID: body.TransferID}, body)
	default:
		return nil, ErrUnknownBody
	}
}

func (a *Assembler) announce(key TransferKey, body Announcement) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.transfers.Get(key.String()); ok {
		t := v.(*transfer)
		if t.expected == body.PartCount && t.action == body.Action {
			a.transfers.Set(key.String(), t, cache.DefaultExpiration)
			return
		}
		t.done.Store(true)
		a.report(t, ReasonReplaced)
	}

	a.transfers.Set(key.String(), &transfer{
		key:      key,
		action:   body.Action,
		expected: body.PartCount,
		created:  time.Now(),
		received: make(map[uint32][]byte),
	}, cache.DefaultExpiration)
}

func (a *Assembler) part(key TransferKey, body Part) (*Delivery, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.transfers.Get(key.String())
	if !ok {
		return nil, &ReassemblyError{Kind: UnknownTransfer, Key: key, Index: body.Index}
	}
	t := v.(*transfer)

	if body.Index >= t.expected {
		return nil, &ReassemblyError{Kind: IndexOutOfRange, Key: key, Index: body.Index, PartCount: t.expected}
	}

	if _, dup := t.received[body.Index]; !dup {
		t.received[body.Index] = body.Payload
		t.count.Add(1)
	}

	if uint32(len(t.received)) < t.expected {
		a.transfers.Set(key.String(), t, cache.DefaultExpiration)
		return nil, nil
	}

	t.done.Store(true)
	a.transfers.Delete(key.String())

	size := 0
	for _, p := range t.received {
		size += len(p)
	}
	payload := make([]byte, 0, size)
	for i := uint32(0); i < t.expected; i++ {
		payload = append(payload, t.received[i]...)
	}

	return &Delivery{
		Sender:     key.Sender,
		Receiver:   key.Receiver,
		Action:     t.action,
		TransferID: key.TransferID,
		Payload:    payload,
		HasPayload: true,
	}, nil
}

// Pending returns the number of live in-flight transfers.
func (a *Assembler) Pending() int {
	return len(a.transfers.Items())
}

// Sweep evicts expired transfers now instead of waiting for the next tick.
func (a *Assembler) Sweep() {
	a.transfers.DeleteExpired()
}

// Flush drops every in-flight transfer, reporting each as abandoned.
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for k, item := range a.transfers.Items() {
		if t, ok := item.Object.(*transfer); ok && !t.done.Swap(true) {
			a.report(t, ReasonFlushed)
		}
		a.transfers.Delete(k)
	}
}

// evicted runs for every removal from the table, including completions and
// replacements, which are marked done beforehand.
func (a *Assembler) evicted(_ string, v interface{}) {
	t, ok := v.(*transfer)
	if !ok || t.done.Swap(true) {
		return
	}
	a.report(t, ReasonIdle)
}

func (a *Assembler) report(t *transfer, reason string) {
	if a.onAbandoned == nil {
		return
	}
	a.onAbandoned(Abandoned{
		Key:      t.key,
		Action:   t.action,
		Expected: t.expected,
		Received: t.count.Load(),
		Age:      time.Since(t.created),
		Reason:   reason,
	})
}
