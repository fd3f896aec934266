// Package broker implements the Broker: the single inbound socket per
// process that demultiplexes incoming frames to named in-process channels,
// and the tag-redirection table used before a peer knows which concrete
// channel should own a conversation.
package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/Edwardzcn/SLOG/internal/directory"
	"github.com/Edwardzcn/SLOG/internal/logging"
	"github.com/Edwardzcn/SLOG/internal/wire"
)

// DefaultChannelBuffer is the delivery-channel buffer size for a registered
// channel.
const DefaultChannelBuffer = 256

// MaxTagQueueLen bounds how many envelopes queue up for a tag that has no
// redirection installed yet, before further ones are dropped with
// ErrRedirectOverflow.
const MaxTagQueueLen = 1024

// Broker owns one listening socket and routes frames arriving on it (or
// handed to it directly in-process) to registered channels.
type Broker struct {
	localMachineID directory.MachineID
	listenAddress  string
	logger         logging.Logger

	mu        sync.RWMutex
	channels  map[wire.Channel]chan *wire.Envelope
	redirects map[wire.Channel]wire.Channel
	pending   map[wire.Channel][]*wire.Envelope
	closed    bool

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	weakRefs []*WeakRef

	maxTagQueueLen int
}

// New creates a Broker bound to listenAddress (host:port, or host:0 to let
// the OS choose a port — use Addr() after Start to discover it).
func New(localMachineID directory.MachineID, listenAddress string, logger logging.Logger) *Broker {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Broker{
		localMachineID: localMachineID,
		listenAddress:  listenAddress,
		logger:         logger,
		channels:       make(map[wire.Channel]chan *wire.Envelope),
		redirects:      make(map[wire.Channel]wire.Channel),
		pending:        make(map[wire.Channel][]*wire.Envelope),
		maxTagQueueLen: MaxTagQueueLen,
	}
}

// SetMaxTagQueueLen overrides the per-tag pending queue bound (default
// MaxTagQueueLen), the way config.Config's max_tag_queue_len knob lets a
// deployment tune it. Must be called before Start.
func (b *Broker) SetMaxTagQueueLen(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.maxTagQueueLen = n
	b.mu.Unlock()
}

// WeakRef is a weak, concurrency-safe reference to a Broker: it reports the
// broker as gone once Stop has run. A Sender holds a WeakRef rather than a
// *Broker so that broker teardown turns outstanding sends into no-ops
// instead of use of a dead broker.
type WeakRef struct {
	mu sync.RWMutex
	b  *Broker
}

// WeakRef returns a weak reference to b.
func (b *Broker) WeakRef() *WeakRef {
	ref := &WeakRef{b: b}
	b.mu.Lock()
	b.weakRefs = append(b.weakRefs, ref)
	b.mu.Unlock()
	return ref
}

// Get returns the referenced Broker, or nil if it has been stopped.
func (w *WeakRef) Get() *Broker {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.b
}

func (w *WeakRef) clear() {
	w.mu.Lock()
	w.b = nil
	w.mu.Unlock()
}

// AddChannel registers ch as a named in-process handler and returns the
// delivery channel a module polls for envelopes addressed to it (directly,
// or via an installed redirection). Each channel may be registered at most
// once per broker; a second registration fails with ErrDuplicateChannel.
func (b *Broker) AddChannel(ch wire.Channel) (<-chan *wire.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[ch]; ok {
		return nil, ErrDuplicateChannel
	}
	delivery := make(chan *wire.Envelope, DefaultChannelBuffer)
	b.channels[ch] = delivery
	return delivery, nil
}

// LocalMachineID returns the machine id this broker's process represents.
func (b *Broker) LocalMachineID() directory.MachineID { return b.localMachineID }

// Start begins accepting inbound TCP connections and routing frames read
// from them. It returns once the listener is bound; accepting happens in a
// background goroutine until ctx is canceled or Stop is called.
func (b *Broker) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.listenAddress)
	if err != nil {
		return err
	}
	b.listener = ln
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		<-b.ctx.Done()
		_ = ln.Close()
	}()

	b.wg.Add(1)
	go b.acceptLoop()
	return nil
}

// Addr returns the bound listener address. Only valid after Start.
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Context returns the broker's lifetime context, canceled once Stop runs.
func (b *Broker) Context() context.Context { return b.ctx }

// Stop tears the broker down: clears every WeakRef, cancels the broker
// context (which closes the listener) and waits for the accept and
// connection goroutines to exit. Registered delivery channels are not
// closed. Idempotent.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	refs := b.weakRefs
	b.weakRefs = nil
	b.mu.Unlock()

	for _, ref := range refs {
		ref.clear()
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
				b.logger.Warnw("broker: accept failed", "err", err)
				return
			}
		}
		b.wg.Add(1)
		go b.handleConnection(conn)
	}
}

func (b *Broker) handleConnection(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debugw("broker: connection read ended", "err", err)
			}
			return
		}
		from, to, env, err := wire.DecodeFrame(frame)
		if err != nil {
			b.logger.Warnw("broker: malformed frame dropped", "err", err)
			continue
		}
		// A connection has no synchronous caller to report routing errors
		// to (RedirectConflict/UnknownChannel); route already logs them.
		_ = b.route(from, to, env)
	}
}

// Deliver routes env to the channel it (or its tag) is currently bound to,
// exactly as though it had arrived over the network. It is the entry point
// of the in-process pointer-pass path (Sender.SendLocal) and shares route
// with the connection handler, so that redirection semantics are identical
// regardless of ingress.
//
// The returned error is the only way a local caller — Sender.SendLocal,
// synchronously, on the same goroutine — learns a BrokerRedirect install
// was rejected with ErrRedirectConflict, or that to named neither a
// registered channel, a bound tag, nor an unbound dynamic tag
// (ErrUnknownChannel). A remote connection has no such caller: route logs
// the failure and handleConnection discards the returned error.
func (b *Broker) Deliver(from directory.MachineID, to wire.Channel, env *wire.Envelope) error {
	return b.route(from, to, env)
}

func (b *Broker) route(from directory.MachineID, to wire.Channel, env *wire.Envelope) error {
	if to == wire.ChannelBroker {
		return b.handleControlFrame(env)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if delivery, ok := b.channels[to]; ok {
		b.deliverLocked(delivery, env, to)
		return nil
	}

	if bound, ok := b.redirects[to]; ok {
		if delivery, ok := b.channels[bound]; ok {
			b.deliverLocked(delivery, env, bound)
			return nil
		}
	}

	if to.IsReserved() {
		// A fixed module channel (or ChannelReserved itself) with nothing
		// registered for it: there is no tag lifecycle to wait on, so this
		// is an unknown channel, not a pending redirect.
		b.logger.Warnw("broker: unknown channel, dropping envelope", "channel", to)
		return wire.ErrUnknownChannel
	}

	// A dynamic tag with no redirection installed yet: queue until one is.
	q := b.pending[to]
	if len(q) >= b.maxTagQueueLen {
		b.logger.Warnw("broker: redirect pending queue overflow, dropping envelope", "tag", to)
		return ErrRedirectOverflow
	}
	b.pending[to] = append(q, env)
	return nil
}

func (b *Broker) deliverLocked(delivery chan *wire.Envelope, env *wire.Envelope, ch wire.Channel) {
	select {
	case delivery <- env:
	default:
		b.logger.Warnw("broker: delivery channel full, dropping envelope", "channel", ch)
	}
}

// handleControlFrame processes a BrokerRedirect install/remove request.
// The returned error is ErrRedirectConflict when an install names a tag
// already bound to a different channel, nil otherwise, including for Stop
// and for a successful install.
func (b *Broker) handleControlFrame(env *wire.Envelope) error {
	if env.Request == nil || env.Request.Kind != wire.RequestBrokerRedirect {
		b.logger.Warnw("broker: unexpected control-channel frame", "kind", requestKindOf(env))
		return nil
	}
	redirect := env.Request.BrokerRedirect
	if redirect == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if redirect.Stop {
		delete(b.redirects, redirect.Tag)
		return nil
	}

	if existing, ok := b.redirects[redirect.Tag]; ok && existing != redirect.Channel {
		b.logger.Errorw("broker: redirect conflict", "tag", redirect.Tag, "existing", existing, "requested", redirect.Channel)
		return wire.ErrRedirectConflict
	}
	b.redirects[redirect.Tag] = redirect.Channel

	// Drain anything queued for this tag, FIFO, now that it is bound.
	queued := b.pending[redirect.Tag]
	delete(b.pending, redirect.Tag)
	delivery, ok := b.channels[redirect.Channel]
	if !ok {
		return nil
	}
	for _, queuedEnv := range queued {
		b.deliverLocked(delivery, queuedEnv, redirect.Channel)
	}
	return nil
}

func requestKindOf(env *wire.Envelope) wire.RequestKind {
	if env.Request == nil {
		return ""
	}
	return env.Request.Kind
}

// WriteFrame and ReadFrame add a 4-byte big-endian length prefix around a
// wire frame for TCP stream delimiting; this is transport plumbing, not
// part of the Frame layout itself (which wire.EncodeFrame/DecodeFrame
// define). Exported so the Sender's connections use identical framing.

func WriteFrame(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
