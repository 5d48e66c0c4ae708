// Package link implements the agent link state machine: the inbound
// frame classifier, the outbound transmit queue with its per-frame retry
// counter, and the connected/received-frame/disconnected/ack/nak/
// dropped/queue-depth event fan-out.
//
// A Link owns all of its mutable state on a single goroutine (Run). All
// other methods hand work off to that goroutine over channels rather
// than mutating state directly, so callbacks invoked from Run can safely
// call back into a Link without corrupting its queue or retry counter.
package link

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/lpnet/tapbridge/internal/ethernet"
	"github.com/lpnet/tapbridge/internal/framing"
	"github.com/lpnet/tapbridge/internal/linkerrors"
)

// DefaultTxAttempts is the retry budget for a queued frame when no
// WithTxAttempts option overrides it.
const DefaultTxAttempts = 3

const sohMinLen = 6 + 2 + 4 + 1 // MAC + MTU + index + name length prefix

// AgentInfo is the interface information the agent reports on SOH.
type AgentInfo struct {
	MAC   ethernet.Addr
	MTU   uint16
	Index uint32
	Name  string
}

// Sink is implemented by the transport that owns the child process. Send
// is given an unescaped link frame (one type octet followed by its
// body); the transport is responsible for byte-stuffing it (see package
// framing) and writing it to the child's stdin.
type Sink interface {
	Send(frame []byte) error
}

// ConnectedFunc, ReceivedFrameFunc, DisconnectedFunc, AckFunc, NakFunc,
// DroppedFunc and QueueDepthFunc are the subscriber callback shapes for a
// Link's observable events.
type (
	ConnectedFunc     func(AgentInfo)
	ReceivedFrameFunc func(ethernet.Frame)
	DisconnectedFunc  func()
	AckFunc           func()
	NakFunc           func()
	DroppedFunc       func(direction, reason string)
	QueueDepthFunc    func(depth int)
)

// Direction values reported to DroppedFunc subscribers.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Drop reason values reported to DroppedFunc subscribers.
const (
	DropReasonMalformed      = "malformed"
	DropReasonUnknownType    = "unknown_type"
	DropReasonRetryExhausted = "retry_exhausted"
)

// Option configures a Link at construction time.
type Option func(*Link)

// WithTxAttempts overrides DefaultTxAttempts.
func WithTxAttempts(n int) Option {
	return func(l *Link) { l.txAttempts = n }
}

// WithEthernetRegistry supplies the EtherType registry used to resolve
// FS frame payloads.
func WithEthernetRegistry(reg *ethernet.Registry) Option {
	return func(l *Link) { l.ethRegistry = reg }
}

// WithInitialName, WithInitialMAC and WithInitialMTU record the user
// hints restored to current state whenever the transport reports the
// child has exited.
func WithInitialName(name string) Option {
	return func(l *Link) { l.initialName = &name }
}

func WithInitialMAC(mac ethernet.Addr) Option {
	return func(l *Link) { l.initialMAC = &mac }
}

func WithInitialMTU(mtu uint16) Option {
	return func(l *Link) { l.initialMTU = &mtu }
}

// WithLogger overrides the default logger, slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Link) { l.logger = logger }
}

// Link is the agent link state machine described in package doc.
type Link struct {
	logger      *slog.Logger
	txAttempts  int
	ethRegistry *ethernet.Registry

	initialName *string
	initialMAC  *ethernet.Addr
	initialMTU  *uint16

	currentName *string
	currentMAC  *ethernet.Addr
	currentMTU  *uint16
	currentIdx  *uint32

	txBuffer     [][]byte
	framePending bool
	retriesLeft  int

	sink Sink

	onConnected     []ConnectedFunc
	onReceivedFrame []ReceivedFrameFunc
	onDisconnected  []DisconnectedFunc
	onAck           []AckFunc
	onNak           []NakFunc
	onDropped       []DroppedFunc
	onQueueDepth    []QueueDepthFunc
	deferred        []func()

	inbound   chan []byte
	enqueue   chan []byte
	stopCh    chan struct{}
	childExit chan struct{}

	started atomic.Bool
	done    chan struct{}
}

// New constructs a Link. SetSink must be called before Run, typically
// once the transport that will drive it has also been constructed.
func New(opts ...Option) *Link {
	l := &Link{
		logger:     slog.Default(),
		txAttempts: DefaultTxAttempts,
		inbound:    make(chan []byte, 16),
		enqueue:    make(chan []byte, 16),
		stopCh:     make(chan struct{}, 1),
		childExit:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.retriesLeft = l.txAttempts
	return l
}

// SetSink attaches the transport that carries outbound frames. It must
// be called before Run.
func (l *Link) SetSink(sink Sink) {
	l.sink = sink
}

// OnConnected, OnReceivedFrame, OnDisconnected, OnAck, OnNak, OnDropped
// and OnQueueDepthChanged register subscriber callbacks. They are not
// safe to call concurrently with Run; register all subscribers before
// calling Run.
func (l *Link) OnConnected(f ConnectedFunc)          { l.onConnected = append(l.onConnected, f) }
func (l *Link) OnReceivedFrame(f ReceivedFrameFunc)  { l.onReceivedFrame = append(l.onReceivedFrame, f) }
func (l *Link) OnDisconnected(f DisconnectedFunc)    { l.onDisconnected = append(l.onDisconnected, f) }
func (l *Link) OnAck(f AckFunc)                      { l.onAck = append(l.onAck, f) }
func (l *Link) OnNak(f NakFunc)                      { l.onNak = append(l.onNak, f) }
func (l *Link) OnDropped(f DroppedFunc)              { l.onDropped = append(l.onDropped, f) }
func (l *Link) OnQueueDepthChanged(f QueueDepthFunc) { l.onQueueDepth = append(l.onQueueDepth, f) }

// SendEthernetFrame enqueues an Ethernet frame for transmission. Frames
// enqueued while one is already in flight wait their turn in FIFO order.
func (l *Link) SendEthernetFrame(ctx context.Context, frame []byte) error {
	select {
	case l.enqueue <- frame:
		return nil
	case <-l.done:
		return linkerrors.ErrChildExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests a cooperative shutdown: a bare EOT frame is sent and the
// child is expected to exit on its own. It does not force-kill anything.
func (l *Link) Stop(ctx context.Context) error {
	select {
	case l.stopCh <- struct{}{}:
		return nil
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleInboundFrame is called by the transport for each de-stuffed
// frame read from the child's stdout.
func (l *Link) HandleInboundFrame(ctx context.Context, frame []byte) error {
	select {
	case l.inbound <- frame:
		return nil
	case <-l.done:
		return linkerrors.ErrChildExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleChildExit is called by the transport when the child process has
// exited, for whatever reason.
func (l *Link) HandleChildExit() {
	select {
	case l.childExit <- struct{}{}:
	case <-l.done:
	}
}

// Run drives the event loop until ctx is canceled or the child exits.
// It returns linkerrors.ErrAlreadyStarted if called more than once.
func (l *Link) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return linkerrors.ErrAlreadyStarted
	}
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame := <-l.inbound:
			l.handleInbound(frame)
			l.notifyQueueDepth()
			l.drainDeferred()

		case frame := <-l.enqueue:
			l.txBuffer = append(l.txBuffer, frame)
			if !l.framePending {
				l.pump()
			}
			l.notifyQueueDepth()
			l.drainDeferred()

		case <-l.stopCh:
			l.sendRaw(framing.EOT)
			l.drainDeferred()

		case <-l.childExit:
			l.handleChildExit()
			l.drainDeferred()
			return nil
		}
	}
}

// handleInbound classifies and dispatches a single de-stuffed frame.
func (l *Link) handleInbound(frame []byte) {
	if len(frame) == 0 {
		l.deferEvent(func() { l.dispatchDropped(DirectionInbound, DropReasonMalformed) })
		l.sendRaw(framing.NAK)
		return
	}
	typ, body := frame[0], frame[1:]

	switch typ {
	case framing.SOH:
		info, err := parseSOH(body)
		if err != nil {
			l.logger.Debug("malformed SOH body", slog.Any("error", err))
			l.deferEvent(func() { l.dispatchDropped(DirectionInbound, DropReasonMalformed) })
			l.sendRaw(framing.NAK)
			return
		}
		l.currentMAC = &info.MAC
		mtu := info.MTU
		l.currentMTU = &mtu
		idx := info.Index
		l.currentIdx = &idx
		name := info.Name
		l.currentName = &name
		l.deferEvent(func() { l.dispatchConnected(info) })
		l.sendRaw(framing.ACK)

	case framing.FS:
		f, err := ethernet.Parse(body, l.ethRegistry)
		if err != nil {
			l.logger.Debug("malformed FS body", slog.Any("error", err))
			l.deferEvent(func() { l.dispatchDropped(DirectionInbound, DropReasonMalformed) })
			l.sendRaw(framing.NAK)
			return
		}
		l.deferEvent(func() { l.dispatchReceivedFrame(f) })
		l.sendRaw(framing.ACK)

	case framing.SYN:
		l.sendRaw(framing.ACK)

	case framing.ACK:
		l.transmitDone(true)
		l.deferEvent(l.dispatchAck)

	case framing.NAK:
		l.transmitDone(false)
		l.deferEvent(l.dispatchNak)

	default:
		l.logger.Debug("unknown inbound frame type", slog.Int("type", int(typ)))
		l.deferEvent(func() { l.dispatchDropped(DirectionInbound, DropReasonUnknownType) })
		l.sendRaw(framing.NAK)
	}
}

// pump transmits the head-of-queue frame if none is already in flight,
// dropping frames whose retry budget is exhausted.
func (l *Link) pump() {
	for len(l.txBuffer) > 0 {
		if l.retriesLeft == 0 {
			l.logger.Debug("dropping frame after exhausting retries")
			l.txBuffer = l.txBuffer[1:]
			l.retriesLeft = l.txAttempts
			l.deferEvent(func() { l.dispatchDropped(DirectionOutbound, DropReasonRetryExhausted) })
			continue
		}

		head := l.txBuffer[0]
		frame := make([]byte, 0, 1+len(head))
		frame = append(frame, framing.FS)
		frame = append(frame, head...)
		if err := l.sink.Send(frame); err != nil {
			l.logger.Warn("failed to send FS frame", slog.Any("error", err))
		}
		l.framePending = true
		l.retriesLeft--
		return
	}

	l.framePending = false
	l.retriesLeft = l.txAttempts
}

// transmitDone handles the ACK/NAK response to the in-flight frame.
func (l *Link) transmitDone(success bool) {
	if len(l.txBuffer) == 0 {
		return
	}
	if success {
		l.txBuffer = l.txBuffer[1:]
		l.retriesLeft = l.txAttempts
	}
	l.framePending = false
	l.pump()
}

// handleChildExit resets link state and restores the user-provided
// initial interface hints, then notifies subscribers.
func (l *Link) handleChildExit() {
	l.txBuffer = nil
	l.framePending = false
	l.retriesLeft = l.txAttempts

	l.currentName = clonePtr(l.initialName)
	l.currentMAC = clonePtr(l.initialMAC)
	l.currentMTU = clonePtr(l.initialMTU)
	l.currentIdx = nil

	l.deferEvent(l.dispatchDisconnected)
}

func (l *Link) sendRaw(typ byte) {
	if l.sink == nil {
		return
	}
	if err := l.sink.Send([]byte{typ}); err != nil {
		l.logger.Warn("failed to send control frame", slog.Int("type", int(typ)), slog.Any("error", err))
	}
}

// deferEvent queues f to run once the current inbound/outbound item has
// finished processing, so that any reentrant calls a callback makes back
// into the Link only take effect on a later turn of the loop.
func (l *Link) deferEvent(f func()) {
	l.deferred = append(l.deferred, f)
}

func (l *Link) drainDeferred() {
	pending := l.deferred
	l.deferred = nil
	for _, f := range pending {
		l.invokeCallback(f)
	}
}

func (l *Link) invokeCallback(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("subscriber callback panicked", slog.Any("panic", r))
		}
	}()
	f()
}

func (l *Link) dispatchConnected(info AgentInfo) {
	for _, f := range l.onConnected {
		f(info)
	}
}

func (l *Link) dispatchReceivedFrame(frame ethernet.Frame) {
	for _, f := range l.onReceivedFrame {
		f(frame)
	}
}

func (l *Link) dispatchDisconnected() {
	for _, f := range l.onDisconnected {
		f()
	}
}

func (l *Link) dispatchAck() {
	for _, f := range l.onAck {
		f()
	}
}

func (l *Link) dispatchNak() {
	for _, f := range l.onNak {
		f()
	}
}

func (l *Link) dispatchDropped(direction, reason string) {
	for _, f := range l.onDropped {
		f(direction, reason)
	}
}

func (l *Link) dispatchQueueDepth(depth int) {
	for _, f := range l.onQueueDepth {
		f(depth)
	}
}

// notifyQueueDepth schedules a queue-depth notification reflecting the
// current transmit queue length, captured now so a later deferred
// dispatch can't observe a length changed by a subsequent loop turn.
func (l *Link) notifyQueueDepth() {
	depth := len(l.txBuffer)
	l.deferEvent(func() { l.dispatchQueueDepth(depth) })
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func parseSOH(body []byte) (AgentInfo, error) {
	if len(body) < sohMinLen {
		return AgentInfo{}, fmt.Errorf("link: truncated SOH body (%d bytes): %w", len(body), linkerrors.ErrMalformedHeader)
	}
	var info AgentInfo
	copy(info.MAC[:], body[0:6])
	info.MTU = binary.BigEndian.Uint16(body[6:8])
	info.Index = binary.BigEndian.Uint32(body[8:12])
	nameLen := int(body[12])
	if len(body) < sohMinLen+nameLen {
		return AgentInfo{}, fmt.Errorf("link: truncated SOH name (want %d bytes): %w", nameLen, linkerrors.ErrMalformedHeader)
	}
	info.Name = string(body[sohMinLen : sohMinLen+nameLen])
	return info, nil
}
