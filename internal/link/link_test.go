package link_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/lpnet/tapbridge/internal/ethernet"
	"github.com/lpnet/tapbridge/internal/framing"
	"github.com/lpnet/tapbridge/internal/link"
)

// recordingSink captures every frame the Link sends, in order.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *recordingSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func sohBody(mac ethernet.Addr, mtu uint16, idx uint32, name string) []byte {
	body := make([]byte, 0, 13+len(name))
	body = append(body, mac[:]...)
	var mtuBuf [2]byte
	binary.BigEndian.PutUint16(mtuBuf[:], mtu)
	body = append(body, mtuBuf[:]...)
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], idx)
	body = append(body, idxBuf[:]...)
	body = append(body, byte(len(name)))
	body = append(body, name...)
	return body
}

func waitForFrames(t *testing.T, sink *recordingSink, n int) [][]byte {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if got := sink.snapshot(); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %v", n, sink.snapshot())
		case <-time.After(time.Millisecond):
		}
	}
}

func newRunningLink(t *testing.T, opts ...link.Option) (*link.Link, *recordingSink, context.CancelFunc) {
	t.Helper()
	sink := &recordingSink{}
	l := link.New(opts...)
	l.SetSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, sink, cancel
}

func TestSOHProducesConnectedAndACK(t *testing.T) {
	t.Parallel()

	mac, _ := ethernet.ParseAddr("02:00:00:00:00:01")
	l, sink, _ := newRunningLink(t)

	var connected link.AgentInfo
	gotConnected := make(chan struct{})
	l.OnConnected(func(info link.AgentInfo) {
		connected = info
		close(gotConnected)
	})

	ctx := context.Background()
	body := sohBody(mac, 1500, 7, "tap0")
	if err := l.HandleInboundFrame(ctx, append([]byte{framing.SOH}, body...)); err != nil {
		t.Fatalf("HandleInboundFrame() error: %v", err)
	}

	select {
	case <-gotConnected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connected callback")
	}

	if connected.MAC != mac || connected.MTU != 1500 || connected.Index != 7 || connected.Name != "tap0" {
		t.Fatalf("connected info = %+v, want mac=%v mtu=1500 idx=7 name=tap0", connected, mac)
	}

	frames := waitForFrames(t, sink, 1)
	if !bytes.Equal(frames[0], []byte{framing.ACK}) {
		t.Fatalf("frames[0] = %x, want ACK", frames[0])
	}
}

func TestFSTransmitAndACKEmptiesQueue(t *testing.T) {
	t.Parallel()

	l, sink, _ := newRunningLink(t)
	ctx := context.Background()

	payload := make([]byte, 14) // minimal Ethernet header
	if err := l.SendEthernetFrame(ctx, payload); err != nil {
		t.Fatalf("SendEthernetFrame() error: %v", err)
	}

	frames := waitForFrames(t, sink, 1)
	want := append([]byte{framing.FS}, payload...)
	if !bytes.Equal(frames[0], want) {
		t.Fatalf("frames[0] = %x, want %x", frames[0], want)
	}

	if err := l.HandleInboundFrame(ctx, []byte{framing.ACK}); err != nil {
		t.Fatalf("HandleInboundFrame(ACK) error: %v", err)
	}

	// No further transmissions should follow a bare ACK with an empty queue.
	time.Sleep(20 * time.Millisecond)
	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("sink recorded %d frames after ACK, want 1", got)
	}
}

func TestNAKRetriesExactlyTxAttemptsThenDrops(t *testing.T) {
	t.Parallel()

	const attempts = 3
	l, sink, _ := newRunningLink(t, link.WithTxAttempts(attempts))
	ctx := context.Background()

	payload := []byte("ethernet-frame-body")
	if err := l.SendEthernetFrame(ctx, payload); err != nil {
		t.Fatalf("SendEthernetFrame() error: %v", err)
	}

	want := append([]byte{framing.FS}, payload...)
	for i := 0; i < attempts; i++ {
		frames := waitForFrames(t, sink, i+1)
		if !bytes.Equal(frames[i], want) {
			t.Fatalf("retransmission %d = %x, want %x", i, frames[i], want)
		}
		if err := l.HandleInboundFrame(ctx, []byte{framing.NAK}); err != nil {
			t.Fatalf("HandleInboundFrame(NAK) error: %v", err)
		}
	}

	// The NAK following the final attempt drops the frame: no 4th FS.
	time.Sleep(50 * time.Millisecond)
	frames := sink.snapshot()
	count := 0
	for _, f := range frames {
		if bytes.Equal(f, want) {
			count++
		}
	}
	if count != attempts {
		t.Fatalf("saw %d FS transmissions, want exactly %d", count, attempts)
	}
}

func TestUnknownFrameTypeYieldsNAKNoEvent(t *testing.T) {
	t.Parallel()

	l, sink, _ := newRunningLink(t)
	ctx := context.Background()

	l.OnReceivedFrame(func(ethernet.Frame) {
		t.Fatal("received_frame fired for an unknown frame type")
	})

	if err := l.HandleInboundFrame(ctx, []byte{0xff, 0x01, 0x02}); err != nil {
		t.Fatalf("HandleInboundFrame() error: %v", err)
	}

	frames := waitForFrames(t, sink, 1)
	if !bytes.Equal(frames[0], []byte{framing.NAK}) {
		t.Fatalf("frames[0] = %x, want NAK", frames[0])
	}
}

func TestFSParseFailureSendsNAKNotReceivedFrame(t *testing.T) {
	t.Parallel()

	l, sink, _ := newRunningLink(t)
	ctx := context.Background()

	l.OnReceivedFrame(func(ethernet.Frame) {
		t.Fatal("received_frame fired for a malformed FS body")
	})

	// Too short to be a valid Ethernet header (needs at least 14 bytes).
	if err := l.HandleInboundFrame(ctx, []byte{framing.FS, 0x01, 0x02}); err != nil {
		t.Fatalf("HandleInboundFrame() error: %v", err)
	}

	frames := waitForFrames(t, sink, 1)
	if !bytes.Equal(frames[0], []byte{framing.NAK}) {
		t.Fatalf("frames[0] = %x, want NAK", frames[0])
	}
}

func TestSYNYieldsBareACK(t *testing.T) {
	t.Parallel()

	l, sink, _ := newRunningLink(t)
	ctx := context.Background()

	if err := l.HandleInboundFrame(ctx, []byte{framing.SYN}); err != nil {
		t.Fatalf("HandleInboundFrame() error: %v", err)
	}

	frames := waitForFrames(t, sink, 1)
	if !bytes.Equal(frames[0], []byte{framing.ACK}) {
		t.Fatalf("frames[0] = %x, want ACK", frames[0])
	}
}

func TestFIFOOrderPreservedAcrossMultipleSends(t *testing.T) {
	t.Parallel()

	l, sink, _ := newRunningLink(t)
	ctx := context.Background()

	payloads := [][]byte{[]byte("f1"), []byte("f2"), []byte("f3")}
	for _, p := range payloads {
		if err := l.SendEthernetFrame(ctx, p); err != nil {
			t.Fatalf("SendEthernetFrame() error: %v", err)
		}
	}

	for i, p := range payloads {
		frames := waitForFrames(t, sink, i+1)
		want := append([]byte{framing.FS}, p...)
		if !bytes.Equal(frames[i], want) {
			t.Fatalf("frame %d = %x, want %x", i, frames[i], want)
		}
		if err := l.HandleInboundFrame(ctx, []byte{framing.ACK}); err != nil {
			t.Fatalf("HandleInboundFrame(ACK) error: %v", err)
		}
	}
}

func TestACKFiresOnAckAndNAKFiresOnNak(t *testing.T) {
	t.Parallel()

	l, sink, _ := newRunningLink(t)
	ctx := context.Background()

	var acks, naks int
	var mu sync.Mutex
	l.OnAck(func() {
		mu.Lock()
		acks++
		mu.Unlock()
	})
	l.OnNak(func() {
		mu.Lock()
		naks++
		mu.Unlock()
	})

	if err := l.SendEthernetFrame(ctx, []byte("f1")); err != nil {
		t.Fatalf("SendEthernetFrame() error: %v", err)
	}
	waitForFrames(t, sink, 1)
	if err := l.HandleInboundFrame(ctx, []byte{framing.NAK}); err != nil {
		t.Fatalf("HandleInboundFrame(NAK) error: %v", err)
	}
	waitForFrames(t, sink, 2)
	if err := l.HandleInboundFrame(ctx, []byte{framing.ACK}); err != nil {
		t.Fatalf("HandleInboundFrame(ACK) error: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		gotAcks, gotNaks := acks, naks
		mu.Unlock()
		if gotAcks == 1 && gotNaks == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("acks=%d naks=%d, want 1 and 1", gotAcks, gotNaks)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRetryExhaustionFiresOnDropped(t *testing.T) {
	t.Parallel()

	const attempts = 2
	l, sink, _ := newRunningLink(t, link.WithTxAttempts(attempts))
	ctx := context.Background()

	gotDropped := make(chan struct{})
	l.OnDropped(func(direction, reason string) {
		if direction != link.DirectionOutbound || reason != link.DropReasonRetryExhausted {
			t.Errorf("OnDropped(%q, %q), want (%q, %q)", direction, reason, link.DirectionOutbound, link.DropReasonRetryExhausted)
		}
		close(gotDropped)
	})

	if err := l.SendEthernetFrame(ctx, []byte("f1")); err != nil {
		t.Fatalf("SendEthernetFrame() error: %v", err)
	}
	for i := 0; i < attempts; i++ {
		waitForFrames(t, sink, i+1)
		if err := l.HandleInboundFrame(ctx, []byte{framing.NAK}); err != nil {
			t.Fatalf("HandleInboundFrame(NAK) error: %v", err)
		}
	}

	select {
	case <-gotDropped:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dropped callback")
	}
}

func TestUnknownFrameTypeFiresOnDropped(t *testing.T) {
	t.Parallel()

	l, _, _ := newRunningLink(t)
	ctx := context.Background()

	gotDropped := make(chan struct{})
	l.OnDropped(func(direction, reason string) {
		if direction != link.DirectionInbound || reason != link.DropReasonUnknownType {
			t.Errorf("OnDropped(%q, %q), want (%q, %q)", direction, reason, link.DirectionInbound, link.DropReasonUnknownType)
		}
		close(gotDropped)
	})

	if err := l.HandleInboundFrame(ctx, []byte{0xff, 0x01}); err != nil {
		t.Fatalf("HandleInboundFrame() error: %v", err)
	}

	select {
	case <-gotDropped:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dropped callback")
	}
}

func TestQueueDepthChangesReported(t *testing.T) {
	t.Parallel()

	l, sink, _ := newRunningLink(t)
	ctx := context.Background()

	depths := make(chan int, 8)
	l.OnQueueDepthChanged(func(depth int) {
		select {
		case depths <- depth:
		default:
		}
	})

	if err := l.SendEthernetFrame(ctx, []byte("f1")); err != nil {
		t.Fatalf("SendEthernetFrame() error: %v", err)
	}
	if err := l.SendEthernetFrame(ctx, []byte("f2")); err != nil {
		t.Fatalf("SendEthernetFrame() error: %v", err)
	}

	waitForFrames(t, sink, 1)

	select {
	case depth := <-depths:
		if depth < 1 {
			t.Fatalf("reported queue depth = %d, want >= 1", depth)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queue depth callback")
	}
}

func TestChildExitFiresDisconnected(t *testing.T) {
	t.Parallel()

	initialMAC, _ := ethernet.ParseAddr("aa:bb:cc:dd:ee:ff")
	l, _, _ := newRunningLink(t, link.WithInitialMAC(initialMAC), link.WithInitialMTU(9000))
	ctx := context.Background()

	gotDisconnected := make(chan struct{})
	l.OnDisconnected(func() { close(gotDisconnected) })

	reportedMAC, _ := ethernet.ParseAddr("02:00:00:00:00:02")
	body := sohBody(reportedMAC, 1500, 1, "tap0")
	if err := l.HandleInboundFrame(ctx, append([]byte{framing.SOH}, body...)); err != nil {
		t.Fatalf("HandleInboundFrame() error: %v", err)
	}

	l.HandleChildExit()

	select {
	case <-gotDisconnected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnected callback")
	}
}
