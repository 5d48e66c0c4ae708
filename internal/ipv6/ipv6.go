// Package ipv6 implements a fixed IPv6 header, its chain of extension
// headers, and the registry that resolves a terminal upper-layer protocol
// (such as ICMPv6) from the next-header chain.
package ipv6

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/lpnet/tapbridge/internal/linkerrors"
)

// ProtocolNoNextHeader is the next-header value meaning the chain ends
// with no upper-layer payload (RFC 8200 §4.7).
const ProtocolNoNextHeader uint8 = 59

// ProtocolICMPv6 is the next-header value identifying an ICMPv6 message.
const ProtocolICMPv6 uint8 = 58

const fixedHeaderLen = 40

// Address is a 128-bit IPv6 address.
type Address [16]byte

// ParseAddress parses s (any textual form net/netip accepts, e.g.
// "fe80::1") into an Address.
func ParseAddress(s string) (Address, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is6() {
		return Address{}, fmt.Errorf("ipv6: invalid address %q: %w", s, linkerrors.ErrMalformedHeader)
	}
	return Address(addr.As16()), nil
}

// String renders the address in its canonical textual form.
func (a Address) String() string {
	return netip.AddrFrom16(a).String()
}

// Context carries the source and destination addresses an upper-layer
// protocol needs to build its pseudo-header, passed explicitly at parse
// and emit time rather than held as a back-reference to the Datagram.
type Context struct {
	Source Address
	Dest   Address
}

// UpperLayer is a terminal protocol riding atop the extension header
// chain (ICMPv6, or the raw remainder that follows a NoNextHeader value).
type UpperLayer interface {
	// Protocol returns this payload's own protocol number, used as the
	// next_header value of the header preceding it in the chain.
	Protocol() uint8
	// Emit renders the upper-layer payload to wire bytes, given the
	// datagram context it needs for checksumming. It returns
	// linkerrors.ErrMissingContext if ctx is the zero value and the
	// protocol cannot emit without a real source/destination pair.
	Emit(ctx Context) ([]byte, error)
}

// TerminalDecoder parses a terminal upper-layer payload out of the bytes
// remaining after the extension header chain.
type TerminalDecoder func(data []byte, ctx Context) (UpperLayer, error)

// Registry maps next-header protocol numbers to terminal decoders.
// ProtocolNoNextHeader is always handled internally and cannot be
// overridden.
type Registry struct {
	terminal map[uint8]TerminalDecoder
}

// NewRegistry returns a Registry with icmp6 registered under
// ProtocolICMPv6. icmp6 may be nil; protocol 58 is then treated like any
// other unregistered next-header value and parsed as a generic
// ExtensionHeader.
func NewRegistry(icmp6 TerminalDecoder) *Registry {
	r := &Registry{terminal: make(map[uint8]TerminalDecoder, 1)}
	if icmp6 != nil {
		r.terminal[ProtocolICMPv6] = icmp6
	}
	return r
}

func (r *Registry) lookup(protocol uint8) TerminalDecoder {
	if r == nil {
		return nil
	}
	return r.terminal[protocol]
}

// rawUpperLayer is the terminus of a chain that ends in NoNextHeader,
// holding whatever bytes (possibly none) follow that value.
type rawUpperLayer struct {
	protocol uint8
	data     []byte
}

func (u rawUpperLayer) Protocol() uint8 { return u.protocol }
func (u rawUpperLayer) Emit(Context) ([]byte, error) { return u.data, nil }

// ExtensionHeader is a generic IPv6 extension header: a two-octet
// next-header/length prefix followed by 6 + 8*extLen octets of header
// data, per the encoding this codec shares across all unrecognized
// next-header values.
type ExtensionHeader struct {
	HeaderType uint8
	Data       []byte
}

// Protocol returns the header's own type, used as the preceding header's
// next-header value when chaining.
func (h ExtensionHeader) Protocol() uint8 { return h.HeaderType }

func parseExtensionHeader(headerType uint8, raw []byte) (ExtensionHeader, uint8, []byte, error) {
	if len(raw) < 2 {
		return ExtensionHeader{}, 0, nil, fmt.Errorf("ipv6: truncated extension header: %w", linkerrors.ErrMalformedHeader)
	}
	nextHeader := raw[0]
	extLen := int(raw[1])
	dataLen := 6 + extLen*8
	if len(raw) < 2+dataLen {
		return ExtensionHeader{}, 0, nil, fmt.Errorf("ipv6: truncated extension header: %w", linkerrors.ErrMalformedHeader)
	}
	data := append([]byte(nil), raw[2:2+dataLen]...)
	remainder := raw[2+dataLen:]
	return ExtensionHeader{HeaderType: headerType, Data: data}, nextHeader, remainder, nil
}

// dump renders the header, zero-padding Data at the edge to the next
// 8-octet unit boundary when it does not already land on one (the
// length encoding can only express whole 8-octet units).
func (h ExtensionHeader) dump(nextHeader uint8) []byte {
	data := h.Data
	if len(data) < 6 {
		data = append(append([]byte(nil), data...), make([]byte, 6-len(data))...)
	}
	if rem := (len(data) - 6) % 8; rem != 0 {
		data = append(append([]byte(nil), data...), make([]byte, 8-rem)...)
	}
	extLen := (len(data) - 6) / 8

	out := make([]byte, 2, 2+len(data))
	out[0] = nextHeader
	out[1] = byte(extLen)
	out = append(out, data...)
	return out
}

// Datagram is a parsed IPv6 datagram: the fixed header, an ordered chain
// of extension headers, and the terminal upper-layer payload.
type Datagram struct {
	TrafficClass uint8
	FlowLabel    uint32 // low 20 bits significant
	HopLimit     uint8
	Source       Address
	Dest         Address
	Headers      []ExtensionHeader
	UpperLayer   UpperLayer
}

// Parse reads a Datagram from raw bytes, walking the next-header chain
// through reg until a terminal protocol is reached or the payload is
// exhausted.
func Parse(raw []byte, reg *Registry) (Datagram, error) {
	if len(raw) < fixedHeaderLen {
		return Datagram{}, fmt.Errorf("ipv6: datagram too short (%d bytes): %w", len(raw), linkerrors.ErrMalformedHeader)
	}

	vtcfl := binary.BigEndian.Uint32(raw[0:4])
	version := byte(vtcfl >> 28)
	if version != 6 {
		return Datagram{}, fmt.Errorf("ipv6: version %d is not IPv6: %w", version, linkerrors.ErrMalformedHeader)
	}

	d := Datagram{
		TrafficClass: uint8(vtcfl >> 20),
		FlowLabel:    vtcfl & 0xfffff,
		HopLimit:     raw[7],
	}
	copy(d.Source[:], raw[8:24])
	copy(d.Dest[:], raw[24:40])

	payloadLen := binary.BigEndian.Uint16(raw[4:6])
	nextHeader := raw[6]
	rest := raw[fixedHeaderLen:]
	if int(payloadLen) > len(rest) {
		return Datagram{}, fmt.Errorf("ipv6: payload_len %d exceeds %d available bytes: %w", payloadLen, len(rest), linkerrors.ErrMalformedHeader)
	}
	rest = rest[:payloadLen]

	ctx := Context{Source: d.Source, Dest: d.Dest}
	cur := nextHeader
	for {
		if cur == ProtocolNoNextHeader {
			d.UpperLayer = rawUpperLayer{protocol: ProtocolNoNextHeader, data: append([]byte(nil), rest...)}
			break
		}
		if len(rest) == 0 {
			break
		}
		if dec := reg.lookup(cur); dec != nil {
			ul, err := dec(rest, ctx)
			if err != nil {
				return Datagram{}, err
			}
			d.UpperLayer = ul
			break
		}
		hdr, next, remainder, err := parseExtensionHeader(cur, rest)
		if err != nil {
			return Datagram{}, err
		}
		d.Headers = append(d.Headers, hdr)
		cur = next
		rest = remainder
	}

	return d, nil
}

// Bytes renders the datagram back to wire format, recomputing the
// next-header chain and deferring to UpperLayer.Emit for the terminal
// payload (and whatever checksum that protocol needs to compute). It
// panics if UpperLayer.Emit returns an error; callers that need the
// error should call Emit instead when UpperLayer may reject the context.
func (d Datagram) Bytes() []byte {
	out, err := d.Emit()
	if err != nil {
		panic(err)
	}
	return out
}

// Emit renders the datagram to wire format, surfacing any error the
// terminal UpperLayer's Emit returns (notably ErrMissingContext).
func (d Datagram) Emit() ([]byte, error) {
	var body []byte
	for i, h := range d.Headers {
		var next uint8
		switch {
		case i+1 < len(d.Headers):
			next = d.Headers[i+1].Protocol()
		case d.UpperLayer != nil:
			next = d.UpperLayer.Protocol()
		default:
			next = ProtocolNoNextHeader
		}
		body = append(body, h.dump(next)...)
	}

	if d.UpperLayer != nil {
		ctx := Context{Source: d.Source, Dest: d.Dest}
		ulBytes, err := d.UpperLayer.Emit(ctx)
		if err != nil {
			return nil, err
		}
		body = append(body, ulBytes...)
	}

	firstNext := ProtocolNoNextHeader
	switch {
	case len(d.Headers) > 0:
		firstNext = d.Headers[0].Protocol()
	case d.UpperLayer != nil:
		firstNext = d.UpperLayer.Protocol()
	}

	out := make([]byte, fixedHeaderLen, fixedHeaderLen+len(body))
	vtcfl := uint32(6)<<28 | uint32(d.TrafficClass)<<20 | (d.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(out[0:4], vtcfl)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(body)))
	out[6] = firstNext
	out[7] = d.HopLimit
	copy(out[8:24], d.Source[:])
	copy(out[24:40], d.Dest[:])
	return append(out, body...), nil
}
