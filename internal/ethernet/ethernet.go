// Package ethernet implements EUI-48 MAC addresses and Ethernet II frame
// parsing/emission, including the EtherType registry that resolves an
// inner packet decoder (e.g. IPv6) from a frame's payload.
package ethernet

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/lpnet/tapbridge/internal/linkerrors"
)

// TypeIPv6 is the EtherType value that resolves to an IPv6 datagram.
const TypeIPv6 uint16 = 0x86dd

const addrLen = 6

// Addr is an EUI-48 MAC address.
type Addr [addrLen]byte

// ParseAddr parses a MAC address in six lowercase-or-uppercase hex pairs,
// separated uniformly by ':' or '-'. Mixed separators within one address
// are rejected.
func ParseAddr(s string) (Addr, error) {
	var sep byte
	switch {
	case strings.Contains(s, ":"):
		sep = ':'
	case strings.Contains(s, "-"):
		sep = '-'
	default:
		return Addr{}, fmt.Errorf("ethernet: invalid MAC address %q: %w", s, linkerrors.ErrMalformedHeader)
	}

	parts := strings.Split(s, string(sep))
	if len(parts) != addrLen {
		return Addr{}, fmt.Errorf("ethernet: invalid MAC address %q: %w", s, linkerrors.ErrMalformedHeader)
	}

	var a Addr
	for i, p := range parts {
		if len(p) != 2 || strings.ContainsAny(p, ":-") {
			return Addr{}, fmt.Errorf("ethernet: invalid MAC address %q: %w", s, linkerrors.ErrMalformedHeader)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return Addr{}, fmt.Errorf("ethernet: invalid MAC address %q: %w", s, linkerrors.ErrMalformedHeader)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// String returns the canonical lowercase colon-separated form.
func (a Addr) String() string {
	var b strings.Builder
	b.Grow(17)
	for i, o := range a {
		if i > 0 {
			b.WriteByte(':')
		}
		const hex = "0123456789abcdef"
		b.WriteByte(hex[o>>4])
		b.WriteByte(hex[o&0xf])
	}
	return b.String()
}

// IsLocallyAdministered reports whether bit 1 of the first octet is set.
func (a Addr) IsLocallyAdministered() bool {
	return a[0]&(1<<1) != 0
}

// IsMulticast reports whether bit 0 of the first octet is set.
func (a Addr) IsMulticast() bool {
	return a[0]&1 != 0
}

// InnerDecoder parses an Ethernet payload given its EtherType, returning a
// caller-defined representation of the inner packet.
type InnerDecoder func(payload []byte) (any, error)

// Registry maps EtherType values to inner-packet decoders. The zero value
// has no registrations; use NewRegistry for the default IPv6 mapping.
type Registry struct {
	decoders map[uint16]InnerDecoder
}

// NewRegistry returns a Registry with ipv6Decoder registered under
// TypeIPv6. Passing a nil decoder is valid — it simply leaves 0x86dd
// payloads unresolved.
func NewRegistry(ipv6Decoder InnerDecoder) *Registry {
	r := &Registry{decoders: make(map[uint16]InnerDecoder, 1)}
	if ipv6Decoder != nil {
		r.Register(TypeIPv6, ipv6Decoder)
	}
	return r
}

// Register adds or replaces the decoder for etherType.
func (r *Registry) Register(etherType uint16, dec InnerDecoder) {
	if r.decoders == nil {
		r.decoders = make(map[uint16]InnerDecoder)
	}
	r.decoders[etherType] = dec
}

func (r *Registry) lookup(etherType uint16) InnerDecoder {
	if r == nil {
		return nil
	}
	return r.decoders[etherType]
}

const headerLen = addrLen + addrLen + 2

// Frame is a parsed Ethernet II frame. Payload resolution via the
// EtherType registry is lazy: RawPayload is always available; Payload
// invokes the registered decoder each time it is called.
type Frame struct {
	Dest       Addr
	Source     Addr
	EtherType  uint16
	RawPayload []byte

	registry *Registry
}

// Parse reads a Frame from raw bytes: 6 octets destination, 6 octets
// source, 2 octets big-endian EtherType, and the remaining payload.
// registry may be nil, in which case Payload always returns RawPayload.
func Parse(raw []byte, registry *Registry) (Frame, error) {
	if len(raw) < headerLen {
		return Frame{}, fmt.Errorf("ethernet: frame too short (%d bytes): %w", len(raw), linkerrors.ErrMalformedHeader)
	}

	var f Frame
	copy(f.Dest[:], raw[0:6])
	copy(f.Source[:], raw[6:12])
	f.EtherType = binary.BigEndian.Uint16(raw[12:14])
	f.RawPayload = append([]byte(nil), raw[headerLen:]...)
	f.registry = registry
	return f, nil
}

// Payload resolves RawPayload through the EtherType registry, falling
// back to the raw bytes when no decoder is registered for EtherType or no
// registry was supplied.
func (f Frame) Payload() (any, error) {
	dec := f.registry.lookup(f.EtherType)
	if dec == nil {
		return f.RawPayload, nil
	}
	return dec(f.RawPayload)
}

// Bytes renders the frame back to wire format.
func (f Frame) Bytes() []byte {
	out := make([]byte, headerLen, headerLen+len(f.RawPayload))
	copy(out[0:6], f.Dest[:])
	copy(out[6:12], f.Source[:])
	binary.BigEndian.PutUint16(out[12:14], f.EtherType)
	out = append(out, f.RawPayload...)
	return out
}
