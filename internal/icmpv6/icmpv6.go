// Package icmpv6 implements ICMPv6 message parsing and emission as an
// ipv6.UpperLayer, computing its checksum from an explicitly supplied
// pseudo-header context rather than a back-reference to the enclosing
// datagram.
package icmpv6

import (
	"encoding/binary"
	"fmt"

	"github.com/lpnet/tapbridge/internal/inetchecksum"
	"github.com/lpnet/tapbridge/internal/ipv6"
	"github.com/lpnet/tapbridge/internal/linkerrors"
)

const headerLen = 12 // type(1) + code(1) + checksum(2) + message(8)

// Message is an ICMPv6 message: a type/code pair, an 8-octet
// type-specific body, and a variable-length payload.
type Message struct {
	Type    uint8
	Code    uint8
	Body    [8]byte
	Payload []byte
}

// Protocol returns ipv6.ProtocolICMPv6.
func (m Message) Protocol() uint8 { return ipv6.ProtocolICMPv6 }

// Parse reads a Message from the bytes following the IPv6 next-header
// chain. It does not verify the embedded checksum field.
func Parse(data []byte, _ ipv6.Context) (ipv6.UpperLayer, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("icmpv6: truncated message (%d bytes): %w", len(data), linkerrors.ErrMalformedHeader)
	}
	var m Message
	m.Type = data[0]
	m.Code = data[1]
	copy(m.Body[:], data[4:12])
	m.Payload = append([]byte(nil), data[12:]...)
	return m, nil
}

// Emit renders the message to wire bytes with its checksum computed over
// a pseudo-header built from ctx, laid out as in RFC 8200 §8.1 except
// that its upper-layer length field is 8 plus the payload length rather
// than the full message length. It returns
// linkerrors.ErrMissingContext if ctx carries the zero-value source and
// destination, since that cannot be a real datagram's addressing.
func (m Message) Emit(ctx ipv6.Context) ([]byte, error) {
	if ctx == (ipv6.Context{}) {
		return nil, fmt.Errorf("icmpv6: emit without datagram context: %w", linkerrors.ErrMissingContext)
	}

	out := make([]byte, headerLen, headerLen+len(m.Payload))
	out[0] = m.Type
	out[1] = m.Code
	copy(out[4:12], m.Body[:])
	out = append(out, m.Payload...)

	pseudo := make([]byte, 40)
	copy(pseudo[0:16], ctx.Source[:])
	copy(pseudo[16:32], ctx.Dest[:])
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(8+len(m.Payload)))
	pseudo[39] = ipv6.ProtocolICMPv6

	sum := inetchecksum.Sum(append(pseudo, out...), 0)
	binary.BigEndian.PutUint16(out[2:4], sum)
	return out, nil
}
