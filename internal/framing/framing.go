// Package framing implements the DLE-escaped, STX/ETX-delimited byte
// stuffing used to carry agent link frames over a child process's stdio
// pipes.
package framing

import (
	"bytes"

	"github.com/lpnet/tapbridge/internal/linkerrors"
)

// Control octets of the link protocol. Only DLE, STX and ETX are escaped
// inside a frame body; SOH, EOT, ACK, NAK, SYN and FS are frame-type
// prefixes and pass through untouched — they are only interpreted as a
// type once a frame has been fully de-stuffed.
const (
	SOH byte = 0x01
	STX byte = 0x02
	ETX byte = 0x03
	EOT byte = 0x04
	ACK byte = 0x06
	DLE byte = 0x10
	NAK byte = 0x15
	SYN byte = 0x16
	FS  byte = 0x1c
)

// Escape byte values following a DLE.
const (
	escDLE byte = 'p'
	escSTX byte = 'b'
	escETX byte = 'c'
)

// Wrap applies DLE-escaping to payload and delimits it with STX/ETX.
//
// Substitutions are applied in the order DLE, then STX, then ETX: escaping
// DLE first means the DLE bytes introduced by the STX/ETX substitutions are
// never themselves re-escaped.
func Wrap(payload []byte) []byte {
	escaped := bytes.ReplaceAll(payload, []byte{DLE}, []byte{DLE, escDLE})
	escaped = bytes.ReplaceAll(escaped, []byte{STX}, []byte{DLE, escSTX})
	escaped = bytes.ReplaceAll(escaped, []byte{ETX}, []byte{DLE, escETX})

	out := make([]byte, 0, len(escaped)+2)
	out = append(out, STX)
	out = append(out, escaped...)
	out = append(out, ETX)
	return out
}

// Decoder is a streaming de-stuffing state machine fed by successive reads
// from a child process's stdout. It is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next extracts and returns the next complete de-stuffed frame from the
// buffer, if any. ok is false when no complete frame is currently
// available (the caller should Feed more bytes and try again).
//
// Bytes preceding the first STX are discarded (resynchronization). A
// frame whose reverse substitution leaves a dangling DLE at its end is
// dropped — err wraps linkerrors.ErrMalformedFrame — but the buffer still
// advances past that frame's ETX. Callers should keep calling Next in a
// loop until it returns ok=false, err=nil.
func (d *Decoder) Next() (frame []byte, ok bool, err error) {
	stx := bytes.IndexByte(d.buf, STX)
	if stx < 0 {
		d.buf = d.buf[:0]
		return nil, false, nil
	}
	if stx > 0 {
		d.buf = d.buf[stx:]
	}

	etx := bytes.IndexByte(d.buf[1:], ETX)
	if etx < 0 {
		// Incomplete frame; wait for more bytes.
		return nil, false, nil
	}
	etx++ // account for the [1:] slice offset above.

	raw := d.buf[1:etx]
	d.buf = d.buf[etx+1:]

	unescaped, uerr := unstuff(raw)
	if uerr != nil {
		return nil, false, linkerrors.ErrMalformedFrame
	}
	return unescaped, true, nil
}

// unstuff reverse-substitutes DLE escapes: DLE,'b' -> STX, DLE,'c' -> ETX,
// DLE,'p' -> DLE, applied in that order. A DLE with no following byte is a
// dangling escape and fails.
func unstuff(raw []byte) ([]byte, error) {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != DLE {
			out = append(out, b)
			continue
		}
		if i+1 >= len(raw) {
			return nil, linkerrors.ErrMalformedFrame
		}
		switch raw[i+1] {
		case escSTX:
			out = append(out, STX)
		case escETX:
			out = append(out, ETX)
		case escDLE:
			out = append(out, DLE)
		default:
			out = append(out, raw[i+1])
		}
		i++
	}
	return out, nil
}
