package ethernet_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lpnet/tapbridge/internal/ethernet"
	"github.com/lpnet/tapbridge/internal/linkerrors"
)

func TestParseAddrAcceptsColonOrDash(t *testing.T) {
	t.Parallel()

	colon, err := ethernet.ParseAddr("02:00:00:00:00:01")
	if err != nil {
		t.Fatalf("ParseAddr(colon) error: %v", err)
	}
	dash, err := ethernet.ParseAddr("02-00-00-00-00-01")
	if err != nil {
		t.Fatalf("ParseAddr(dash) error: %v", err)
	}
	if colon != dash {
		t.Fatalf("colon and dash forms parsed differently: %v != %v", colon, dash)
	}
	if colon.String() != "02:00:00:00:00:01" {
		t.Fatalf("String() = %q, want canonical colon form", colon.String())
	}
}

func TestParseAddrRejectsMixedSeparators(t *testing.T) {
	t.Parallel()

	_, err := ethernet.ParseAddr("02:00-00:00:00:01")
	if !errors.Is(err, linkerrors.ErrMalformedHeader) {
		t.Fatalf("err = %v, want ErrMalformedHeader", err)
	}
}

func TestParseAddrRejectsWrongFieldCount(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"02:00:00:00:01", "", "02:00:00:00:00:01:02"} {
		if _, err := ethernet.ParseAddr(s); !errors.Is(err, linkerrors.ErrMalformedHeader) {
			t.Fatalf("ParseAddr(%q) err = %v, want ErrMalformedHeader", s, err)
		}
	}
}

func TestAddrIsLocallyAdministeredAndMulticast(t *testing.T) {
	t.Parallel()

	global, _ := ethernet.ParseAddr("00:00:00:00:00:01")
	local, _ := ethernet.ParseAddr("02:00:00:00:00:01")
	multicast, _ := ethernet.ParseAddr("33:33:00:00:00:01")

	if global.IsLocallyAdministered() || global.IsMulticast() {
		t.Fatalf("00:00:00:00:00:01 should be neither local nor multicast")
	}
	if !local.IsLocallyAdministered() {
		t.Fatalf("02:00:00:00:00:01 should be locally administered")
	}
	if !multicast.IsMulticast() {
		t.Fatalf("33:33:00:00:00:01 should be multicast")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	dest, _ := ethernet.ParseAddr("ff:ff:ff:ff:ff:ff")
	src, _ := ethernet.ParseAddr("02:00:00:00:00:01")
	f := ethernet.Frame{Dest: dest, Source: src, EtherType: ethernet.TypeIPv6, RawPayload: []byte("datagram")}

	raw := f.Bytes()
	got, err := ethernet.Parse(raw, nil)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Dest != dest || got.Source != src || got.EtherType != ethernet.TypeIPv6 {
		t.Fatalf("Parse() header mismatch: %+v", got)
	}
	if !bytes.Equal(got.RawPayload, []byte("datagram")) {
		t.Fatalf("RawPayload = %q, want %q", got.RawPayload, "datagram")
	}
}

func TestParseRejectsShortFrame(t *testing.T) {
	t.Parallel()

	_, err := ethernet.Parse([]byte{0x01, 0x02, 0x03}, nil)
	if !errors.Is(err, linkerrors.ErrMalformedHeader) {
		t.Fatalf("err = %v, want ErrMalformedHeader", err)
	}
}

func TestPayloadResolvesThroughRegistry(t *testing.T) {
	t.Parallel()

	var calledWith []byte
	reg := ethernet.NewRegistry(func(payload []byte) (any, error) {
		calledWith = payload
		return "decoded-ipv6", nil
	})

	dest, _ := ethernet.ParseAddr("ff:ff:ff:ff:ff:ff")
	src, _ := ethernet.ParseAddr("02:00:00:00:00:01")
	f, err := ethernet.Parse(ethernet.Frame{Dest: dest, Source: src, EtherType: ethernet.TypeIPv6, RawPayload: []byte{0xaa, 0xbb}}.Bytes(), reg)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	got, err := f.Payload()
	if err != nil {
		t.Fatalf("Payload() error: %v", err)
	}
	if got != "decoded-ipv6" {
		t.Fatalf("Payload() = %v, want decoded-ipv6", got)
	}
	if !bytes.Equal(calledWith, []byte{0xaa, 0xbb}) {
		t.Fatalf("decoder called with %x, want aabb", calledWith)
	}
}

func TestPayloadFallsBackToRawWithoutDecoder(t *testing.T) {
	t.Parallel()

	dest, _ := ethernet.ParseAddr("ff:ff:ff:ff:ff:ff")
	src, _ := ethernet.ParseAddr("02:00:00:00:00:01")
	f, err := ethernet.Parse(ethernet.Frame{Dest: dest, Source: src, EtherType: 0x0800, RawPayload: []byte{0x01}}.Bytes(), ethernet.NewRegistry(nil))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	got, err := f.Payload()
	if err != nil {
		t.Fatalf("Payload() error: %v", err)
	}
	raw, ok := got.([]byte)
	if !ok || !bytes.Equal(raw, []byte{0x01}) {
		t.Fatalf("Payload() = %v, want raw []byte{0x01}", got)
	}
}
