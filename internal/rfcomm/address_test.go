package rfcomm

import (
	"errors"
	"testing"
)

func TestParseAddressReversesOctets(t *testing.T) {
	b, err := ParseAddress("00:11:22:AA:bb:FF")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := [6]byte{0xFF, 0xBB, 0xAA, 0x22, 0x11, 0x00}
	if b != want {
		t.Fatalf("got % X want % X", b, want)
	}
	if s := FormatAddress(b); s != "00:11:22:AA:BB:FF" {
		t.Fatalf("format: %s", s)
	}
}

func TestParseAddressRejects(t *testing.T) {
	for _, s := range []string{"", "00:11:22:33:44", "00:11:22:33:44:55:66", "0:11:22:33:44:55", "GG:11:22:33:44:55", "00-11-22-33-44-55"} {
		if _, err := ParseAddress(s); !errors.Is(err, ErrBadAddress) {
			t.Fatalf("%q: expected ErrBadAddress, got %v", s, err)
		}
	}
}
