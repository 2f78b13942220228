// Package rfcomm opens Bluetooth RFCOMM (serial port profile) streams.
package rfcomm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadAddress is returned for strings that are not AA:BB:CC:DD:EE:FF.
var ErrBadAddress = errors.New("rfcomm: bad bluetooth address")

// DefaultChannel is the RFCOMM channel SPP peripherals almost always listen on.
const DefaultChannel = 1

// ParseAddress converts a textual Bluetooth address into the byte order the
// kernel expects in sockaddr_rc (least significant octet first).
func ParseAddress(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return out, fmt.Errorf("%w: %q", ErrBadAddress, s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("%w: %q", ErrBadAddress, s)
		}
		out[5-i] = byte(v)
	}
	return out, nil
}

// FormatAddress is the inverse of ParseAddress.
func FormatAddress(b [6]byte) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}
