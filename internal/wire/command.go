package wire

import (
	"fmt"

	"github.com/kstaniek/go-arcreactor/internal/led"
)

// Command is one outbound device command. The set of implementations is
// closed: Literal, SetSingleLed, SetLedBatch and SetRing.
type Command interface {
	fmt.Stringer
	body() ([]byte, error)
}

// Literal is a plain text command interpreted by the firmware's mode switch.
type Literal string

// Literal commands understood by the firmware.
const (
	Pulse   Literal = "pulse"
	Startup Literal = "startup"
	Black   Literal = "black"
	Battery Literal = "batt"
	Dim     Literal = "dim"
	Red     Literal = "red"
	Green   Literal = "green"
	Blue    Literal = "blue"
)

// Known reports whether l is one of the firmware's literal commands.
func (l Literal) Known() bool {
	switch l {
	case Pulse, Startup, Black, Battery, Dim, Red, Green, Blue:
		return true
	}
	return false
}

func (l Literal) String() string { return string(l) }

func (l Literal) body() ([]byte, error) {
	if err := validLiteral(string(l)); err != nil {
		return nil, err
	}
	return []byte(l), nil
}

// SetSingleLed sets one LED.
type SetSingleLed struct {
	Index int
	Color led.Color
}

func (c SetSingleLed) String() string { return fmt.Sprintf("led[%d]", c.Index) }

func (c SetSingleLed) body() ([]byte, error) {
	if c.Index < 0 || c.Index > MaxLEDIndex {
		return nil, fmt.Errorf("%w: led index %d out of range 0..%d", ErrInvalidCommand, c.Index, MaxLEDIndex)
	}
	return EncodeSingleLed(uint8(c.Index), c.Color), nil
}

// SetLedBatch sets LEDs 0..len(Colors)-1 in one command.
type SetLedBatch struct {
	Colors []led.Color
}

func (c SetLedBatch) String() string { return fmt.Sprintf("batch[%d]", len(c.Colors)) }

func (c SetLedBatch) body() ([]byte, error) {
	if len(c.Colors) == 0 || len(c.Colors) > MaxBatchLEDs {
		return nil, fmt.Errorf("%w: batch of %d leds (want 1..%d)", ErrInvalidCommand, len(c.Colors), MaxBatchLEDs)
	}
	return EncodeBatch(c.Colors), nil
}

// SetRing sets every ring LED (all but the core) to one color.
type SetRing struct {
	Color led.Color
}

func (c SetRing) String() string { return "ring" }

func (c SetRing) body() ([]byte, error) { return EncodeRing(c.Color), nil }
