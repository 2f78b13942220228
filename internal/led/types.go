package led

// Device geometry as wired on the reactor board: LED 0 is the core,
// LEDs 1..24 form the outer ring.
const (
	Count     = 25
	CoreIndex = 0
	RingCount = 24
)

// Color is an RGB triple as sent to the device. Channels are 8-bit on the
// wire, so the type cannot hold anything else.
type Color struct {
	R, G, B uint8
}

// LED is a color bound to a strip position.
//
// Note: index is kept as int for callers (UI sliders, JSON); codecs check
// it fits the single-byte wire slot.
type LED struct {
	Index int
	Color
}

// Channel coerces an arbitrary integer to an 8-bit channel value,
// saturating at 0 and 255.
func Channel(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// RGB builds a Color from unbounded integer channels.
func RGB(r, g, b int) Color { return Color{R: Channel(r), G: Channel(g), B: Channel(b)} }

// Named colors the firmware also understands as literal commands.
var (
	Black = Color{}
	Red   = Color{R: 255}
	Green = Color{G: 255}
	Blue  = Color{B: 255}
	Cyan  = Color{R: 58, G: 209, B: 228}
)

// Strip returns Count black LEDs indexed 0..Count-1.
func Strip() []LED {
	out := make([]LED, Count)
	for i := range out {
		out[i].Index = i
	}
	return out
}

// CopyFirst sets every LED to the color of the first one. It is a no-op for
// an empty slice.
func CopyFirst(leds []LED) {
	if len(leds) == 0 {
		return
	}
	c := leds[0].Color
	for i := 1; i < len(leds); i++ {
		leds[i].Color = c
	}
}

// Colors returns the colors of leds in slice order.
func Colors(leds []LED) []Color {
	out := make([]Color, len(leds))
	for i, l := range leds {
		out[i] = l.Color
	}
	return out
}
