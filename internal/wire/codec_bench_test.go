package wire

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-arcreactor/internal/led"
)

func BenchmarkCodec_EncodeBatch_Full(b *testing.B) {
	c := Codec{}
	cmd := SetLedBatch{Colors: make([]led.Color, MaxBatchLEDs)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.Encode(cmd)
	}
}

func BenchmarkCodec_DecodeN_64(b *testing.B) {
	c := Codec{}
	var stream bytes.Buffer
	for i := 0; i < 64; i++ {
		fr, _ := EncodeFrame("87.5")
		stream.Write(fr)
	}
	wire := stream.Bytes()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.DecodeN(bytes.NewReader(wire), 0, func(string) {})
	}
}
