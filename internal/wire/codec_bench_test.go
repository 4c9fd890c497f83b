package wire

import (
	"bytes"
	"testing"
)

func benchFrame(items int) []byte {
	buf := mkMeta(42, "asdfghjk", byte(StateActive), byte(items))
	for i := 0; i < items; i++ {
		buf = append(buf, mkRecord("uierwuie", uint32(i))...)
	}
	return buf
}

func BenchmarkParse(b *testing.B) {
	c := Codec{}
	buf := benchFrame(16)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = c.Parse(buf)
	}
}

func BenchmarkSerialize(b *testing.B) {
	c := Codec{}
	fr, _ := c.Parse(benchFrame(16))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = c.Serialize(fr)
	}
}

func BenchmarkReadFrame(b *testing.B) {
	c := Codec{}
	buf := benchFrame(16)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r := bytes.NewReader(buf)
		_, _ = c.ReadFrame(r)
	}
}
