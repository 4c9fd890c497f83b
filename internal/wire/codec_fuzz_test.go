package wire

import (
	"bytes"
	"testing"
)

// FuzzParse ensures the parser doesn't panic on arbitrary input and that a
// frame surviving Parse round-trips through Serialize when no record is
// corrupt.
func FuzzParse(f *testing.F) {
	c := Codec{}
	f.Add([]byte{})
	f.Add(mkMeta(0, "asdfghjk", 0x01, 0))
	f.Add(append(mkMeta(1, "basderty", 0x02, 1), mkRecord("asdfqwer", 7)...))
	f.Fuzz(func(t *testing.T, data []byte) {
		fr, err := c.Parse(data)
		if err != nil {
			return
		}
		clean := true
		for _, it := range fr.Items {
			if it.Corrupt {
				clean = false
				break
			}
		}
		if clean && !bytes.Equal(c.Serialize(fr), data) {
			t.Fatalf("round-trip mismatch for % X", data)
		}
	})
}

// FuzzReadFrame ensures stream framing doesn't panic or over-read.
func FuzzReadFrame(f *testing.F) {
	c := Codec{}
	f.Add([]byte{0x01})
	f.Add(mkMeta(2, "asdfghjk", 0x03, 0))
	f.Add(append(mkMeta(3, "asdfghjk", 0x01, 2), bytes.Repeat([]byte{0xAB}, 2*RecordSize)...))
	f.Fuzz(func(t *testing.T, data []byte) {
		r := bytes.NewReader(data)
		raw, err := c.ReadFrame(r)
		if err != nil {
			return
		}
		if len(raw) < MetaSize {
			t.Fatalf("frame shorter than meta: %d", len(raw))
		}
		if want := MetaSize + int(raw[12])*RecordSize; len(raw) != want {
			t.Fatalf("frame length %d does not match advertised %d", len(raw), want)
		}
	})
}
