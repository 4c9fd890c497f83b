package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/shigarus/telebroker/internal/metrics"
)

// Codec parses and serializes source-protocol frames and acknowledgements.
// Stateless and safe for concurrent use.
type Codec struct{}

// ErrShortFrame is returned when a buffer is shorter than the 13-byte meta block.
var ErrShortFrame = errors.New("wire: frame shorter than meta block")

// ErrBadHeader is returned when byte 0 is not the frame header.
var ErrBadHeader = errors.New("wire: bad frame header")

// ErrBadState is returned when the state byte is outside 0x01..0x03.
var ErrBadState = errors.New("wire: unknown source state")

// ErrBadLength is returned when the payload length does not match the record count.
var ErrBadLength = errors.New("wire: payload length mismatch")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// XOR folds bitwise XOR over b. XOR of the empty slice is 0x00, which keeps
// XOR(b || XOR(b)) == 0 for every b.
func XOR(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// Parse validates buf as one complete source frame. The frame is rejected as a
// whole for a short buffer, bad header, unknown state, or a payload that does
// not match the advertised record count. A record failing its own XOR check
// does not reject the frame: it is kept in Items with Corrupt set, preserving
// count and order.
func (Codec) Parse(buf []byte) (Frame, error) {
	var f Frame
	if len(buf) < MetaSize {
		metrics.IncMalformed()
		return f, fmt.Errorf("%w (%d bytes)", ErrShortFrame, len(buf))
	}
	if buf[0] != FrameHeader {
		metrics.IncMalformed()
		return f, fmt.Errorf("%w 0x%02X", ErrBadHeader, buf[0])
	}
	st := State(buf[11])
	if !st.Valid() {
		metrics.IncMalformed()
		return f, fmt.Errorf("%w 0x%02X", ErrBadState, buf[11])
	}
	n := int(buf[12])
	payload := buf[MetaSize:]
	if len(payload) != n*RecordSize {
		metrics.IncMalformed()
		return f, fmt.Errorf("%w: %d records, %d payload bytes", ErrBadLength, n, len(payload))
	}
	f.Serial = binary.BigEndian.Uint16(buf[1:3])
	f.SourceID = string(buf[3 : 3+IDSize])
	f.State = st
	if n > 0 {
		f.Items = make([]Item, n)
		for i := range f.Items {
			rec := payload[i*RecordSize : (i+1)*RecordSize]
			if XOR(rec[:RecordSize-1]) != rec[RecordSize-1] {
				metrics.IncCorruptRecord()
				f.Items[i] = Item{Corrupt: true}
				continue
			}
			copy(f.Items[i].Name[:], rec[:IDSize])
			f.Items[i].Value = binary.BigEndian.Uint32(rec[IDSize : IDSize+4])
		}
	}
	return f, nil
}

// Serialize builds the wire form of f, computing each record checksum. The
// Corrupt flag is ignored; corrupt wire bytes are something only a peer (or a
// test) produces.
func (Codec) Serialize(f Frame) []byte {
	buf := make([]byte, MetaSize, MetaSize+len(f.Items)*RecordSize)
	buf[0] = FrameHeader
	binary.BigEndian.PutUint16(buf[1:3], f.Serial)
	copy(buf[3:3+IDSize], f.SourceID)
	buf[11] = byte(f.State)
	buf[12] = byte(len(f.Items))
	for _, it := range f.Items {
		var rec [RecordSize]byte
		copy(rec[:IDSize], it.Name[:])
		binary.BigEndian.PutUint32(rec[IDSize:IDSize+4], it.Value)
		rec[RecordSize-1] = XOR(rec[:RecordSize-1])
		buf = append(buf, rec[:]...)
	}
	return buf
}

// EncodeAck builds the 4-byte acknowledgement: header, echoed serial (zero on
// failure), XOR of the preceding three bytes.
func (Codec) EncodeAck(ok bool, serial uint16) []byte {
	b := make([]byte, AckSize)
	if ok {
		b[0] = AckOK
		binary.BigEndian.PutUint16(b[1:3], serial)
	} else {
		b[0] = AckFail
	}
	b[3] = XOR(b[:3])
	return b
}

// ReadFrame extracts one raw frame from r in the protocol's two-step shape:
// the 13-byte meta block, then meta[12]*13 payload bytes, each via an exact
// read. The returned buffer is the concatenation, ready for Parse. A clean EOF
// before the first meta byte is io.EOF; an EOF anywhere else is a torn frame
// and reported as ErrTruncatedFrame.
func (Codec) ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, MetaSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
		}
		return nil, err
	}
	n := int(buf[12])
	if n == 0 {
		return buf, nil
	}
	buf = append(buf, make([]byte, n*RecordSize)...)
	if _, err := io.ReadFull(r, buf[MetaSize:]); err != nil {
		metrics.IncMalformed()
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
	}
	return buf, nil
}
