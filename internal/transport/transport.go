package transport

import (
	"io"

	"github.com/shigarus/telebroker/internal/wire"
)

// FrameParser validates a raw buffer as one source frame.
type FrameParser interface {
	Parse(buf []byte) (wire.Frame, error)
}

// FrameReader extracts one raw frame from a byte stream using the protocol's
// two-step exact-read shape.
type FrameReader interface {
	ReadFrame(r io.Reader) ([]byte, error)
}

// AckEncoder builds the 4-byte acknowledgement for a frame.
type AckEncoder interface {
	EncodeAck(ok bool, serial uint16) []byte
}

// Compile-time assertions that wire.Codec satisfies the capabilities.
var (
	_ FrameParser = wire.Codec{}
	_ FrameReader = wire.Codec{}
	_ AckEncoder  = wire.Codec{}
)
