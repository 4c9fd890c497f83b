package dispatch

import (
	"strconv"
	"time"

	"github.com/shigarus/telebroker/internal/registry"
	"github.com/shigarus/telebroker/internal/wire"
)

// appendAnnounceLine appends "[id] serial | STATE | ms\r\n" to b. The last
// field is the milliseconds between now and the source's LastReceived, with
// one fractional digit; it can go negative if the wall clock stepped back.
func appendAnnounceLine(b []byte, s registry.Source, now time.Time) []byte {
	ms := float64(now.Sub(s.LastReceived)) / float64(time.Millisecond)
	b = append(b, '[')
	b = append(b, s.ID...)
	b = append(b, "] "...)
	b = strconv.AppendUint(b, uint64(s.Serial), 10)
	b = append(b, " | "...)
	b = append(b, s.State.String()...)
	b = append(b, " | "...)
	b = strconv.AppendFloat(b, ms, 'f', 1, 64)
	b = append(b, "\r\n"...)
	return b
}

// appendTelemetryLine appends "[id] name | value\r\n" to b. The name's 8
// bytes are passed through unchanged.
func appendTelemetryLine(b []byte, sourceID string, it wire.Item) []byte {
	b = append(b, '[')
	b = append(b, sourceID...)
	b = append(b, "] "...)
	b = append(b, it.Name[:]...)
	b = append(b, " | "...)
	b = strconv.AppendUint(b, uint64(it.Value), 10)
	b = append(b, "\r\n"...)
	return b
}
