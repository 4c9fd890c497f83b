package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shigarus/telebroker/internal/dispatch"
	"github.com/shigarus/telebroker/internal/hub"
	"github.com/shigarus/telebroker/internal/serial"
	"github.com/shigarus/telebroker/internal/wire"
)

// fakeSerialPort implements serial.Port for tests.
type fakeSerialPort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes [][]byte
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reads) {
		// after delivering all data, block briefly then return EOF repeatedly
		time.Sleep(10 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	n := copy(p, chunk)
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// TestInitSerialLinkBasic validates that a frame presented via the serial RX
// loop reaches the dispatcher pipeline: registry updated, ack written back to
// the port, fan-out to listeners.
func TestInitSerialLinkBasic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw := wire.Codec{}.Serialize(wire.Frame{
		Serial:   3,
		SourceID: "serialaa",
		State:    wire.StateActive,
		Items:    []wire.Item{{Name: [8]byte{'a', 's', 'd', 'f', 'q', 'w', 'e', 'r'}, Value: 7}},
	})
	// Split the frame across two reads to exercise the accumulator.
	port := &fakeSerialPort{reads: [][]byte{raw[:10], raw[10:]}}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		return port, nil
	}
	// restore after test
	defer func() { openSerialPort = serial.Open }()

	h := hub.New()
	h.OutBufSize = 8
	d := dispatch.New(h)
	cl := d.ListenerConnected()

	cfg := baseConfig()
	cfg.serialDev = "/dev/fake"
	var wg sync.WaitGroup
	cleanup, err := initSerialLink(ctx, cfg, d, setupLogger("text", "error", false), &wg)
	if err != nil {
		t.Fatalf("initSerialLink: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := d.Sources().Get("serialaa"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	src, ok := d.Sources().Get("serialaa")
	if !ok || src.Serial != 3 || src.State != wire.StateActive {
		t.Fatalf("serial frame did not reach the registry: %+v ok=%v", src, ok)
	}

	// Ack goes back over the port through the async writer.
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(port.written()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	writes := port.written()
	if len(writes) == 0 {
		t.Fatalf("no ack written to serial port")
	}
	if !bytes.Equal(writes[0], []byte{0x11, 0x00, 0x03, 0x12}) {
		t.Fatalf("serial ack mismatch: % X", writes[0])
	}

	// The listener sees announce + telemetry like any TCP-fed frame.
	select {
	case chunk := <-cl.Out:
		if !bytes.Contains(chunk, []byte("[serialaa] asdfqwer | 7\r\n")) {
			t.Fatalf("fan-out chunk mismatch: %q", chunk)
		}
		if !bytes.HasPrefix(chunk, []byte("[serialaa] 3 | ACTIVE | ")) {
			t.Fatalf("announce must lead the chunk: %q", chunk)
		}
	case <-time.After(time.Second):
		t.Fatalf("no fan-out from serial frame")
	}

	cancel()
	cleanup()
	wg.Wait()
}

// TestInitSerialLinkDisabled verifies an empty device is a no-op.
func TestInitSerialLinkDisabled(t *testing.T) {
	var wg sync.WaitGroup
	cfg := baseConfig()
	h := hub.New()
	cleanup, err := initSerialLink(context.Background(), cfg, dispatch.New(h), setupLogger("text", "error", false), &wg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cleanup()
	wg.Wait()
}

func TestNextSerialFrame(t *testing.T) {
	raw := wire.Codec{}.Serialize(wire.Frame{Serial: 1, SourceID: "serialaa", State: wire.StateIdle,
		Items: []wire.Item{{Name: [8]byte{'a', 's', 'd', 'f', 'q', 'w', 'e', 'r'}, Value: 1}}})
	acc := bytes.NewBuffer(nil)
	acc.Write(raw[:5])
	if got := nextSerialFrame(acc); got != nil {
		t.Fatalf("partial meta must not frame: % X", got)
	}
	acc.Write(raw[5:wire.MetaSize])
	if got := nextSerialFrame(acc); got != nil {
		t.Fatalf("meta without payload must not frame: % X", got)
	}
	acc.Write(raw[wire.MetaSize:])
	got := nextSerialFrame(acc)
	if !bytes.Equal(got, raw) {
		t.Fatalf("frame mismatch:\ngot  % X\nwant % X", got, raw)
	}
	if acc.Len() != 0 {
		t.Fatalf("accumulator should be drained, %d bytes left", acc.Len())
	}
}
