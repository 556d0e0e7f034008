// Package transport owns the open serial handle to the programming
// adapter and performs framed byte-level I/O: write-then-read-until-
// sentinel, fixed-length reads, and raw chunk writes. It knows nothing
// about the protocol's verbs or semantics, only the three byte-level
// exchanges the adapter supports.
//
// Grounded on driver/mjolnir's device-open pattern (a single fixed-baud
// *serial.Port opened by name) and on the original adapter driver's
// serial.rs (communicate = write + read-to-sentinel, read_data's strict
// byte-exact reads, write_chunk's write-then-drain).
package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

const (
	baudRate       = 9600
	readTimeout    = 500 * time.Millisecond
	sentinel       = "***"
	windowSize     = 256
	maxWindowReads = 200
)

// Port is the byte-level interface a Transport drives. *serial.Port
// satisfies it; tests substitute an in-process io.ReadWriteCloser.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// Transport serializes all exchanges with a single Port. Exactly one
// Transport is live per process; callers must not run two exchanges
// concurrently on the same underlying Port.
type Transport struct {
	port Port
}

// Open opens device at 9600 baud with a 500ms read timeout. If device
// is empty, the first serial port the host enumerates is used, the
// same first-match strategy driver/mjolnir's Open uses for its default
// device list.
func Open(device string) (*Transport, error) {
	devices := []string{device}
	if device == "" {
		var err error
		devices, err = enumerate()
		if err != nil {
			return nil, err
		}
	}
	var firstErr error
	for _, dev := range devices {
		cfg := &serial.Config{Name: dev, Baud: baudRate, ReadTimeout: readTimeout}
		p, err := serial.OpenPort(cfg)
		if err == nil {
			return New(p), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("transport: no serial port available")
	}
	return nil, fmt.Errorf("transport: open: %w", firstErr)
}

// New wraps an already-open Port, used directly by tests with a mock
// adapter in place of a real serial line.
func New(port Port) *Transport {
	return &Transport{port: port}
}

func (t *Transport) Close() error {
	return t.port.Close()
}

// send clears any stale buffered data (when the Port supports Flush)
// and then writes the request in full. It underlies both Exchange and the raw read_exact-framed
// sub-commands (rd/spird), which write their request line the same
// way but then read their reply with ReadExact instead of Exchange.
func (t *Transport) send(request []byte) error {
	if f, ok := t.port.(flusher); ok {
		f.Flush()
	}
	if _, err := t.port.Write(request); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

type flusher interface {
	Flush() error
}

// Send writes request as-is, for sub-commands whose reply is read
// with ReadExact rather than Exchange (rd, spird).
func (t *Transport) Send(request []byte) error {
	return t.send(request)
}

// Exchange clears the output buffer, writes request, then reads in
// 256-byte windows until the three-byte sentinel appears, returning
// everything read before it. Bounded by maxWindowReads window
// attempts; a timeout on any single window is tolerated and does not
// end the loop early. If the sentinel is never observed within the
// bound, Exchange returns the accumulated body with no error -- the
// protocol layer classifies the result as a failure by keyword match.
func (t *Transport) Exchange(request []byte) ([]byte, error) {
	if err := t.send(request); err != nil {
		return nil, err
	}
	return t.readToSentinel()
}

func (t *Transport) readToSentinel() ([]byte, error) {
	var out []byte
	window := make([]byte, windowSize)
	for i := 0; i < maxWindowReads; i++ {
		n, err := t.port.Read(window)
		if n == 0 && err != nil {
			// Tolerate read timeouts; they don't terminate the loop.
			continue
		}
		chunk := window[:n]
		if pos := indexSentinel(chunk); pos >= 0 {
			out = append(out, chunk[:pos]...)
			return out, nil
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func indexSentinel(buf []byte) int {
	for i := 0; i+len(sentinel) <= len(buf); i++ {
		if string(buf[i:i+len(sentinel)]) == sentinel {
			return i
		}
	}
	return -1
}

// PrematureEOFError is returned by ReadExact when the stream ends
// before the demanded byte count was collected. Partial carries
// whatever was read so far.
type PrematureEOFError struct {
	Want    int
	Partial []byte
}

func (e *PrematureEOFError) Error() string {
	return fmt.Sprintf("transport: premature eof: wanted %d bytes, got %d", e.Want, len(e.Partial))
}

// ReadExact performs a strict read of exactly n bytes, used for the
// fixed-length binary portions of rd/spird replies (body, CRC footer,
// Done literal, sentinel). Any error before n bytes are collected
// fails with *PrematureEOFError carrying the partial body.
func (t *Transport) ReadExact(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		r, err := t.port.Read(buf[:n-len(out)])
		if r > 0 {
			out = append(out, buf[:r]...)
		}
		if err != nil {
			if len(out) == n {
				break
			}
			return out, &PrematureEOFError{Want: n, Partial: out}
		}
	}
	return out, nil
}

// StreamOut writes a raw chunk (a loadbuffer payload segment) and
// drains the adapter's echo up to the next sentinel, discarding it.
func (t *Transport) StreamOut(chunk []byte) error {
	if _, err := t.port.Write(chunk); err != nil {
		return fmt.Errorf("transport: write chunk: %w", err)
	}
	_, err := t.readToSentinel()
	return err
}
