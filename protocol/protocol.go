// Package protocol builds the adapter's ASCII request lines, parses
// its key/value status blocks and literal response shapes, and
// classifies its error strings. It knows the wire format but nothing
// about flash geometry or alignment.
//
// Grounded on the original adapter driver's command.rs (cmd/chop/
// response-prefix handling) and, for the mechanics of a request/
// response exchange built on a textual framing, on driver/mjolnir's
// expect/atleast helpers.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"flashprog.dev/flasherr"
	"flashprog.dev/transport"
)

// Client issues protocol sub-commands over a Transport and interprets
// their replies.
type Client struct {
	t *transport.Transport
}

func New(t *transport.Transport) *Client {
	return &Client{t: t}
}

func line(cmd string) []byte {
	return []byte("\n" + cmd + "\n")
}

// errSubstrings is the adapter's de-facto error contract: any of
// these substrings appearing in a textual reply marks the exchange as
// failed. The exact set, including the mid-word fragments, must be
// preserved as-is.
var errSubstrings = []string{"rror", "nvalid", "rong"}

func classify(op string, resp []byte) error {
	s := string(resp)
	for _, frag := range errSubstrings {
		if strings.Contains(s, frag) {
			return flasherr.New(flasherr.Protocol, op, fmt.Errorf("adapter reported failure: %q", s))
		}
	}
	return nil
}

// ParseKV splits a key/value block on newlines. Each line is trimmed
// of whitespace and trailing NULs; a line with no space is ignored,
// otherwise the first token is the key and the remainder is the
// value.
func ParseKV(resp []byte) map[string]string {
	out := make(map[string]string)
	for _, raw := range strings.Split(string(resp), "\n") {
		trimmed := strings.Trim(raw, " \t\r\x00")
		key, value, ok := strings.Cut(trimmed, " ")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func (c *Client) exchange(op, cmd string) ([]byte, error) {
	resp, err := c.t.Exchange(line(cmd))
	if err != nil {
		return nil, flasherr.New(flasherr.Transport, op, err)
	}
	if err := classify(op, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Connect issues the connect sub-command and returns its parsed
// key/value block, unvalidated; callers decide whether Target is
// present.
func (c *Client) Connect() (map[string]string, error) {
	resp, err := c.exchange("connect", "connect")
	if err != nil {
		return nil, err
	}
	return ParseKV(resp), nil
}

// Loader issues the loader sub-command twice: the first reply is a
// transition banner and is discarded, only the second is parsed. Do
// not optimize this away -- it matches adapter firmware that only
// reports Loader/SPIFlashSize/MaxBufSize on the second call.
func (c *Client) Loader() (map[string]string, error) {
	if _, err := c.exchange("loader", "loader"); err != nil {
		return nil, err
	}
	resp, err := c.exchange("loader", "loader")
	if err != nil {
		return nil, err
	}
	return ParseKV(resp), nil
}

const bufSizePrefix = "MaxBuf = "

// BufSize issues the legacy bufsize sub-command, for firmwares whose
// loader reply omits MaxBufSize. Returns the word count reported.
func (c *Client) BufSize() (uint32, error) {
	resp, err := c.exchange("bufsize", "bufsize")
	if err != nil {
		return 0, err
	}
	s := string(resp)
	rest, ok := strings.CutPrefix(s, bufSizePrefix)
	if !ok || len(rest) < 4 {
		return 0, flasherr.New(flasherr.Protocol, "bufsize", fmt.Errorf("missing %q prefix in %q", bufSizePrefix, s))
	}
	words, err := strconv.ParseUint(rest[:4], 10, 32)
	if err != nil {
		return 0, flasherr.New(flasherr.Protocol, "bufsize", err)
	}
	return uint32(words), nil
}

// Erase issues erase addr pages against internal flash.
func (c *Client) Erase(addr, pages uint32) error {
	_, err := c.exchange("erase", fmt.Sprintf("erase %d %d", addr, pages))
	return err
}

// SpiErase issues spierase addr pages against external flash.
func (c *Client) SpiErase(addr, pages uint32) error {
	_, err := c.exchange("spierase", fmt.Sprintf("spierase %d %d", addr, pages))
	return err
}

const crcPrefix = "Crc32 = 0x"

// Crc issues crc addr words and parses the 8-hex-digit, big-endian
// encoded result.
func (c *Client) Crc(addr, words uint32) (uint32, error) {
	resp, err := c.exchange("crc", fmt.Sprintf("crc %d %d", addr, words))
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(resp))
	hexStr, ok := strings.CutPrefix(s, crcPrefix)
	if !ok || len(hexStr) < 8 {
		return 0, flasherr.New(flasherr.Protocol, "crc", fmt.Errorf("missing %q prefix in %q", crcPrefix, s))
	}
	raw, err := hex.DecodeString(hexStr[:8])
	if err != nil {
		return 0, flasherr.New(flasherr.Protocol, "crc", err)
	}
	return binary.BigEndian.Uint32(raw), nil
}

// LoadBuffer issues loadbuffer words and expects the reply to begin
// with "Load ready".
func (c *Client) LoadBuffer(words uint32) error {
	resp, err := c.exchange("loadbuffer", fmt.Sprintf("loadbuffer %d", words))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(resp), "Load ready") {
		return flasherr.New(flasherr.Protocol, "loadbuffer", fmt.Errorf("unexpected reply %q", resp))
	}
	return nil
}

// WriteBuffer issues writebuffer addr words against internal flash
// and expects the literal reply "Write OK\r\n".
func (c *Client) WriteBuffer(addr, words uint32) error {
	return c.expectWriteOK("writebuffer", fmt.Sprintf("writebuffer %d %d", addr, words))
}

// SpiWriteBuffer issues spiwritebuffer addr pages against external
// flash, same reply contract as WriteBuffer.
func (c *Client) SpiWriteBuffer(addr, pages uint32) error {
	return c.expectWriteOK("spiwritebuffer", fmt.Sprintf("spiwritebuffer %d %d", addr, pages))
}

func (c *Client) expectWriteOK(op, cmd string) error {
	resp, err := c.exchange(op, cmd)
	if err != nil {
		return err
	}
	if string(resp) != "Write OK\r\n" {
		return flasherr.New(flasherr.Protocol, op, fmt.Errorf("unexpected reply %q", resp))
	}
	return nil
}

// Echo issues one of the zero-argument, arbitrary-echo verbs (halt,
// id, reset, reset -h, run) and returns the raw reply.
func (c *Client) Echo(verb string) ([]byte, error) {
	return c.exchange(verb, verb)
}

// Rd reads words*4 bytes of internal flash starting at addr. The
// reply is not framed with the textual sentinel loop: a fixed-length
// binary body, a 4-byte little-endian CRC-32 of that body, the
// literal "Done", then the sentinel, all read with ReadExact. The
// device-reported CRC is returned alongside the body uninterpreted;
// the engine owns comparing it against a locally computed checksum,
// since the CRC-32 implementation is a pluggable external collaborator.
func (c *Client) Rd(addr, words uint32) (body []byte, deviceCRC uint32, err error) {
	return c.readBinary("rd", fmt.Sprintf("rd %d %d", addr, words), int(words)*4)
}

// SpiRd reads pages*256 bytes of external flash starting at addr,
// same framing as Rd with the page size substituted for the word.
func (c *Client) SpiRd(addr, pages uint32) (body []byte, deviceCRC uint32, err error) {
	return c.readBinary("spird", fmt.Sprintf("spird %d %d", addr, pages), int(pages)*256)
}

func (c *Client) readBinary(op, cmd string, bodyLen int) ([]byte, uint32, error) {
	if err := c.t.Send(line(cmd)); err != nil {
		return nil, 0, flasherr.New(flasherr.Transport, op, err)
	}
	body, err := c.t.ReadExact(bodyLen)
	if err != nil {
		return nil, 0, flasherr.New(flasherr.Transport, op, err)
	}
	crcBytes, err := c.t.ReadExact(4)
	if err != nil {
		return nil, 0, flasherr.New(flasherr.Transport, op, err)
	}
	doneBytes, err := c.t.ReadExact(4)
	if err != nil {
		return nil, 0, flasherr.New(flasherr.Transport, op, err)
	}
	if string(doneBytes) != "Done" {
		return nil, 0, flasherr.New(flasherr.Protocol, op, fmt.Errorf("expected Done, got %q", doneBytes))
	}
	if _, err := c.t.ReadExact(3); err != nil {
		return nil, 0, flasherr.New(flasherr.Transport, op, err)
	}
	return body, binary.LittleEndian.Uint32(crcBytes), nil
}

// StreamChunk writes a loadbuffer payload chunk and drains the
// adapter's echo.
func (c *Client) StreamChunk(chunk []byte) error {
	if err := c.t.StreamOut(chunk); err != nil {
		return flasherr.New(flasherr.Transport, "loadbuffer-stream", err)
	}
	return nil
}
