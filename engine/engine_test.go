package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"testing"

	"flashprog.dev/flasherr"
	"flashprog.dev/internal/mockadapter"
	"flashprog.dev/planner"
	"flashprog.dev/protocol"
	"flashprog.dev/transport"
)

const internalBase = planner.InternalBase

func newEngine(a *mockadapter.Adapter) *Engine {
	return New(protocol.New(transport.New(a)))
}

func connectReply(a *mockadapter.Adapter, flashSize, pageSize uint32) {
	a.ReplyString(fmt.Sprintf("Target stm32f4\r\nFlashSize %d\r\nPageSize %d\r\n***", flashSize, pageSize))
}

func rdReply(body []byte, crc uint32) []byte {
	var out bytes.Buffer
	out.Write(body)
	var crcBytes [4]byte
	binary.LittleEndian.PutUint32(crcBytes[:], crc)
	out.Write(crcBytes[:])
	out.WriteString("Done")
	out.WriteString("***")
	return out.Bytes()
}

func TestConnectParsesTargetInfo(t *testing.T) {
	a := &mockadapter.Adapter{}
	connectReply(a, 1<<20, 2048)
	e := newEngine(a)

	info, err := e.Connect()
	if err != nil {
		t.Fatal(err)
	}
	if info.Target != "stm32f4" || info.FlashSize != 1<<20 || info.PageSize != 2048 {
		t.Errorf("Connect() = %+v", info)
	}
}

func TestReadInternalVerifiesCRCAndSlicesResult(t *testing.T) {
	a := &mockadapter.Adapter{}
	connectReply(a, 1<<20, 2048)
	// addr is 2 bytes into a word: the aligned read must fetch the
	// whole enclosing 3-word window and the engine slices out [2:10).
	body := bytes.Repeat([]byte{0x42}, 12)
	a.Reply(rdReply(body, crc32.ChecksumIEEE(body)))
	e := newEngine(a)

	length := uint32(8)
	got, err := e.ReadInternal(internalBase+2, &length)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body[2:10]) {
		t.Errorf("ReadInternal() = %v, want %v", got, body[2:10])
	}
}

func TestReadInternalRejectsCorruptedBody(t *testing.T) {
	a := &mockadapter.Adapter{}
	connectReply(a, 1<<20, 2048)
	body := bytes.Repeat([]byte{0x42}, 16)
	a.Reply(rdReply(body, crc32.ChecksumIEEE(body)+1))
	e := newEngine(a)

	length := uint32(16)
	_, err := e.ReadInternal(internalBase, &length)
	if !flasherr.Is(err, flasherr.Integrity) {
		t.Fatalf("ReadInternal() error = %v, want Integrity kind", err)
	}
}

func TestEraseInternalIssuesLoaderThenErase(t *testing.T) {
	a := &mockadapter.Adapter{}
	connectReply(a, 1<<20, 2048)
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString("Loader v2\r\nMaxBufSize 1024\r\n***")
	a.ReplyString("Erase OK\r\n***")
	e := newEngine(a)

	if err := e.EraseInternal(internalBase, nil); err != nil {
		t.Fatal(err)
	}
	if len(a.Requests) != 4 {
		t.Fatalf("got %d requests, want 4 (connect, loader, loader, erase)", len(a.Requests))
	}
	if string(a.Requests[3]) != fmt.Sprintf("\nerase %d %d\n", internalBase, (1<<20)/2048) {
		t.Errorf("erase request = %q", a.Requests[3])
	}
}

func TestEraseExternalChunksAcrossSpieraseCalls(t *testing.T) {
	a := &mockadapter.Adapter{}
	connectReply(a, 1<<20, 2048)
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString("Loader v2\r\nSPIFlashSize 163840\r\nMaxBufSize 1024\r\n***")
	// 600 pages chunks into 256+256+88 spierase calls.
	a.ReplyString("Erase OK\r\n***")
	a.ReplyString("Erase OK\r\n***")
	a.ReplyString("Erase OK\r\n***")
	e := newEngine(a)

	pages := uint32(600)
	if err := e.EraseExternal(0, &pages); err != nil {
		t.Fatal(err)
	}
	// connect, loader, loader, spierase x3
	if len(a.Requests) != 6 {
		t.Fatalf("got %d requests, want 6", len(a.Requests))
	}
}

func TestCrcDoesNotEnterLoader(t *testing.T) {
	a := &mockadapter.Adapter{}
	connectReply(a, 1<<20, 2048)
	a.ReplyString("Crc32 = 0xDEADBEEF\r\n***")
	e := newEngine(a)

	crc, err := e.Crc(internalBase, nil)
	if err != nil {
		t.Fatal(err)
	}
	if crc != 0xDEADBEEF {
		t.Errorf("Crc() = 0x%08x, want 0xDEADBEEF", crc)
	}
	if len(a.Requests) != 2 {
		t.Fatalf("got %d requests, want 2 (connect, crc)", len(a.Requests))
	}
}

func TestWriteInternalAlignedRoundTrip(t *testing.T) {
	const pageSize = 2048
	const flashSize = 1 << 20
	const maxBuf = 1024

	a := &mockadapter.Adapter{}
	connectReply(a, flashSize, pageSize)
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString(fmt.Sprintf("Loader v2\r\nMaxBufSize %d\r\n***", maxBuf))
	a.ReplyString("Erase OK\r\n***")

	payload := bytes.Repeat([]byte{0x5A}, pageSize)
	chunks := len(payload) / maxBuf
	for i := 0; i < chunks; i++ {
		a.ReplyString("Load ready\r\n***")
		a.ReplyString("***") // raw chunk echo drain
		a.ReplyString("Write OK\r\n***")
	}
	finalCRC := crc32.ChecksumIEEE(payload)
	a.ReplyString(fmt.Sprintf("Crc32 = 0x%08X\r\n***", finalCRC))
	a.ReplyString("Resetting\r\n***")

	e := newEngine(a)
	if err := e.WriteInternal(internalBase, payload, nil); err != nil {
		t.Fatal(err)
	}
	// connect, loader x2, erase, (loadbuffer+rawchunk+writebuffer)*chunks, crc, reset
	want := 1 + 2 + 1 + chunks*3 + 1 + 1
	if len(a.Requests) != want {
		t.Fatalf("got %d requests, want %d", len(a.Requests), want)
	}
	if string(a.Requests[len(a.Requests)-1]) != "\nreset\n" {
		t.Errorf("last request = %q, want reset", a.Requests[len(a.Requests)-1])
	}
}

// TestWriteInternalHeadAndTailSlack mirrors spec.md's S3 scenario: an
// 8-byte payload at addr+4 within a 1024-byte page must read the page's
// existing bytes, splice in the payload at the right offset, and
// re-enter loader mode after the rd before erasing.
func TestWriteInternalHeadAndTailSlack(t *testing.T) {
	const pageSize = 1024
	const flashSize = 1 << 20
	const maxBuf = 1024

	devicePage := bytes.Repeat([]byte{0x99}, pageSize)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	wantAligned := append(append(append([]byte{}, devicePage[:4]...), payload...), devicePage[12:]...)

	a := &mockadapter.Adapter{}
	connectReply(a, flashSize, pageSize)
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString(fmt.Sprintf("Loader v2\r\nMaxBufSize %d\r\n***", maxBuf))
	a.Reply(rdReply(devicePage, crc32.ChecksumIEEE(devicePage))) // head read
	a.ReplyString("Entering loader\r\n***")                       // re-enter loader after head rd
	a.Reply(rdReply(devicePage, crc32.ChecksumIEEE(devicePage))) // tail read (same page)
	a.ReplyString("Entering loader\r\n***")                       // re-enter loader after tail rd
	a.ReplyString("Erase OK\r\n***")
	a.ReplyString("Load ready\r\n***")
	a.ReplyString("***") // raw chunk echo drain
	a.ReplyString("Write OK\r\n***")
	a.ReplyString(fmt.Sprintf("Crc32 = 0x%08X\r\n***", crc32.ChecksumIEEE(wantAligned)))
	a.ReplyString("Resetting\r\n***")

	e := newEngine(a)
	if err := e.WriteInternal(internalBase+4, payload, nil); err != nil {
		t.Fatal(err)
	}

	want := 13 // connect, loader x2, rd, loader, rd, loader, erase, loadbuffer, rawchunk, writebuffer, crc, reset
	if len(a.Requests) != want {
		t.Fatalf("got %d requests, want %d: %q", len(a.Requests), want, a.Requests)
	}
	if string(a.Requests[3]) != fmt.Sprintf("\nrd %d %d\n", internalBase, pageSize/4) {
		t.Errorf("requests[3] (head rd) = %q", a.Requests[3])
	}
	if string(a.Requests[4]) != "\nloader\n" {
		t.Errorf("requests[4] (loader re-entry after head rd) = %q", a.Requests[4])
	}
	if string(a.Requests[5]) != fmt.Sprintf("\nrd %d %d\n", internalBase, pageSize/4) {
		t.Errorf("requests[5] (tail rd) = %q", a.Requests[5])
	}
	if string(a.Requests[6]) != "\nloader\n" {
		t.Errorf("requests[6] (loader re-entry after tail rd) = %q", a.Requests[6])
	}
	if string(a.Requests[7]) != fmt.Sprintf("\nerase %d 1\n", internalBase) {
		t.Errorf("requests[7] (erase) = %q", a.Requests[7])
	}
	// The streamed chunk is the only observable way to check the
	// spliced buffer's exact contents from outside the engine.
	if !bytes.Equal(a.Requests[9], wantAligned) {
		t.Errorf("written chunk = %v, want %v", a.Requests[9], wantAligned)
	}
}

// TestWriteInternalHeadSlackOnly covers an aligned-length write that
// starts mid-page (head slack only, no tail slack).
func TestWriteInternalHeadSlackOnly(t *testing.T) {
	const pageSize = 1024
	const flashSize = 1 << 20
	const maxBuf = 1024

	devicePage := bytes.Repeat([]byte{0x77}, pageSize)
	payload := bytes.Repeat([]byte{0xCC}, pageSize-4) // headSlack=4, tailSlack=0
	wantAligned := append(append([]byte{}, devicePage[:4]...), payload...)

	a := &mockadapter.Adapter{}
	connectReply(a, flashSize, pageSize)
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString(fmt.Sprintf("Loader v2\r\nMaxBufSize %d\r\n***", maxBuf))
	a.Reply(rdReply(devicePage, crc32.ChecksumIEEE(devicePage))) // head read only
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString("Erase OK\r\n***")
	a.ReplyString("Load ready\r\n***")
	a.ReplyString("***")
	a.ReplyString("Write OK\r\n***")
	a.ReplyString(fmt.Sprintf("Crc32 = 0x%08X\r\n***", crc32.ChecksumIEEE(wantAligned)))
	a.ReplyString("Resetting\r\n***")

	e := newEngine(a)
	if err := e.WriteInternal(internalBase+4, payload, nil); err != nil {
		t.Fatal(err)
	}

	want := 11 // connect, loader x2, rd, loader, erase, loadbuffer, rawchunk, writebuffer, crc, reset
	if len(a.Requests) != want {
		t.Fatalf("got %d requests, want %d: %q", len(a.Requests), want, a.Requests)
	}
	if !bytes.Equal(a.Requests[7], wantAligned) {
		t.Errorf("written chunk = %v, want %v", a.Requests[7], wantAligned)
	}
}

// TestWriteInternalTailSlackOnly covers a page-aligned write shorter
// than a full page (tail slack only, no head slack).
func TestWriteInternalTailSlackOnly(t *testing.T) {
	const pageSize = 1024
	const flashSize = 1 << 20
	const maxBuf = 1024

	devicePage := bytes.Repeat([]byte{0x33}, pageSize)
	payload := bytes.Repeat([]byte{0xEE}, 12) // headSlack=0, tailSlack=pageSize-12
	wantAligned := append(append([]byte{}, payload...), devicePage[12:]...)

	a := &mockadapter.Adapter{}
	connectReply(a, flashSize, pageSize)
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString(fmt.Sprintf("Loader v2\r\nMaxBufSize %d\r\n***", maxBuf))
	a.Reply(rdReply(devicePage, crc32.ChecksumIEEE(devicePage))) // tail read only
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString("Erase OK\r\n***")
	a.ReplyString("Load ready\r\n***")
	a.ReplyString("***")
	a.ReplyString("Write OK\r\n***")
	a.ReplyString(fmt.Sprintf("Crc32 = 0x%08X\r\n***", crc32.ChecksumIEEE(wantAligned)))
	a.ReplyString("Resetting\r\n***")

	e := newEngine(a)
	if err := e.WriteInternal(internalBase, payload, nil); err != nil {
		t.Fatal(err)
	}

	want := 11 // connect, loader x2, rd, loader, erase, loadbuffer, rawchunk, writebuffer, crc, reset
	if len(a.Requests) != want {
		t.Fatalf("got %d requests, want %d: %q", len(a.Requests), want, a.Requests)
	}
	if !bytes.Equal(a.Requests[7], wantAligned) {
		t.Errorf("written chunk = %v, want %v", a.Requests[7], wantAligned)
	}
}

func TestWriteInternalRejectsVerifyMismatch(t *testing.T) {
	const pageSize = 2048
	const flashSize = 1 << 20
	const maxBuf = 2048

	a := &mockadapter.Adapter{}
	connectReply(a, flashSize, pageSize)
	a.ReplyString("Entering loader\r\n***")
	a.ReplyString(fmt.Sprintf("Loader v2\r\nMaxBufSize %d\r\n***", maxBuf))
	a.ReplyString("Erase OK\r\n***")
	a.ReplyString("Load ready\r\n***")
	a.ReplyString("***")
	a.ReplyString("Write OK\r\n***")
	a.ReplyString("Crc32 = 0x00000000\r\n***")

	payload := bytes.Repeat([]byte{0x5A}, pageSize)
	e := newEngine(a)
	err := e.WriteInternal(internalBase, payload, nil)
	if !flasherr.Is(err, flasherr.Integrity) {
		t.Fatalf("WriteInternal() error = %v, want Integrity kind", err)
	}
}

func TestResetHardSendsCorrectedLiteral(t *testing.T) {
	a := &mockadapter.Adapter{}
	a.ReplyString("Resetting\r\n***")
	e := newEngine(a)

	if _, err := e.ResetHard(); err != nil {
		t.Fatal(err)
	}
	if string(a.Requests[0]) != "\nreset -h\n" {
		t.Errorf("request = %q, want %q", a.Requests[0], "\nreset -h\n")
	}
}
