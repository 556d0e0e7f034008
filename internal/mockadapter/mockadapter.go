// Package mockadapter is a scriptable stand-in for the programmer
// adapter's serial line, used to drive protocol and engine tests
// without a real device. It implements transport.Port directly (not a
// protocol-aware simulator) so tests can queue exact byte replies the
// way the wire protocol defines them, in the same spirit as
// driver/mjolnir's Simulator but for a line-oriented text protocol
// instead of a binary motion-control one.
package mockadapter

import (
	"bytes"
	"fmt"
)

// Adapter replays a fixed sequence of replies, one per request it
// receives, and records every request line/chunk it was sent.
type Adapter struct {
	Replies  [][]byte
	Requests [][]byte

	pending bytes.Buffer
	closed  bool
}

// Reply queues a response to be returned on the next Read call(s)
// following a Write; raw binary reply bytes (for rd/spird) are queued
// the same way as textual ones.
func (a *Adapter) Reply(b []byte) {
	a.Replies = append(a.Replies, b)
}

// ReplyString is a convenience for textual replies.
func (a *Adapter) ReplyString(s string) {
	a.Reply([]byte(s))
}

func (a *Adapter) Write(p []byte) (int, error) {
	if a.closed {
		return 0, fmt.Errorf("mockadapter: write after close")
	}
	req := append([]byte(nil), p...)
	a.Requests = append(a.Requests, req)
	if len(a.Replies) > 0 {
		a.pending.Write(a.Replies[0])
		a.Replies = a.Replies[1:]
	}
	return len(p), nil
}

func (a *Adapter) Read(p []byte) (int, error) {
	if a.pending.Len() == 0 {
		return 0, errTimeout{}
	}
	return a.pending.Read(p)
}

func (a *Adapter) Close() error {
	a.closed = true
	return nil
}

// errTimeout mimics a serial read-timeout error: no bytes, no fatal
// condition, just nothing available yet. transport.Exchange tolerates
// it and keeps looping; transport.ReadExact treats it as the stream
// having ended (which is what a real PrematureEOF scenario looks
// like against this mock).
type errTimeout struct{}

func (errTimeout) Error() string { return "mockadapter: read timeout" }
