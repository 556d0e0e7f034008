// Package engine orchestrates the read, erase, write and verify
// sequences for internal and external flash, using transport,
// protocol, descriptor and planner. It is the only package that knows
// the ordering invariants: connect before anything, loader before any
// loader-gated sub-command, and re-entry into loader mode after every
// rd/spird.
package engine

import (
	"fmt"

	"flashprog.dev/checksum"
	"flashprog.dev/descriptor"
	"flashprog.dev/flasherr"
	"flashprog.dev/planner"
	"flashprog.dev/protocol"
)

// Engine runs one user command against one adapter session. Progress,
// if set, receives human-readable narration (e.g. "Erasing...");
// Engine itself never logs.
type Engine struct {
	client *protocol.Client
	desc   *descriptor.Cache
	sum    checksum.Checksummer

	Progress func(format string, args ...any)
}

func New(client *protocol.Client) *Engine {
	return &Engine{client: client, desc: descriptor.New(client), sum: checksum.Default}
}

func (e *Engine) progress(format string, args ...any) {
	if e.Progress != nil {
		e.Progress(format, args...)
	}
}

// Connect issues connect and returns the parsed target geometry.
func (e *Engine) Connect() (*descriptor.TargetInfo, error) {
	return e.desc.Connect()
}

// enterLoader is a bare state transition: a single loader sub-command
// with no geometry parsing, used to restore Loader mode after an
// rd/spird exited it. Separate from desc.LoaderInfo, which issues
// loader twice and caches the parsed result for the whole command.
func (e *Engine) enterLoader() error {
	_, err := e.client.Echo("loader")
	return err
}

// Crc computes the adapter-side CRC-32 over an internal flash range.
func (e *Engine) Crc(addr uint32, length *uint32) (uint32, error) {
	target, err := e.desc.Connect()
	if err != nil {
		return 0, err
	}
	plan, err := planner.PlanCrc(addr, length, target.FlashSize)
	if err != nil {
		return 0, err
	}
	return e.client.Crc(plan.AlignedAddr, plan.UnitCount)
}

// EraseInternal erases pages of internal flash starting at addr.
// pages nil means "every page to the end of flash".
func (e *Engine) EraseInternal(addr uint32, pages *uint32) error {
	target, err := e.desc.Connect()
	if err != nil {
		return err
	}
	if _, err := e.desc.LoaderInfo(); err != nil {
		return err
	}
	plan, err := planner.PlanInternalErase(addr, pages, target.PageSize, target.FlashSize)
	if err != nil {
		return err
	}
	e.progress("Erasing...")
	if err := e.client.Erase(plan.AlignedAddr, plan.PageCount); err != nil {
		return err
	}
	e.progress("Erasing done.")
	return nil
}

// EraseExternal erases pages of external (SPI) flash starting at
// addr, chunked into spierase calls of at most 256 pages each.
func (e *Engine) EraseExternal(addr uint32, pages *uint32) error {
	if _, err := e.desc.Connect(); err != nil {
		return err
	}
	spiSize, err := e.desc.RequireSPIFlash()
	if err != nil {
		return err
	}
	blocks, err := planner.PlanExternalErase(addr, pages, spiSize)
	if err != nil {
		return err
	}
	e.progress("Erasing...")
	for _, b := range blocks {
		if err := e.client.SpiErase(b.AlignedAddr, b.PageCount); err != nil {
			return err
		}
	}
	e.progress("Erasing done.")
	return nil
}

// ReadInternal reads length bytes of internal flash starting at addr
// (length nil means "to the end of flash"), verifying the device's
// inline CRC-32 over the aligned read body.
func (e *Engine) ReadInternal(addr uint32, length *uint32) ([]byte, error) {
	target, err := e.desc.Connect()
	if err != nil {
		return nil, err
	}
	plan, err := planner.PlanInternalRead(addr, length, target.FlashSize)
	if err != nil {
		return nil, err
	}
	e.progress("Reading %d words from address 0x%08x", plan.UnitCount, plan.AlignedAddr)
	body, deviceCRC, err := e.client.Rd(plan.AlignedAddr, plan.UnitCount)
	if err != nil {
		return nil, err
	}
	if got := e.sum.Checksum32(body); got != deviceCRC {
		return nil, flasherr.New(flasherr.Integrity, "read", fmt.Errorf("corrupted data: computed 0x%08x, device reported 0x%08x", got, deviceCRC))
	}
	return body[plan.FileOffset : plan.FileOffset+plan.Len], nil
}

// ReadExternal is ReadInternal's external-flash counterpart, 256-byte
// pages instead of words, base address 0.
func (e *Engine) ReadExternal(addr uint32, length *uint32) ([]byte, error) {
	if _, err := e.desc.Connect(); err != nil {
		return nil, err
	}
	spiSize, err := e.desc.RequireSPIFlash()
	if err != nil {
		return nil, err
	}
	plan, err := planner.PlanExternalRead(addr, length, spiSize)
	if err != nil {
		return nil, err
	}
	e.progress("Reading %d pages from address 0x%08x", plan.UnitCount, plan.AlignedAddr)
	body, deviceCRC, err := e.client.SpiRd(plan.AlignedAddr, plan.UnitCount)
	if err != nil {
		return nil, err
	}
	if got := e.sum.Checksum32(body); got != deviceCRC {
		return nil, flasherr.New(flasherr.Integrity, "read-eflash", fmt.Errorf("corrupted data: computed 0x%08x, device reported 0x%08x", got, deviceCRC))
	}
	return body[plan.FileOffset : plan.FileOffset+plan.Len], nil
}

// resolveLength truncates or zero-pads data to length (nil means
// "use data's own length unchanged").
func resolveLength(data []byte, length *uint32) []byte {
	if length == nil {
		return data
	}
	out := make([]byte, *length)
	copy(out, data)
	return out
}

// WriteInternal writes data to internal flash at addr, preserving any
// bytes outside [addr, addr+len) that share an erased page, verifying
// with CRC-32 after the write, then resetting the target.
func (e *Engine) WriteInternal(addr uint32, data []byte, length *uint32) error {
	payload := resolveLength(data, length)
	target, err := e.desc.Connect()
	if err != nil {
		return err
	}
	loader, err := e.desc.LoaderInfo()
	if err != nil {
		return err
	}
	plan, err := planner.PlanInternalWrite(addr, uint32(len(payload)), target.PageSize, target.FlashSize)
	if err != nil {
		return err
	}
	aligned, err := e.spliceSlack(plan, target.PageSize, payload, func(pageAddr uint32) ([]byte, uint32, error) {
		return e.client.Rd(pageAddr, target.PageSize/planner.WordSize)
	})
	if err != nil {
		return err
	}
	e.progress("Erasing...")
	if err := e.client.Erase(plan.AlignedAddr, plan.PageCount); err != nil {
		return err
	}
	e.progress("Erasing done, flashing...")
	if err := e.streamChunks(aligned, loader.MaxBufSize, plan.AlignedAddr, func(chunkAddr, words uint32) error {
		return e.client.WriteBuffer(chunkAddr, words)
	}); err != nil {
		return err
	}
	localCRC := e.sum.Checksum32(aligned)
	deviceCRC, err := e.client.Crc(plan.AlignedAddr, plan.PageCount*target.PageSize/planner.WordSize)
	if err != nil {
		return err
	}
	if localCRC != deviceCRC {
		return flasherr.New(flasherr.Integrity, "write", fmt.Errorf("verification failed: computed 0x%08x, device reported 0x%08x", localCRC, deviceCRC))
	}
	e.progress("Flash written and verified.")
	_, err = e.client.Echo("reset")
	return err
}

// WriteExternal is WriteInternal's external-flash counterpart: fixed
// 256-byte pages, no post-write CRC verify, no reset (the adapter's
// reset only applies to the target MCU's own flash).
func (e *Engine) WriteExternal(addr uint32, data []byte, length *uint32) error {
	payload := resolveLength(data, length)
	if _, err := e.desc.Connect(); err != nil {
		return err
	}
	loader, err := e.desc.LoaderInfo()
	if err != nil {
		return err
	}
	spiSize, err := e.desc.RequireSPIFlash()
	if err != nil {
		return err
	}
	plan, err := planner.PlanExternalWrite(addr, uint32(len(payload)), spiSize)
	if err != nil {
		return err
	}
	aligned, err := e.spliceSlack(plan, planner.ExternalPageSize, payload, func(pageAddr uint32) ([]byte, uint32, error) {
		return e.client.SpiRd(pageAddr, 1)
	})
	if err != nil {
		return err
	}
	e.progress("Erasing...")
	if err := e.client.SpiErase(plan.AlignedAddr, plan.PageCount); err != nil {
		return err
	}
	e.progress("Erasing done, flashing...")
	// maxBufSize must itself be a whole number of SPI pages: streamChunks
	// chunks exactly at this size, and if it weren't page-aligned the
	// bytes actually streamed to loadbuffer and the page count told to
	// spiwritebuffer would disagree on the chunk boundary.
	maxBufSize := (loader.MaxBufSize / planner.ExternalPageSize) * planner.ExternalPageSize
	return e.streamChunks(aligned, maxBufSize, plan.AlignedAddr, func(chunkAddr, words uint32) error {
		pages := words * planner.WordSize / planner.ExternalPageSize
		return e.client.SpiWriteBuffer(chunkAddr, pages)
	})
}

// spliceSlack prepends/appends the device's own bytes for any slack
// outside [addr, addr+len) within the aligned page window, re-entering
// loader mode after each read since rd/spird exits it.
func (e *Engine) spliceSlack(plan planner.WritePlan, pageSize uint32, payload []byte, readPage func(addr uint32) ([]byte, uint32, error)) ([]byte, error) {
	out := payload
	if plan.HeadSlack > 0 {
		head, crc, err := readPage(plan.AlignedAddr)
		if err != nil {
			return nil, err
		}
		if e.sum.Checksum32(head) != crc {
			return nil, flasherr.New(flasherr.Integrity, "write", fmt.Errorf("corrupted head-slack read"))
		}
		out = append(append([]byte(nil), head[:plan.HeadSlack]...), out...)
		if err := e.enterLoader(); err != nil {
			return nil, err
		}
	}
	if plan.TailSlack > 0 {
		lastPageAddr := plan.AlignedAddr + (plan.PageCount-1)*pageSize
		tail, crc, err := readPage(lastPageAddr)
		if err != nil {
			return nil, err
		}
		if e.sum.Checksum32(tail) != crc {
			return nil, flasherr.New(flasherr.Integrity, "write", fmt.Errorf("corrupted tail-slack read"))
		}
		out = append(out, tail[len(tail)-int(plan.TailSlack):]...)
		if err := e.enterLoader(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// streamChunks splits aligned (already page-aligned) into chunks of
// at most maxBufSize bytes, loading and writing each in turn.
func (e *Engine) streamChunks(aligned []byte, maxBufSize, baseAddr uint32, writeBuffer func(chunkAddr, words uint32) error) error {
	if maxBufSize == 0 {
		return flasherr.New(flasherr.Loader, "loadbuffer", fmt.Errorf("adapter reported zero buffer size"))
	}
	offset := uint32(0)
	for offset < uint32(len(aligned)) {
		end := offset + maxBufSize
		if end > uint32(len(aligned)) {
			end = uint32(len(aligned))
		}
		chunk := aligned[offset:end]
		words := uint32(len(chunk)) / planner.WordSize
		e.progress("Writing %d bytes at 0x%08x", len(chunk), baseAddr+offset)
		if err := e.client.LoadBuffer(words); err != nil {
			return err
		}
		if err := e.client.StreamChunk(chunk); err != nil {
			return err
		}
		if err := writeBuffer(baseAddr+offset, words); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// Halt halts the target, Id reports the adapter's hardware ID, and
// Run resumes the target. All three are arbitrary-echo verbs needing
// no prior connect.
func (e *Engine) Halt() (string, error) { return e.echo("halt") }
func (e *Engine) Id() (string, error)   { return e.echo("id") }
func (e *Engine) Run() (string, error)  { return e.echo("run") }

// Reset soft-resets the target; ResetHard hard-resets it.
func (e *Engine) Reset() (string, error)     { return e.echo("reset") }
func (e *Engine) ResetHard() (string, error) { return e.echo("reset -h") }

func (e *Engine) echo(verb string) (string, error) {
	resp, err := e.client.Echo(verb)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}
