// Package planner turns user-supplied (address, length) byte ranges
// into aligned device-coordinate operations: page/word-aligned
// addresses, counts, and the leading/trailing slack that read-modify-
// write must preserve. It is pure arithmetic -- it never touches a
// Transport or Client -- so every precondition violation is reported
// before any device state is mutated.
package planner

import (
	"fmt"

	"flashprog.dev/flasherr"
)

const (
	// InternalBase is the lowest address of internal flash user data.
	InternalBase uint32 = 0x0800_0000
	// ExternalPageSize is the fixed erase/write granularity of the
	// external SPI flash; internal flash's page size is adapter-
	// reported instead.
	ExternalPageSize uint32 = 256
	// WordSize is the unit of read/CRC commands.
	WordSize uint32 = 4
	// ExternalEraseBlock is the maximum page count per spierase call.
	ExternalEraseBlock uint32 = 256
)

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// ReadPlan is the aligned window a read or crc command must request
// from the device, plus the slice of that window the caller actually
// asked for.
type ReadPlan struct {
	AlignedAddr uint32
	UnitCount   uint32 // words for internal flash/crc, pages for external flash
	FileOffset  uint32
	Len         uint32
}

// planRead is shared by internal reads (unit=WordSize, base=
// InternalBase), external reads (unit=ExternalPageSize, base=0), and
// CRC planning (unit=WordSize, base=InternalBase, FileOffset unused).
func planRead(op string, addr uint32, length *uint32, base, spaceSize, unit uint32) (ReadPlan, error) {
	if addr < base {
		return ReadPlan{}, flasherr.New(flasherr.Bounds, op, errBoundsf("address 0x%x below base 0x%x", addr, base))
	}
	var l uint32
	if length != nil {
		l = *length
	} else {
		l = spaceSize - (addr - base)
	}
	if addr >= base+spaceSize {
		return ReadPlan{}, flasherr.New(flasherr.Bounds, op, errBoundsf("address 0x%x outside [0x%x, 0x%x)", addr, base, base+spaceSize))
	}
	alignedAddr := (addr / unit) * unit
	fileOffset := addr % unit
	unitCount := ceilDiv(addr+l, unit) - alignedAddr/unit
	maxUnits := spaceSize/unit - (alignedAddr-base)/unit
	if unitCount > maxUnits {
		return ReadPlan{}, flasherr.New(flasherr.Bounds, op, errBoundsf("requested %d units exceeds available %d", unitCount, maxUnits))
	}
	return ReadPlan{AlignedAddr: alignedAddr, UnitCount: unitCount, FileOffset: fileOffset, Len: l}, nil
}

// PlanInternalRead plans an rd command. length nil means "to the end
// of flash".
func PlanInternalRead(addr uint32, length *uint32, flashSize uint32) (ReadPlan, error) {
	return planRead("read", addr, length, InternalBase, flashSize, WordSize)
}

// PlanExternalRead plans a spird command. length nil means "to the
// end of SPI flash".
func PlanExternalRead(addr uint32, length *uint32, spiFlashSize uint32) (ReadPlan, error) {
	return planRead("read-eflash", addr, length, 0, spiFlashSize, ExternalPageSize)
}

// PlanCrc plans a crc command: same word alignment as an internal
// read, but the caller only needs AlignedAddr and UnitCount (the word
// count), since the device computes the checksum itself.
func PlanCrc(addr uint32, length *uint32, flashSize uint32) (ReadPlan, error) {
	return planRead("crc", addr, length, InternalBase, flashSize, WordSize)
}

// WritePlan is the page-aligned window a write command erases and
// rewrites, plus the slack on either end that must be preserved by
// read-modify-write.
type WritePlan struct {
	AlignedAddr uint32
	PageCount   uint32
	HeadSlack   uint32
	TailSlack   uint32
}

func planWrite(op string, addr, length, base, pageSize, spaceSize uint32) (WritePlan, error) {
	if addr < base || addr >= base+spaceSize {
		return WritePlan{}, flasherr.New(flasherr.Bounds, op, errBoundsf("address 0x%x outside [0x%x, 0x%x)", addr, base, base+spaceSize))
	}
	alignedAddr := (addr / pageSize) * pageSize
	headSlack := addr - alignedAddr
	pageCount := ceilDiv(length+headSlack, pageSize)
	if spaceSize < pageCount*pageSize+(alignedAddr-base) {
		return WritePlan{}, flasherr.New(flasherr.Bounds, op, errBoundsf("write of %d pages at 0x%x exceeds flash size %d", pageCount, alignedAddr, spaceSize))
	}
	tailSlack := pageCount*pageSize - (length + headSlack)
	return WritePlan{AlignedAddr: alignedAddr, PageCount: pageCount, HeadSlack: headSlack, TailSlack: tailSlack}, nil
}

// PlanInternalWrite plans a write to internal flash of the given
// page size (adapter-reported).
func PlanInternalWrite(addr, length, pageSize, flashSize uint32) (WritePlan, error) {
	return planWrite("write", addr, length, InternalBase, pageSize, flashSize)
}

// PlanExternalWrite plans a write to external flash, fixed 256-byte
// pages, base address 0.
func PlanExternalWrite(addr, length, spiFlashSize uint32) (WritePlan, error) {
	return planWrite("write-eflash", addr, length, 0, ExternalPageSize, spiFlashSize)
}

// ErasePlan is a single erase/spierase sub-command's arguments.
type ErasePlan struct {
	AlignedAddr uint32
	PageCount   uint32
}

func planErase(op string, addr uint32, pages *uint32, base, pageSize, flashSize uint32) (ErasePlan, error) {
	if addr < base || addr >= base+flashSize {
		return ErasePlan{}, flasherr.New(flasherr.Bounds, op, errBoundsf("address 0x%x outside [0x%x, 0x%x)", addr, base, base+flashSize))
	}
	alignedAddr := (addr / pageSize) * pageSize
	maxPages := (flashSize - (alignedAddr - base)) / pageSize
	var pageCount uint32
	if pages != nil {
		pageCount = *pages
	} else {
		pageCount = maxPages
	}
	if pageCount > maxPages {
		return ErasePlan{}, flasherr.New(flasherr.Bounds, op, errBoundsf("erase of %d pages at 0x%x exceeds available %d", pageCount, alignedAddr, maxPages))
	}
	return ErasePlan{AlignedAddr: alignedAddr, PageCount: pageCount}, nil
}

// PlanInternalErase plans a single erase command. pages nil means
// "every page from the aligned address to the end of flash".
func PlanInternalErase(addr uint32, pages *uint32, pageSize, flashSize uint32) (ErasePlan, error) {
	return planErase("erase", addr, pages, InternalBase, pageSize, flashSize)
}

// PlanExternalErase plans external flash erasure, chunked into
// blocks of at most ExternalEraseBlock pages per spierase command,
// since the adapter firmware bounds a single erase sub-command's
// page count.
func PlanExternalErase(addr uint32, pages *uint32, spiFlashSize uint32) ([]ErasePlan, error) {
	whole, err := planErase("erase-eflash", addr, pages, 0, ExternalPageSize, spiFlashSize)
	if err != nil {
		return nil, err
	}
	var blocks []ErasePlan
	remaining := whole.PageCount
	blockAddr := whole.AlignedAddr
	for remaining > 0 {
		n := remaining
		if n > ExternalEraseBlock {
			n = ExternalEraseBlock
		}
		blocks = append(blocks, ErasePlan{AlignedAddr: blockAddr, PageCount: n})
		blockAddr += n * ExternalPageSize
		remaining -= n
	}
	return blocks, nil
}

func errBoundsf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
