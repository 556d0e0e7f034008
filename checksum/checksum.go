// Package checksum is the thin, swappable boundary around the CRC-32
// algorithm the wire protocol uses for read-back and write-verify
// integrity checks. The engine depends only on the Checksummer
// interface; IEEEHDLC is the default, grounded on the pack's own use
// of crc32.ChecksumIEEE (bc/fountain.go) -- CRC-32-ISO-HDLC shares the
// same polynomial, reflection, and init/final XOR as IEEE 802.3, so
// no hand-rolled table is needed.
package checksum

import "hash/crc32"

// Checksummer computes a CRC-32 over a byte slice. Swappable so a
// different adapter generation's checksum (if any existed) could be
// substituted without touching the engine.
type Checksummer interface {
	Checksum32(data []byte) uint32
}

// IEEEHDLC is CRC-32-ISO-HDLC: polynomial 0x04C11DB7, reflected input
// and output, init 0xFFFFFFFF, final XOR 0xFFFFFFFF -- bit-identical
// to IEEE 802.3 Ethernet's CRC-32.
type IEEEHDLC struct{}

func (IEEEHDLC) Checksum32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Default is the Checksummer the engine uses unless a caller supplies
// its own.
var Default Checksummer = IEEEHDLC{}
