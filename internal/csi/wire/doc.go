// Package wire decodes the fixed-layout binary buffers streamed by ESPARGOS
// controller boards into structured per-antenna channel-state fragments.
//
// The stream framing is [4-byte sensor index][512-byte payload]. Each payload
// carries a type/revision header, a 64-byte receive-metadata block of packed
// bitfields, addressing and sequence-control fields, and a 384-byte raw
// channel-estimate region whose interpretation depends on the waveform the
// packet was received with (legacy, HT20 or HT40).
//
// Decoding is table driven: every bitfield is extracted by explicit
// shift/mask over little-endian 32-bit words (see rxMetaField), so adding a
// hardware revision means adding a Revision value and its tables rather than
// branching throughout the codebase.
package wire
