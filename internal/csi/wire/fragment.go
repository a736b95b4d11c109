package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Payload byte offsets. The serialized CSI structure is packed little-endian
// with no padding between fields:
//
//	off  size  field
//	0    4     type header (must match the board revision)
//	4    64    receive metadata block (16 LE 32-bit words, see rxMetaField)
//	68   6     source MAC
//	74   6     dest MAC
//	80   2     sequence control (bits 0-3 fragment, bits 4-15 sequence)
//	82   4     hardware timestamp, microseconds (32-bit)
//	86   1     calibration-packet flag
//	87   1     first-word-invalid flag
//	88   1     RF feed state
//	89   1     forced-legacy acquisition flag
//	90   384   raw channel-estimate region
//	474  8     global timestamp, microseconds (64-bit, 0 = not available)
//	482+       padding up to PayloadSize
const (
	offTypeHeader      = 0
	offRxMeta          = 4
	rxMetaSize         = 64
	offSourceMAC       = 68
	offDestMAC         = 74
	offSeqCtrl         = 80
	offTimestamp       = 82
	offCalibFlag       = 86
	offFirstWordFlag   = 87
	offRFFeed          = 88
	offForcedLegacy    = 89
	offCSIRegion       = 90
	offGlobalTimestamp = 474
)

// rxMetaField addresses one bitfield inside the 64-byte receive metadata
// block: a little-endian 32-bit word index plus bit offset and width.
type rxMetaField struct {
	word  int
	shift uint
	width uint
}

func (f rxMetaField) extract(meta []byte) uint32 {
	w := binary.LittleEndian.Uint32(meta[4*f.word:])
	mask := uint32(1)<<f.width - 1
	return (w >> f.shift) & mask
}

// Receive metadata bitfield table. Offsets follow the receiver baseband
// register dump layout; reserved regions are omitted.
var (
	fieldRSSI          = rxMetaField{word: 0, shift: 0, width: 8}  // signed
	fieldRate          = rxMetaField{word: 0, shift: 8, width: 5}
	fieldHTSig1        = rxMetaField{word: 1, shift: 0, width: 32} // bit 7 = channel bonding
	fieldRxEndState    = rxMetaField{word: 2, shift: 0, width: 8}
	fieldRxStartCyc    = rxMetaField{word: 2, shift: 24, width: 7}
	fieldNoiseFloor    = rxMetaField{word: 5, shift: 0, width: 8} // signed
	fieldFFTGain       = rxMetaField{word: 5, shift: 16, width: 8}
	fieldAGCGain       = rxMetaField{word: 5, shift: 24, width: 8}
	fieldChannel       = rxMetaField{word: 7, shift: 0, width: 8}
	fieldSecondaryChan = rxMetaField{word: 7, shift: 8, width: 8}
	fieldRxStartCycDec = rxMetaField{word: 8, shift: 8, width: 11}
	fieldBBFormat      = rxMetaField{word: 9, shift: 12, width: 4}
	fieldEstimateLen   = rxMetaField{word: 9, shift: 16, width: 10}
	fieldEstimateValid = rxMetaField{word: 9, shift: 26, width: 1}
	fieldSigLen        = rxMetaField{word: 14, shift: 0, width: 14}
	fieldRxState       = rxMetaField{word: 15, shift: 0, width: 8}
)

// Hardware timestamp model: the latched microsecond counter lags the true
// receive start by a fixed offset, refined by the 80 MHz cycle counter.
const (
	hwTimestampLagNS = 20800
	cycPeriodNS      = 1e9 / 80e6
)

// channelBondingBit is the CWB flag inside the HT-SIG1 field.
const channelBondingBit = 0x80

// DecodeError reports a malformed or undecodable payload. Decode errors are
// logged by callers and the fragment treated as missing; they never abort a
// read loop.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "csi decode: " + e.Reason
}

// SecondaryChannel encodes the position of the secondary 20 MHz channel
// relative to the primary.
type SecondaryChannel int

const (
	SecondaryNone  SecondaryChannel = 0
	SecondaryAbove SecondaryChannel = 1
	SecondaryBelow SecondaryChannel = -1
)

// Fragment is one antenna's decoded contribution to one over-the-air packet.
// It is immutable once decoded.
type Fragment struct {
	SourceMAC net.HardwareAddr
	DestMAC   net.HardwareAddr

	// Seq and Frag are the 802.11 sequence control fields identifying the
	// packet this fragment belongs to.
	Seq  uint16
	Frag uint8

	// Calibration marks packets generated from the on-board phase
	// reference rather than received over the air.
	Calibration bool

	// ForcedLegacy reports that the sensor was configured to always
	// acquire the L-LTF, which changes the legacy subcarrier packing.
	ForcedLegacy bool

	Feed       RFFeed
	RSSI       float64
	NoiseFloor float64
	FFTGain    uint8
	AGCGain    uint8

	Channel   uint8
	Secondary SecondaryChannel
	Format    BasebandFormat

	// ChannelBonded reports the CWB bit of HT-SIG1: the packet occupied a
	// bonded 40 MHz channel.
	ChannelBonded bool

	// TimestampUS is the 32-bit latched microsecond counter;
	// GlobalTimestampUS the 64-bit extension (0 when unavailable).
	TimestampUS       uint32
	GlobalTimestampUS uint64
	rxStartCycles     uint32
	rxStartCyclesDec  uint32

	// csiRegion is the raw channel-estimate region, interpreted per
	// waveform by the Extract* functions.
	csiRegion [csiRegionSize]byte
}

// signed8 reinterprets a low byte stored in an unsigned register field.
func signed8(v uint32) float64 {
	if v&0x80 != 0 {
		return float64(int32(v) - 0x100)
	}
	return float64(v)
}

// Decode parses one payload for the given board revision. The payload must
// be exactly PayloadSize bytes and carry the revision's type header.
func Decode(rev *Revision, payload []byte) (*Fragment, error) {
	if len(payload) != PayloadSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("payload is %d bytes, want %d", len(payload), PayloadSize)}
	}

	header := binary.LittleEndian.Uint32(payload[offTypeHeader:])
	if header != rev.TypeHeader {
		return nil, &DecodeError{Reason: fmt.Sprintf("type header 0x%08X does not match revision %s/%s (0x%08X)",
			header, rev.Device, rev.Name, rev.TypeHeader)}
	}

	meta := payload[offRxMeta : offRxMeta+rxMetaSize]

	frag := &Fragment{
		SourceMAC:         append(net.HardwareAddr(nil), payload[offSourceMAC:offSourceMAC+6]...),
		DestMAC:           append(net.HardwareAddr(nil), payload[offDestMAC:offDestMAC+6]...),
		Calibration:       payload[offCalibFlag] != 0,
		ForcedLegacy:      payload[offForcedLegacy] != 0,
		RSSI:              signed8(fieldRSSI.extract(meta)),
		NoiseFloor:        signed8(fieldNoiseFloor.extract(meta)),
		FFTGain:           uint8(fieldFFTGain.extract(meta)),
		AGCGain:           uint8(fieldAGCGain.extract(meta)),
		Channel:           uint8(fieldChannel.extract(meta)),
		Format:            BasebandFormat(fieldBBFormat.extract(meta)),
		ChannelBonded:     fieldHTSig1.extract(meta)&channelBondingBit != 0,
		TimestampUS:       binary.LittleEndian.Uint32(payload[offTimestamp:]),
		GlobalTimestampUS: binary.LittleEndian.Uint64(payload[offGlobalTimestamp:]),
		rxStartCycles:     fieldRxStartCyc.extract(meta),
		rxStartCyclesDec:  fieldRxStartCycDec.extract(meta),
	}

	seqCtrl := binary.LittleEndian.Uint16(payload[offSeqCtrl:])
	frag.Frag = uint8(seqCtrl & 0x0F)
	frag.Seq = seqCtrl >> 4

	feed := RFFeed(payload[offRFFeed])
	if feed > FeedUnknown {
		feed = FeedUnknown
	}
	frag.Feed = feed

	switch fieldSecondaryChan.extract(meta) {
	case 0:
		frag.Secondary = SecondaryNone
	case 1:
		frag.Secondary = SecondaryAbove
	case 2:
		frag.Secondary = SecondaryBelow
	default:
		return nil, &DecodeError{Reason: "invalid secondary channel indicator"}
	}

	copy(frag.csiRegion[:], payload[offCSIRegion:offCSIRegion+csiRegionSize])
	return frag, nil
}

// Timestamp returns the nanosecond-precision hardware receive time of the
// fragment. The 64-bit global timestamp is preferred when the firmware
// provides one; otherwise the 32-bit counter is used. The value is the
// sampling start time, without the symbol-timing offset the baseband derives
// from the CSI itself.
func (f *Fragment) Timestamp() float64 {
	us := float64(f.TimestampUS)
	if f.GlobalTimestampUS != 0 {
		us = float64(f.GlobalTimestampUS)
	}
	return us*1000 - hwTimestampLagNS + float64(f.rxStartCycles)*cycPeriodNS
}

// HasLegacy reports whether this fragment carries an L-LTF channel estimate.
// Sensors forced into legacy acquisition always provide one; otherwise only
// 802.11g packets do.
func (f *Fragment) HasLegacy() bool {
	if f.ForcedLegacy {
		return true
	}
	return f.Format == Format11G
}

// HasHT20 reports whether this fragment carries an HT-LTF estimate for a
// single 20 MHz channel.
func (f *Fragment) HasHT20() bool {
	return !f.ForcedLegacy && f.Format == FormatHT && !f.ChannelBonded
}

// HasHT40 reports whether this fragment carries an HT-LTF estimate spanning
// a bonded 40 MHz channel.
func (f *Fragment) HasHT40() bool {
	return !f.ForcedLegacy && f.Format == FormatHT && f.ChannelBonded
}
