// Package testutil provides shared test fixtures, in particular synthetic
// ESPARGOS CSI payloads used across the csi package tests.
package testutil

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/espargos/goespargos/internal/csi/wire"
)

// Payload field offsets, as documented in the wire package.
const (
	offRxMeta      = 4
	offSourceMAC   = 68
	offDestMAC     = 74
	offSeqCtrl     = 80
	offTimestamp   = 82
	offCalibFlag   = 86
	offCSIRegion   = 90
	csiRegionBytes = 384
)

// PayloadOptions describes a synthetic CSI payload. The zero value yields a
// decodable broadcast frame on channel 13 from MAC 01:02:03:04:05:06.
type PayloadOptions struct {
	Revision    *wire.Revision // nil selects Densiflorus
	Channel     int            // 0 selects channel 13
	Format      wire.BasebandFormat
	Bonded      bool // set the CWB bit of HT-SIG1
	Seq         uint16
	MAC         []byte // nil selects 01:02:03:04:05:06
	TimestampUS uint32
	Calibration bool
	CSIRegion   []byte // raw channel-estimate bytes, zero-filled when nil
}

// Payload serializes one CSI payload of wire.PayloadSize bytes.
func Payload(o PayloadOptions) []byte {
	rev := o.Revision
	if rev == nil {
		rev = wire.Densiflorus
	}
	channel := o.Channel
	if channel == 0 {
		channel = 13
	}
	mac := o.MAC
	if mac == nil {
		mac = []byte{1, 2, 3, 4, 5, 6}
	}

	p := make([]byte, wire.PayloadSize)
	binary.LittleEndian.PutUint32(p, rev.TypeHeader)

	meta := p[offRxMeta:]
	if o.Bonded {
		binary.LittleEndian.PutUint32(meta[4*1:], 0x80)
	}
	binary.LittleEndian.PutUint32(meta[4*7:], uint32(channel))
	binary.LittleEndian.PutUint32(meta[4*9:], uint32(o.Format)<<12)

	copy(p[offSourceMAC:], mac)
	copy(p[offDestMAC:], []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	binary.LittleEndian.PutUint16(p[offSeqCtrl:], o.Seq<<4)
	binary.LittleEndian.PutUint32(p[offTimestamp:], o.TimestampUS)
	if o.Calibration {
		p[offCalibFlag] = 1
	}
	copy(p[offCSIRegion:offCSIRegion+csiRegionBytes], o.CSIRegion)

	return p
}

// Fragment builds and decodes one payload.
func Fragment(t *testing.T, o PayloadOptions) *wire.Fragment {
	t.Helper()
	rev := o.Revision
	if rev == nil {
		rev = wire.Densiflorus
	}
	frag, err := wire.Decode(rev, Payload(o))
	require.NoError(t, err)
	return frag
}

// StreamFrame serializes one stream frame for the given sensor: the
// little-endian sensor index followed by the payload.
func StreamFrame(sensor int, o PayloadOptions) []byte {
	frame := make([]byte, 0, wire.FrameSize)
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(sensor))
	frame = append(frame, idx[:]...)
	return append(frame, Payload(o)...)
}
