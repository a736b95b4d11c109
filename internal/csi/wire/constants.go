package wire

// Array geometry. Every ESPARGOS board carries two rows of four antennas,
// one SPI controller per row.
const (
	RowsPerBoard     = 2
	AntennasPerRow   = 4
	AntennasPerBoard = RowsPerBoard * AntennasPerRow
)

// AntennaSeparation is the distance between the centers of two adjacent
// antennas in meters.
const AntennaSeparation = 0.06

// Physical constants and 2.4 GHz WiFi channelization.
const (
	SpeedOfLight = 299792458.0

	// WifiChannel1Frequency is the center frequency of channel 1 in Hz.
	WifiChannel1Frequency = 2.412e9

	// WifiChannelSpacing is the frequency spacing of WiFi channels in Hz.
	WifiChannelSpacing = 5e6

	// WifiSubcarrierSpacing is the OFDM subcarrier spacing in Hz.
	WifiSubcarrierSpacing = 312.5e3
)

// Active subcarrier counts per waveform.
const (
	// LegacySubcarriers is the number of channel coefficients estimated from
	// the L-LTF of a legacy (802.11g) packet.
	LegacySubcarriers = 53

	// HTSubcarriers is the number of channel coefficients estimated from the
	// HT-LTF of one 20 MHz channel.
	HTSubcarriers = 57

	// HT40GapSubcarriers is the number of unmeasured subcarriers between the
	// primary and secondary sub-bands of a bonded 40 MHz channel.
	HT40GapSubcarriers = 3

	// HT40Subcarriers is the total width of an HT40 estimate including the
	// interpolated gap.
	HT40Subcarriers = HTSubcarriers + HT40GapSubcarriers + HTSubcarriers
)

// Stream framing sizes in bytes.
const (
	// PayloadSize is the fixed size of one serialized CSI payload (the
	// sensor SPI buffer size).
	PayloadSize = 512

	// FrameSize is one stream frame: a 4-byte little-endian sensor index
	// followed by the payload.
	FrameSize = 4 + PayloadSize

	// csiRegionSize is the raw channel-estimate region inside a payload.
	csiRegionSize = 384
)

// StreamMagic is the fixed 4-byte value a controller must deliver before any
// stream frames. Receiving anything else is a connection error.
var StreamMagic = [4]byte{0xE5, 0xA7, 0x60, 0x00}

// BasebandFormat identifies the waveform a packet was demodulated with, as
// reported by the receiver baseband.
type BasebandFormat uint8

const (
	Format11B BasebandFormat = 0
	Format11G BasebandFormat = 1
	FormatHT  BasebandFormat = 2
	FormatVHT BasebandFormat = 3
	FormatHE  BasebandFormat = 4
)

// RFFeed identifies which physical feed path an antenna sensor is switched
// to.
type RFFeed uint8

const (
	// FeedReference routes the on-board phase reference signal into the
	// receiver instead of an antenna. Used during calibration.
	FeedReference RFFeed = 0

	// FeedAntennaR and FeedAntennaL select the right/left circular
	// polarization feed probes.
	FeedAntennaR RFFeed = 1
	FeedAntennaL RFFeed = 2

	// FeedUnknown marks sensors whose switch state was not reported.
	FeedUnknown RFFeed = 3
)

func (f RFFeed) String() string {
	switch f {
	case FeedReference:
		return "reference"
	case FeedAntennaR:
		return "antenna-r"
	case FeedAntennaL:
		return "antenna-l"
	default:
		return "unknown"
	}
}
