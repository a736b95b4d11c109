package board

// Controller configuration payloads. Field names are fixed by the firmware;
// wificonf uses hyphenated keys, everything else snake case.

// WifiConf is the controller's radio configuration.
type WifiConf struct {
	// CalibMode selects when the controller generates phase reference
	// packets: 0 never, 1 only while the RF switch selects the reference
	// feed, 2 always.
	CalibMode int `json:"calib-mode"`

	// CalibSource selects the REFIN/REFOUT port configuration: 0 internal
	// reference, 1 master (drive REFOUT), 2 slave (expect REFIN).
	CalibSource int `json:"calib-source"`

	ChannelPrimary int `json:"channel-primary"`

	// ChannelSecondary selects channel bonding: 0 none, 1 above, 2 below.
	ChannelSecondary int `json:"channel-secondary"`

	CountryCode string `json:"country-code"`

	// CalibTxPower is the reference packet TX power, 8 (2 dBm) to
	// 80 (20 dBm).
	CalibTxPower int `json:"calib-txpower"`

	// CalibInterval is the reference packet interval in milliseconds.
	CalibInterval int `json:"calib-interval"`
}

// CSIAcquireConfig selects which waveforms the sensors estimate CSI for.
type CSIAcquireConfig struct {
	Enable            bool `json:"enable"`
	AcquireLegacy     bool `json:"acquire_csi_legacy"`
	AcquireForceLLTF  bool `json:"acquire_csi_force_lltf"`
	AcquireHT20       bool `json:"acquire_csi_ht20"`
	AcquireHT40       bool `json:"acquire_csi_ht40"`
	AcquireVHT        bool `json:"acquire_csi_vht"`
	AcquireHESU       bool `json:"acquire_csi_su"`
	AcquireHEMU       bool `json:"acquire_csi_mu"`
	AcquireHEDCM      bool `json:"acquire_csi_dcm"`
	AcquireBeamformed bool `json:"acquire_csi_beamformed"`

	// HESTBCMode: 0 acquire HE-LTF1, 1 acquire HE-LTF2, 2 sample evenly
	// among both.
	HESTBCMode int `json:"acquire_csi_he_stbc_mode"`

	// ValScaleCfg is the firmware value scaling configuration, 0-3.
	ValScaleCfg int `json:"val_scale_cfg"`

	DumpACK bool `json:"dump_ack_en"`
}

// GainSettings controls manual versus automatic receiver gain.
type GainSettings struct {
	FFTScaleEnable bool `json:"fft_scale_enable"`
	FFTScaleValue  int  `json:"fft_scale_value"`
	RxGainEnable   bool `json:"rx_gain_enable"`
	RxGainValue    int  `json:"rx_gain_value"`
}

// MACFilter restricts reception to transmitters matching MAC under MACMask.
// Omitted fields are left unchanged by the controller.
type MACFilter struct {
	Enable  bool   `json:"enable"`
	MAC     string `json:"mac,omitempty"`
	MACMask string `json:"mac_mask,omitempty"`
}

// Netconf is the controller's network configuration as reported by
// get_netconf.
type Netconf struct {
	Hostname string `json:"hostname"`
}

// IPInfo is the controller's current addressing as reported by get_ip_info.
type IPInfo struct {
	IP      string `json:"ip"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gw"`
}

// DefaultCSIAcquireConfig acquires every waveform the firmware supports.
func DefaultCSIAcquireConfig() CSIAcquireConfig {
	return CSIAcquireConfig{
		Enable:            true,
		AcquireLegacy:     true,
		AcquireHT20:       true,
		AcquireHT40:       true,
		AcquireVHT:        true,
		AcquireHESU:       true,
		AcquireHEMU:       true,
		AcquireHEDCM:      true,
		AcquireBeamformed: true,
		HESTBCMode:        2,
		DumpACK:           true,
	}
}

// DefaultGainSettings leaves all gain stages in automatic mode.
func DefaultGainSettings() GainSettings {
	return GainSettings{}
}
