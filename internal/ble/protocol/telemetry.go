package protocol

// VehicleInfo is the body state reported in a KindVehicleInfo response.
type VehicleInfo struct {
	BatteryPercent    uint32 `json:"battery_percent"`
	Locked            bool   `json:"locked"`
	SaddleOpen        bool   `json:"saddle_open"`
	TailBoxOpen       bool   `json:"tail_box_open"`
	BatteryCoverOpen  bool   `json:"battery_cover_open"`
	MileageMeters     uint64 `json:"mileage_meters"`
	SpeedKmh          uint32 `json:"speed_kmh"`
	VoltageMillivolts uint32 `json:"voltage_mv"`
}

// IotInfo is the cellular module state reported in a KindIotInfo response.
type IotInfo struct {
	IMEI            string `json:"imei"`
	FirmwareVersion string `json:"firmware_version"`
	SignalStrength  uint32 `json:"signal_strength"` // CSQ, 0-31
	Online          bool   `json:"online"`
}

// MarshalVehicleInfo encodes VehicleInfo.
//
//	field 1 (uint32): battery percent
//	field 2 (bool):   locked
//	field 3 (bool):   saddle open
//	field 4 (bool):   tail box open
//	field 5 (bool):   battery cover open
//	field 6 (uint64): mileage in meters
//	field 7 (uint32): speed km/h
//	field 8 (uint32): pack voltage in mV
func MarshalVehicleInfo(v VehicleInfo) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(v.BatteryPercent))
	buf = appendBoolField(buf, 2, v.Locked)
	buf = appendBoolField(buf, 3, v.SaddleOpen)
	buf = appendBoolField(buf, 4, v.TailBoxOpen)
	buf = appendBoolField(buf, 5, v.BatteryCoverOpen)
	buf = appendVarintField(buf, 6, v.MileageMeters)
	buf = appendVarintField(buf, 7, uint64(v.SpeedKmh))
	buf = appendVarintField(buf, 8, uint64(v.VoltageMillivolts))
	return buf
}

// UnmarshalVehicleInfo decodes VehicleInfo. Unknown fields are skipped.
func UnmarshalVehicleInfo(data []byte) (*VehicleInfo, error) {
	v := &VehicleInfo{}
	err := walkFields(data, func(field uint64, val uint64, _ []byte) {
		switch field {
		case 1:
			v.BatteryPercent = uint32(val)
		case 2:
			v.Locked = val != 0
		case 3:
			v.SaddleOpen = val != 0
		case 4:
			v.TailBoxOpen = val != 0
		case 5:
			v.BatteryCoverOpen = val != 0
		case 6:
			v.MileageMeters = val
		case 7:
			v.SpeedKmh = uint32(val)
		case 8:
			v.VoltageMillivolts = uint32(val)
		}
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// MarshalIotInfo encodes IotInfo.
//
//	field 1 (string): imei
//	field 2 (string): firmware version
//	field 3 (uint32): signal strength
//	field 4 (bool):   online
func MarshalIotInfo(v IotInfo) []byte {
	var buf []byte
	buf = appendStringField(buf, 1, v.IMEI)
	buf = appendStringField(buf, 2, v.FirmwareVersion)
	buf = appendVarintField(buf, 3, uint64(v.SignalStrength))
	buf = appendBoolField(buf, 4, v.Online)
	return buf
}

// UnmarshalIotInfo decodes IotInfo. Unknown fields are skipped.
func UnmarshalIotInfo(data []byte) (*IotInfo, error) {
	v := &IotInfo{}
	err := walkFields(data, func(field uint64, val uint64, b []byte) {
		switch field {
		case 1:
			v.IMEI = string(b)
		case 2:
			v.FirmwareVersion = string(b)
		case 3:
			v.SignalStrength = uint32(val)
		case 4:
			v.Online = val != 0
		}
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
