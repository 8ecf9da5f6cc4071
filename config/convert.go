package config

// Device-native imaging values and their ONVIF-facing forms. The firmware
// reports luminance on a 0-10000 scale and IR lock times in microseconds;
// ONVIF clients expect 0-100 and seconds. Conversion happens exactly once at
// startup so readers never repeat it.

// DeviceImaging carries the raw values read from the camera's vendor config
// sections before normalization.
type DeviceImaging struct {
	DayNightMode     int // 0=day, 1=night, 2=auto (device encoding)
	DayToNightLum    int // 0-10000
	NightToDayLum    int // 0-10000
	LockTimeUs       int64
	IRLedMode        int
	IRCutLevel       int
}

// ONVIFImaging is the normalized form handed to the imaging service.
type ONVIFImaging struct {
	IrCutFilterMode int // 0=OFF, 1=ON, 2=AUTO (ONVIF encoding)
	DayToNightLum   int // 0-100
	NightToDayLum   int // 0-100
	LockTimeSec     int
	IRLedMode       int
	IRCutLevel      int
}

// LuminanceToONVIF maps the device 0-10000 luminance scale to ONVIF 0-100.
func LuminanceToONVIF(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10000 {
		return 100
	}
	return v / 100
}

// LockTimeToSeconds converts a device lock time in microseconds to whole
// seconds.
func LockTimeToSeconds(us int64) int {
	if us < 0 {
		return 0
	}
	return int(us / 1_000_000)
}

// DayNightModeToONVIF maps the device day/night enum to the ONVIF IrCutFilter
// enum. The encodings run in opposite directions: device 0/1/2 (day, night,
// auto) becomes ONVIF 2/1/0 (AUTO is 2 in the device world but the filter is
// OFF in day mode).
func DayNightModeToONVIF(mode int) int {
	switch mode {
	case 0:
		return 2
	case 1:
		return 1
	default:
		return 0
	}
}

// DayNightModeFromONVIF is the inverse mapping applied when a client sets
// the IR cut filter.
func DayNightModeFromONVIF(mode int) int {
	switch mode {
	case 2:
		return 0
	case 1:
		return 1
	default:
		return 2
	}
}

// ConvertDeviceValues performs the one-way device→ONVIF normalization at
// config-init time.
func ConvertDeviceValues(d DeviceImaging) ONVIFImaging {
	return ONVIFImaging{
		IrCutFilterMode: DayNightModeToONVIF(d.DayNightMode),
		DayToNightLum:   LuminanceToONVIF(d.DayToNightLum),
		NightToDayLum:   LuminanceToONVIF(d.NightToDayLum),
		LockTimeSec:     LockTimeToSeconds(d.LockTimeUs),
		IRLedMode:       d.IRLedMode,
		IRCutLevel:      d.IRCutLevel,
	}
}
