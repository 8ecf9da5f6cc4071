package config

import "strconv"

// Settings is the backing storage for the store: one typed struct per
// section. Service handlers never touch these directly; everything goes
// through the store's get/set API.
type Settings struct {
	ONVIF   ONVIFSettings
	Network NetworkSettings
	Device  DeviceInfo
	Logging LoggingSettings
	Server  ServerSettings
}

type ONVIFSettings struct {
	Enabled     bool
	HTTPPort    int
	AuthEnabled bool
	Username    string
	Password    string
}

type NetworkSettings struct {
	RTSPPort        int
	SnapshotPort    int
	WSDiscoveryPort int
}

type DeviceInfo struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	HardwareID      string
}

type LoggingSettings struct {
	Enabled       int
	UseColors     int
	UseTimestamps int
	MinLevel      int
	Tag           string
	HTTPVerbose   int
}

type ServerSettings struct {
	WorkerThreads     int
	MaxConnections    int
	ConnectionTimeout int
	KeepaliveTimeout  int
	EpollTimeout      int
	CleanupInterval   int
}

// fieldRef points at the concrete struct field backing one schema entry.
// Exactly one pointer is non-nil, matching the entry's declared type.
type fieldRef struct {
	i *int
	b *bool
	s *string
	f *float64
}

// field resolves a section/key pair to its storage location. The mapping is
// the Go rendition of the section/key lookup table: a closed set known at
// compile time.
func (st *Settings) field(section Section, key string) (fieldRef, bool) {
	switch section {
	case SectionONVIF:
		switch key {
		case "enabled":
			return fieldRef{b: &st.ONVIF.Enabled}, true
		case "http_port":
			return fieldRef{i: &st.ONVIF.HTTPPort}, true
		case "auth_enabled":
			return fieldRef{b: &st.ONVIF.AuthEnabled}, true
		case "username":
			return fieldRef{s: &st.ONVIF.Username}, true
		case "password":
			return fieldRef{s: &st.ONVIF.Password}, true
		}
	case SectionNetwork:
		switch key {
		case "rtsp_port":
			return fieldRef{i: &st.Network.RTSPPort}, true
		case "snapshot_port":
			return fieldRef{i: &st.Network.SnapshotPort}, true
		case "ws_discovery_port":
			return fieldRef{i: &st.Network.WSDiscoveryPort}, true
		}
	case SectionDevice:
		switch key {
		case "manufacturer":
			return fieldRef{s: &st.Device.Manufacturer}, true
		case "model":
			return fieldRef{s: &st.Device.Model}, true
		case "firmware_version":
			return fieldRef{s: &st.Device.FirmwareVersion}, true
		case "serial_number":
			return fieldRef{s: &st.Device.SerialNumber}, true
		case "hardware_id":
			return fieldRef{s: &st.Device.HardwareID}, true
		}
	case SectionLogging:
		switch key {
		case "enabled":
			return fieldRef{i: &st.Logging.Enabled}, true
		case "use_colors":
			return fieldRef{i: &st.Logging.UseColors}, true
		case "use_timestamps":
			return fieldRef{i: &st.Logging.UseTimestamps}, true
		case "min_level":
			return fieldRef{i: &st.Logging.MinLevel}, true
		case "tag":
			return fieldRef{s: &st.Logging.Tag}, true
		case "http_verbose":
			return fieldRef{i: &st.Logging.HTTPVerbose}, true
		}
	case SectionServer:
		switch key {
		case "worker_threads":
			return fieldRef{i: &st.Server.WorkerThreads}, true
		case "max_connections":
			return fieldRef{i: &st.Server.MaxConnections}, true
		case "connection_timeout":
			return fieldRef{i: &st.Server.ConnectionTimeout}, true
		case "keepalive_timeout":
			return fieldRef{i: &st.Server.KeepaliveTimeout}, true
		case "epoll_timeout":
			return fieldRef{i: &st.Server.EpollTimeout}, true
		case "cleanup_interval":
			return fieldRef{i: &st.Server.CleanupInterval}, true
		}
	}
	return fieldRef{}, false
}

// formatValue renders the current value of one entry for the INI writer.
func (st *Settings) formatValue(e Entry) string {
	ref, ok := st.field(e.Section, e.Key)
	if !ok {
		return e.Default
	}
	switch {
	case ref.i != nil:
		return strconv.Itoa(*ref.i)
	case ref.b != nil:
		if *ref.b {
			return "1"
		}
		return "0"
	case ref.s != nil:
		return *ref.s
	case ref.f != nil:
		return strconv.FormatFloat(*ref.f, 'f', -1, 64)
	}
	return e.Default
}

// Defaults builds a Settings populated from schema defaults.
func Defaults() Settings {
	var st Settings
	for _, e := range schema {
		ref, ok := st.field(e.Section, e.Key)
		if !ok {
			continue
		}
		switch e.Type {
		case TypeInt:
			v, _ := strconv.Atoi(e.Default)
			*ref.i = v
		case TypeBool:
			*ref.b = e.Default == "1" || e.Default == "true"
		case TypeString:
			*ref.s = e.Default
		case TypeFloat:
			v, _ := strconv.ParseFloat(e.Default, 64)
			*ref.f = v
		}
	}
	return st
}
