// Package config implements the runtime configuration store: a schema
// validated key/value surface over typed settings structs, with a generation
// counter for change detection and a coalescing queue for asynchronous
// persistence to the camera's INI file.
package config

// Section identifies one configuration namespace. The set is closed; the
// store rejects anything outside it.
type Section int

const (
	SectionONVIF Section = iota
	SectionNetwork
	SectionDevice
	SectionLogging
	SectionServer
	sectionCount
)

var sectionNames = [sectionCount]string{
	SectionONVIF:   "onvif",
	SectionNetwork: "network",
	SectionDevice:  "device",
	SectionLogging: "logging",
	SectionServer:  "server",
}

func (s Section) String() string {
	if s < 0 || s >= sectionCount {
		return "unknown"
	}
	return sectionNames[s]
}

// SectionByName maps an INI section header to its Section.
func SectionByName(name string) (Section, bool) {
	for i, n := range sectionNames {
		if n == name {
			return Section(i), true
		}
	}
	return 0, false
}

// ValueType is the schema-declared type of one entry.
type ValueType int

const (
	TypeInt ValueType = iota
	TypeBool
	TypeString
	TypeFloat
)

// Entry describes one configurable value: its location, type, bounds and
// default. Min/Max apply to int entries, MaxLen to strings.
type Entry struct {
	Section  Section
	Key      string
	Type     ValueType
	Required bool
	Min      int
	Max      int
	MaxLen   int
	Default  string
}

const (
	portMin = 1
	portMax = 65535

	stringLenStandard = 64
	stringLenShort    = 32
)

var schema = []Entry{
	{SectionONVIF, "enabled", TypeBool, true, 0, 1, 0, "1"},
	{SectionONVIF, "http_port", TypeInt, true, portMin, portMax, 0, "8080"},
	{SectionONVIF, "auth_enabled", TypeBool, true, 0, 1, 0, "0"},
	{SectionONVIF, "username", TypeString, false, 0, 0, stringLenShort, "admin"},
	{SectionONVIF, "password", TypeString, false, 0, 0, stringLenShort, "admin"},

	{SectionNetwork, "rtsp_port", TypeInt, true, portMin, portMax, 0, "554"},
	{SectionNetwork, "snapshot_port", TypeInt, true, portMin, portMax, 0, "8080"},
	{SectionNetwork, "ws_discovery_port", TypeInt, true, portMin, portMax, 0, "3702"},

	{SectionDevice, "manufacturer", TypeString, true, 0, 0, stringLenStandard, "Anyka"},
	{SectionDevice, "model", TypeString, true, 0, 0, stringLenStandard, "AK3918"},
	{SectionDevice, "firmware_version", TypeString, true, 0, 0, stringLenStandard, "1.0"},
	{SectionDevice, "serial_number", TypeString, true, 0, 0, stringLenStandard, "000000"},
	{SectionDevice, "hardware_id", TypeString, true, 0, 0, stringLenStandard, "AK3918"},

	{SectionLogging, "enabled", TypeInt, true, 0, 1, 0, "1"},
	{SectionLogging, "use_colors", TypeInt, false, 0, 1, 0, "1"},
	{SectionLogging, "use_timestamps", TypeInt, false, 0, 1, 0, "1"},
	{SectionLogging, "min_level", TypeInt, true, 0, 5, 0, "2"},
	{SectionLogging, "tag", TypeString, false, 0, 0, stringLenShort, "ONVIF"},
	{SectionLogging, "http_verbose", TypeInt, false, 0, 1, 0, "0"},

	{SectionServer, "worker_threads", TypeInt, true, 1, 32, 0, "4"},
	{SectionServer, "max_connections", TypeInt, true, 1, 1000, 0, "100"},
	{SectionServer, "connection_timeout", TypeInt, true, 1, 300, 0, "30"},
	{SectionServer, "keepalive_timeout", TypeInt, true, 1, 300, 0, "60"},
	{SectionServer, "epoll_timeout", TypeInt, true, 1, 10000, 0, "1000"},
	{SectionServer, "cleanup_interval", TypeInt, true, 1, 3600, 0, "300"},
}

// SchemaLookup finds the schema entry for a section/key pair.
func SchemaLookup(section Section, key string) (Entry, bool) {
	for _, e := range schema {
		if e.Section == section && e.Key == key {
			return e, true
		}
	}
	return Entry{}, false
}

// SchemaEntries returns the entries belonging to one section, in declaration
// order. Used by the INI writer to emit a complete file.
func SchemaEntries(section Section) []Entry {
	var out []Entry
	for _, e := range schema {
		if e.Section == section {
			out = append(out, e)
		}
	}
	return out
}
