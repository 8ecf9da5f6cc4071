package soap

// ServiceType identifies one ONVIF service endpoint.
type ServiceType int

const (
	ServiceDevice ServiceType = iota
	ServiceMedia
	ServicePTZ
	ServiceImaging
	ServiceSnapshot
)

// Namespace URIs used on the wire.
const (
	NSEnvelope = "http://www.w3.org/2003/05/soap-envelope"
	NSSchema   = "http://www.onvif.org/ver10/schema"
	NSDevice   = "http://www.onvif.org/ver10/device/wsdl"
	NSMedia    = "http://www.onvif.org/ver10/media/wsdl"
	NSPTZ      = "http://www.onvif.org/ver20/ptz/wsdl"
	NSImaging  = "http://www.onvif.org/ver20/imaging/wsdl"
)

type namespaceBinding struct {
	prefix string
	uri    string
}

var serviceNamespaces = map[ServiceType]namespaceBinding{
	ServiceDevice:  {"tds", NSDevice},
	ServiceMedia:   {"trt", NSMedia},
	ServicePTZ:     {"tptz", NSPTZ},
	ServiceImaging: {"timg", NSImaging},
}

// PrefixFor returns the canonical namespace prefix for a service. Unknown
// services fall back to the device service prefix.
func PrefixFor(service ServiceType) string {
	if b, ok := serviceNamespaces[service]; ok {
		return b.prefix
	}
	return "tds"
}

// NamespaceFor returns the namespace URI for a service.
func NamespaceFor(service ServiceType) string {
	if b, ok := serviceNamespaces[service]; ok {
		return b.uri
	}
	return NSDevice
}

func (s ServiceType) String() string {
	switch s {
	case ServiceDevice:
		return "device"
	case ServiceMedia:
		return "media"
	case ServicePTZ:
		return "ptz"
	case ServiceImaging:
		return "imaging"
	case ServiceSnapshot:
		return "snapshot"
	}
	return "unknown"
}
