package service

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/SridarDhandapani/onvifd/config"
	"github.com/SridarDhandapani/onvifd/soap"
)

// DeviceService implements the ONVIF Device Management operations backed by
// the configuration store.
type DeviceService struct {
	store *config.Store
	// host reports the externally reachable address, resolved lazily since
	// DHCP may land after startup.
	host func() string
}

// NewDeviceHandler builds the device service dispatch table.
func NewDeviceHandler(store *config.Store, host func() string, log zerolog.Logger) *Handler {
	d := &DeviceService{store: store, host: host}
	return NewHandler(soap.ServiceDevice, []Action{
		{ActionGetDeviceInformation, "GetDeviceInformation", d.getDeviceInformation, false},
		{ActionGetCapabilities, "GetCapabilities", d.getCapabilities, false},
		{ActionGetSystemDateAndTime, "GetSystemDateAndTime", d.getSystemDateAndTime, false},
		{ActionGetServices, "GetServices", d.getServices, false},
		{ActionGetHostname, "GetHostname", d.getHostname, false},
		{ActionSetHostname, "SetHostname", d.setHostname, true},
	}, log)
}

func (d *DeviceService) serviceBase() (string, error) {
	port, err := d.store.GetInt(config.SectionONVIF, "http_port")
	if err != nil {
		return "", errors.Trace(err)
	}
	return fmt.Sprintf("http://%s:%d/onvif", d.host(), port), nil
}

func (d *DeviceService) getDeviceInformation(ctx *soap.Context, _ *Request, resp *Response) error {
	var info [5]string
	keys := []string{"manufacturer", "model", "firmware_version", "serial_number", "hardware_id"}
	for i, key := range keys {
		v, err := d.store.GetString(config.SectionDevice, key)
		if err != nil {
			return errors.Trace(err)
		}
		info[i] = v
	}

	out, err := ctx.GenerateResponse(soap.ServiceDevice,
		soap.ActionResponse(soap.ServiceDevice, "GetDeviceInformation", func(r *etree.Element) {
			r.CreateElement("tds:Manufacturer").SetText(info[0])
			r.CreateElement("tds:Model").SetText(info[1])
			r.CreateElement("tds:FirmwareVersion").SetText(info[2])
			r.CreateElement("tds:SerialNumber").SetText(info[3])
			r.CreateElement("tds:HardwareId").SetText(info[4])
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (d *DeviceService) getCapabilities(ctx *soap.Context, _ *Request, resp *Response) error {
	base, err := d.serviceBase()
	if err != nil {
		return errors.Trace(err)
	}

	out, err := ctx.GenerateResponse(soap.ServiceDevice,
		soap.ActionResponse(soap.ServiceDevice, "GetCapabilities", func(r *etree.Element) {
			caps := r.CreateElement("tds:Capabilities")

			dev := caps.CreateElement("tt:Device")
			dev.CreateElement("tt:XAddr").SetText(base + "/device_service")

			media := caps.CreateElement("tt:Media")
			media.CreateElement("tt:XAddr").SetText(base + "/media_service")
			streaming := media.CreateElement("tt:StreamingCapabilities")
			streaming.CreateElement("tt:RTPMulticast").SetText("false")
			streaming.CreateElement("tt:RTP_TCP").SetText("true")
			streaming.CreateElement("tt:RTP_RTSP_TCP").SetText("true")

			ptz := caps.CreateElement("tt:PTZ")
			ptz.CreateElement("tt:XAddr").SetText(base + "/ptz_service")

			imaging := caps.CreateElement("tt:Imaging")
			imaging.CreateElement("tt:XAddr").SetText(base + "/imaging_service")
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (d *DeviceService) getSystemDateAndTime(ctx *soap.Context, _ *Request, resp *Response) error {
	now := time.Now().UTC()
	out, err := ctx.GenerateResponse(soap.ServiceDevice,
		soap.ActionResponse(soap.ServiceDevice, "GetSystemDateAndTime", func(r *etree.Element) {
			sdt := r.CreateElement("tds:SystemDateAndTime")
			sdt.CreateElement("tt:DateTimeType").SetText("NTP")
			sdt.CreateElement("tt:DaylightSavings").SetText("false")
			tz := sdt.CreateElement("tt:TimeZone")
			tz.CreateElement("tt:TZ").SetText("UTC")

			utc := sdt.CreateElement("tt:UTCDateTime")
			tm := utc.CreateElement("tt:Time")
			tm.CreateElement("tt:Hour").SetText(fmt.Sprintf("%d", now.Hour()))
			tm.CreateElement("tt:Minute").SetText(fmt.Sprintf("%d", now.Minute()))
			tm.CreateElement("tt:Second").SetText(fmt.Sprintf("%d", now.Second()))
			date := utc.CreateElement("tt:Date")
			date.CreateElement("tt:Year").SetText(fmt.Sprintf("%d", now.Year()))
			date.CreateElement("tt:Month").SetText(fmt.Sprintf("%d", int(now.Month())))
			date.CreateElement("tt:Day").SetText(fmt.Sprintf("%d", now.Day()))
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (d *DeviceService) getServices(ctx *soap.Context, _ *Request, resp *Response) error {
	base, err := d.serviceBase()
	if err != nil {
		return errors.Trace(err)
	}

	services := []struct {
		ns   string
		path string
	}{
		{soap.NSDevice, "/device_service"},
		{soap.NSMedia, "/media_service"},
		{soap.NSPTZ, "/ptz_service"},
		{soap.NSImaging, "/imaging_service"},
	}

	out, err := ctx.GenerateResponse(soap.ServiceDevice,
		soap.ActionResponse(soap.ServiceDevice, "GetServices", func(r *etree.Element) {
			for _, svc := range services {
				s := r.CreateElement("tds:Service")
				s.CreateElement("tds:Namespace").SetText(svc.ns)
				s.CreateElement("tds:XAddr").SetText(base + svc.path)
				ver := s.CreateElement("tds:Version")
				ver.CreateElement("tt:Major").SetText("2")
				ver.CreateElement("tt:Minor").SetText("40")
			}
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (d *DeviceService) getHostname(ctx *soap.Context, _ *Request, resp *Response) error {
	model, err := d.store.GetString(config.SectionDevice, "model")
	if err != nil {
		return errors.Trace(err)
	}

	out, err := ctx.GenerateResponse(soap.ServiceDevice,
		soap.ActionResponse(soap.ServiceDevice, "GetHostname", func(r *etree.Element) {
			info := r.CreateElement("tds:HostnameInformation")
			info.CreateElement("tt:FromDHCP").SetText("false")
			info.CreateElement("tt:Name").SetText(model)
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (d *DeviceService) setHostname(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseSetHostname()
	if err != nil {
		return errors.Trace(err)
	}
	if err := d.store.SetString(config.SectionDevice, "model", req.Name); err != nil {
		return errors.Trace(err)
	}

	out, err := ctx.GenerateResponse(soap.ServiceDevice,
		soap.ActionResponse(soap.ServiceDevice, "SetHostname", nil))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}
