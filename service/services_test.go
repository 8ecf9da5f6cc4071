package service

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SridarDhandapani/onvifd/config"
)

func testStore(t *testing.T) *config.Store {
	t.Helper()
	s := config.NewStore(filepath.Join(t.TempDir(), "cfg.ini"), zerolog.Nop())
	require.NoError(t, s.Bootstrap())
	return s
}

func soapBody(inner string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"
            xmlns:trt="http://www.onvif.org/ver10/media/wsdl"
            xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl"
            xmlns:timg="http://www.onvif.org/ver20/imaging/wsdl"
            xmlns:tt="http://www.onvif.org/ver10/schema">
  <s:Body>%s</s:Body>
</s:Envelope>`, inner))
}

func dispatch(t *testing.T, h *Handler, name string, body []byte) *Response {
	t.Helper()
	resp := &Response{}
	action := h.Resolve(name)
	require.NoError(t, h.HandleRequest(action, &Request{Action: name, Body: body}, resp))
	return resp
}

func TestDeviceGetDeviceInformation(t *testing.T) {
	store := testStore(t)
	h := NewDeviceHandler(store, func() string { return "192.168.1.10" }, zerolog.Nop())

	resp := dispatch(t, h, "GetDeviceInformation", nil)
	assert.Contains(t, string(resp.Body), "<tds:Manufacturer>Anyka</tds:Manufacturer>")
	assert.Contains(t, string(resp.Body), "<tds:Model>AK3918</tds:Model>")
}

func TestDeviceGetCapabilitiesUsesConfiguredPort(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.SetInt(config.SectionONVIF, "http_port", 8899))
	h := NewDeviceHandler(store, func() string { return "10.0.0.5" }, zerolog.Nop())

	resp := dispatch(t, h, "GetCapabilities", nil)
	assert.Contains(t, string(resp.Body), "http://10.0.0.5:8899/onvif/device_service")
}

func TestMediaGetProfiles(t *testing.T) {
	store := testStore(t)
	h := NewMediaHandler(store, func() string { return "10.0.0.5" }, zerolog.Nop())

	resp := dispatch(t, h, "GetProfiles", nil)
	assert.Contains(t, string(resp.Body), `token="profile_1"`)
	assert.Contains(t, string(resp.Body), `token="profile_2"`)
	assert.Contains(t, string(resp.Body), "MainStream")
}

func TestMediaGetStreamURI(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.SetInt(config.SectionNetwork, "rtsp_port", 8554))
	h := NewMediaHandler(store, func() string { return "10.0.0.5" }, zerolog.Nop())

	body := soapBody(`<trt:GetStreamUri>
  <trt:ProfileToken>profile_1</trt:ProfileToken>
</trt:GetStreamUri>`)
	resp := dispatch(t, h, "GetStreamUri", body)
	assert.Contains(t, string(resp.Body), "rtsp://10.0.0.5:8554/vs0")
}

func TestMediaGetStreamURIUnknownProfile(t *testing.T) {
	store := testStore(t)
	h := NewMediaHandler(store, func() string { return "10.0.0.5" }, zerolog.Nop())

	body := soapBody(`<trt:GetStreamUri><trt:ProfileToken>nope</trt:ProfileToken></trt:GetStreamUri>`)
	resp := dispatch(t, h, "GetStreamUri", body)
	// Unknown profile is a client error: Sender fault on HTTP 200.
	assert.Equal(t, 200, resp.Status)
	assert.Contains(t, string(resp.Body), "soap:Sender")
}

// recordingDriver captures driver calls for assertions.
type recordingDriver struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDriver) record(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, s)
}

func (d *recordingDriver) MoveAbsolute(pan, tilt, zoom float64) error {
	d.record(fmt.Sprintf("abs %g %g %g", pan, tilt, zoom))
	return nil
}
func (d *recordingDriver) MoveRelative(pan, tilt, zoom float64) error {
	d.record("rel")
	return nil
}
func (d *recordingDriver) MoveContinuous(p, t, z float64) error {
	d.record("cont")
	return nil
}
func (d *recordingDriver) Stop() error {
	d.record("stop")
	return nil
}
func (d *recordingDriver) Position() (float64, float64, float64, error) {
	return 0.5, -0.5, 0.1, nil
}

func (d *recordingDriver) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func TestPTZAbsoluteMove(t *testing.T) {
	driver := &recordingDriver{}
	h := NewPTZHandler(driver, zerolog.Nop())

	body := soapBody(`<tptz:AbsoluteMove>
  <tptz:ProfileToken>profile_1</tptz:ProfileToken>
  <tptz:Position><tt:PanTilt x="0.5" y="-0.25"/><tt:Zoom x="0.1"/></tptz:Position>
</tptz:AbsoluteMove>`)
	resp := dispatch(t, h, "AbsoluteMove", body)
	assert.Contains(t, string(resp.Body), "AbsoluteMoveResponse")
	assert.Equal(t, []string{"abs 0.5 -0.25 0.1"}, driver.snapshot())
}

func TestPTZContinuousMoveAutoStop(t *testing.T) {
	driver := &recordingDriver{}
	h := NewPTZHandler(driver, zerolog.Nop())

	body := soapBody(`<tptz:ContinuousMove>
  <tptz:ProfileToken>profile_1</tptz:ProfileToken>
  <tptz:Velocity><tt:PanTilt x="1" y="0"/></tptz:Velocity>
  <tptz:Timeout>PT1S</tptz:Timeout>
</tptz:ContinuousMove>`)
	dispatch(t, h, "ContinuousMove", body)

	// The safety timer stops the move without an explicit Stop.
	require.Eventually(t, func() bool {
		calls := driver.snapshot()
		return len(calls) == 2 && calls[1] == "stop"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestPTZExplicitStopDisarmsTimer(t *testing.T) {
	driver := &recordingDriver{}
	h := NewPTZHandler(driver, zerolog.Nop())

	move := soapBody(`<tptz:ContinuousMove>
  <tptz:ProfileToken>p</tptz:ProfileToken>
  <tptz:Velocity><tt:PanTilt x="1" y="0"/></tptz:Velocity>
  <tptz:Timeout>PT1S</tptz:Timeout>
</tptz:ContinuousMove>`)
	stop := soapBody(`<tptz:Stop><tptz:ProfileToken>p</tptz:ProfileToken></tptz:Stop>`)

	dispatch(t, h, "ContinuousMove", move)
	dispatch(t, h, "Stop", stop)

	time.Sleep(1500 * time.Millisecond)
	// One continuous move, one explicit stop, no timer-driven second stop.
	assert.Equal(t, []string{"cont", "stop"}, driver.snapshot())
}

func TestPTZPresetLifecycle(t *testing.T) {
	driver := &recordingDriver{}
	h := NewPTZHandler(driver, zerolog.Nop())

	set := soapBody(`<tptz:SetPreset>
  <tptz:ProfileToken>p</tptz:ProfileToken>
  <tptz:PresetName>home</tptz:PresetName>
</tptz:SetPreset>`)
	resp := dispatch(t, h, "SetPreset", set)
	assert.Contains(t, string(resp.Body), "<tptz:PresetToken>home</tptz:PresetToken>")

	gotoBody := soapBody(`<tptz:GotoPreset>
  <tptz:ProfileToken>p</tptz:ProfileToken>
  <tptz:PresetToken>home</tptz:PresetToken>
</tptz:GotoPreset>`)
	dispatch(t, h, "GotoPreset", gotoBody)
	calls := driver.snapshot()
	assert.Equal(t, "abs 0.5 -0.5 0.1", calls[len(calls)-1])

	remove := soapBody(`<tptz:RemovePreset>
  <tptz:ProfileToken>p</tptz:ProfileToken>
  <tptz:PresetToken>home</tptz:PresetToken>
</tptz:RemovePreset>`)
	dispatch(t, h, "RemovePreset", remove)

	// Removed preset is gone: GotoPreset now faults.
	resp = dispatch(t, h, "GotoPreset", gotoBody)
	assert.Contains(t, string(resp.Body), "soap:Sender")
}

func TestImagingSetAndGet(t *testing.T) {
	h := NewImagingHandler(config.ONVIFImaging{IrCutFilterMode: 2}, zerolog.Nop())

	set := soapBody(`<timg:SetImagingSettings>
  <timg:VideoSourceToken>vs0</timg:VideoSourceToken>
  <timg:ImagingSettings>
    <tt:Brightness>75</tt:Brightness>
    <tt:IrCutFilter>ON</tt:IrCutFilter>
  </timg:ImagingSettings>
</timg:SetImagingSettings>`)
	dispatch(t, h, "SetImagingSettings", set)

	resp := dispatch(t, h, "GetImagingSettings", nil)
	assert.Contains(t, string(resp.Body), "<tt:Brightness>75</tt:Brightness>")
	assert.Contains(t, string(resp.Body), "<tt:IrCutFilter>ON</tt:IrCutFilter>")
}

func TestImagingRejectsUnknownFilterMode(t *testing.T) {
	h := NewImagingHandler(config.ONVIFImaging{}, zerolog.Nop())

	set := soapBody(`<timg:SetImagingSettings>
  <timg:VideoSourceToken>vs0</timg:VideoSourceToken>
  <timg:ImagingSettings><tt:IrCutFilter>HALF</tt:IrCutFilter></timg:ImagingSettings>
</timg:SetImagingSettings>`)
	resp := dispatch(t, h, "SetImagingSettings", set)
	assert.Contains(t, string(resp.Body), "soap:Sender")
}
