package service

import (
	"fmt"
	"sync"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/SridarDhandapani/onvifd/config"
	"github.com/SridarDhandapani/onvifd/soap"
)

// irCutFilterNames maps the ONVIF enum encoding to wire strings.
var irCutFilterNames = map[int]string{0: "OFF", 1: "ON", 2: "AUTO"}

func irCutFilterFromName(name string) (int, bool) {
	for v, n := range irCutFilterNames {
		if n == name {
			return v, true
		}
	}
	return 0, false
}

// ImagingService implements the ONVIF Imaging operations. It owns the
// normalized imaging state produced at bootstrap by the one-way device→ONVIF
// conversion; clients only ever see ONVIF-scale values.
type ImagingService struct {
	mu    sync.Mutex
	state config.ONVIFImaging

	brightness float64
	contrast   float64
	saturation float64
}

// NewImagingHandler builds the imaging service dispatch table.
func NewImagingHandler(state config.ONVIFImaging, log zerolog.Logger) *Handler {
	im := &ImagingService{
		state:      state,
		brightness: 50,
		contrast:   50,
		saturation: 50,
	}
	return NewHandler(soap.ServiceImaging, []Action{
		{ActionGetImagingSettings, "GetImagingSettings", im.getImagingSettings, false},
		{ActionSetImagingSettings, "SetImagingSettings", im.setImagingSettings, true},
		{ActionGetOptions, "GetOptions", im.getOptions, false},
	}, log)
}

func (im *ImagingService) getImagingSettings(ctx *soap.Context, _ *Request, resp *Response) error {
	im.mu.Lock()
	brightness, contrast, saturation := im.brightness, im.contrast, im.saturation
	mode := im.state.IrCutFilterMode
	im.mu.Unlock()

	out, err := ctx.GenerateResponse(soap.ServiceImaging,
		soap.ActionResponse(soap.ServiceImaging, "GetImagingSettings", func(r *etree.Element) {
			settings := r.CreateElement("timg:ImagingSettings")
			settings.CreateElement("tt:Brightness").SetText(fmt.Sprintf("%g", brightness))
			settings.CreateElement("tt:ColorSaturation").SetText(fmt.Sprintf("%g", saturation))
			settings.CreateElement("tt:Contrast").SetText(fmt.Sprintf("%g", contrast))
			settings.CreateElement("tt:IrCutFilter").SetText(irCutFilterNames[mode])
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (im *ImagingService) setImagingSettings(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseSetImagingSettings()
	if err != nil {
		return errors.Trace(err)
	}

	im.mu.Lock()
	if req.Brightness != nil {
		im.brightness = clampRange(*req.Brightness)
	}
	if req.Contrast != nil {
		im.contrast = clampRange(*req.Contrast)
	}
	if req.Saturation != nil {
		im.saturation = clampRange(*req.Saturation)
	}
	if req.IrCutFilter != "" {
		mode, ok := irCutFilterFromName(req.IrCutFilter)
		if !ok {
			im.mu.Unlock()
			return errors.NotValidf("IrCutFilter %q", req.IrCutFilter)
		}
		im.state.IrCutFilterMode = mode
	}
	im.mu.Unlock()

	out, err := ctx.GenerateResponse(soap.ServiceImaging,
		soap.ActionResponse(soap.ServiceImaging, "SetImagingSettings", nil))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func clampRange(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (im *ImagingService) getOptions(ctx *soap.Context, _ *Request, resp *Response) error {
	out, err := ctx.GenerateResponse(soap.ServiceImaging,
		soap.ActionResponse(soap.ServiceImaging, "GetOptions", func(r *etree.Element) {
			opts := r.CreateElement("timg:ImagingOptions")
			for _, name := range []string{"Brightness", "ColorSaturation", "Contrast"} {
				el := opts.CreateElement("tt:" + name)
				el.CreateElement("tt:Min").SetText("0")
				el.CreateElement("tt:Max").SetText("100")
			}
			ir := opts.CreateElement("tt:IrCutFilterModes")
			ir.SetText("ON OFF AUTO")
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}
