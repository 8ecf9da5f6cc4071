package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/SridarDhandapani/onvifd/platform"
	"github.com/SridarDhandapani/onvifd/soap"
)

// defaultMoveTimeout stops a continuous move that never received an explicit
// Stop.
const defaultMoveTimeout = 10 * time.Second

// PTZService implements the ONVIF PTZ operations over the motor driver.
type PTZService struct {
	driver platform.PTZDriver
	log    zerolog.Logger

	mu        sync.Mutex
	presets   map[string]soap.Vector
	presetSeq int
	moveTimer *time.Timer
	moving    bool
}

// NewPTZHandler builds the PTZ service dispatch table.
func NewPTZHandler(driver platform.PTZDriver, log zerolog.Logger) *Handler {
	p := &PTZService{
		driver:  driver,
		log:     log.With().Str("component", "ptz").Logger(),
		presets: make(map[string]soap.Vector),
	}
	return NewHandler(soap.ServicePTZ, []Action{
		{ActionAbsoluteMove, "AbsoluteMove", p.absoluteMove, true},
		{ActionRelativeMove, "RelativeMove", p.relativeMove, true},
		{ActionContinuousMove, "ContinuousMove", p.continuousMove, true},
		{ActionStop, "Stop", p.stop, true},
		{ActionGetStatus, "GetStatus", p.getStatus, false},
		{ActionGetPresets, "GetPresets", p.getPresets, false},
		{ActionSetPreset, "SetPreset", p.setPreset, true},
		{ActionRemovePreset, "RemovePreset", p.removePreset, true},
		{ActionGotoPreset, "GotoPreset", p.gotoPreset, true},
	}, log)
}

// armAutoStop schedules the continuous-move safety stop, replacing any timer
// from a previous move.
func (p *PTZService) armAutoStop(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.moveTimer != nil {
		p.moveTimer.Stop()
	}
	p.moving = true
	p.moveTimer = time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.moving = false
		p.mu.Unlock()
		if err := p.driver.Stop(); err != nil {
			p.log.Warn().Err(err).Msg("continuous move auto-stop failed")
		}
	})
}

func (p *PTZService) disarmAutoStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.moveTimer != nil {
		p.moveTimer.Stop()
		p.moveTimer = nil
	}
	p.moving = false
}

func emptyMoveResponse(ctx *soap.Context, action string, resp *Response) error {
	out, err := ctx.GenerateResponse(soap.ServicePTZ, soap.ActionResponse(soap.ServicePTZ, action, nil))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (p *PTZService) absoluteMove(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseAbsoluteMove()
	if err != nil {
		return errors.Trace(err)
	}
	p.disarmAutoStop()
	if err := p.driver.MoveAbsolute(req.Position.Pan, req.Position.Tilt, req.Position.Zoom); err != nil {
		return errors.Annotate(err, "absolute move")
	}
	return emptyMoveResponse(ctx, "AbsoluteMove", resp)
}

func (p *PTZService) relativeMove(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseRelativeMove()
	if err != nil {
		return errors.Trace(err)
	}
	p.disarmAutoStop()
	if err := p.driver.MoveRelative(req.Translation.Pan, req.Translation.Tilt, req.Translation.Zoom); err != nil {
		return errors.Annotate(err, "relative move")
	}
	return emptyMoveResponse(ctx, "RelativeMove", resp)
}

func (p *PTZService) continuousMove(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseContinuousMove()
	if err != nil {
		return errors.Trace(err)
	}
	if err := p.driver.MoveContinuous(req.Velocity.Pan, req.Velocity.Tilt, req.Velocity.Zoom); err != nil {
		return errors.Annotate(err, "continuous move")
	}

	timeout := defaultMoveTimeout
	if req.HasTimeout && req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	p.armAutoStop(timeout)

	return emptyMoveResponse(ctx, "ContinuousMove", resp)
}

func (p *PTZService) stop(ctx *soap.Context, _ *Request, resp *Response) error {
	if _, err := ctx.ParseStop(); err != nil {
		return errors.Trace(err)
	}
	p.disarmAutoStop()
	if err := p.driver.Stop(); err != nil {
		return errors.Annotate(err, "stop")
	}
	return emptyMoveResponse(ctx, "Stop", resp)
}

func (p *PTZService) getStatus(ctx *soap.Context, _ *Request, resp *Response) error {
	pan, tilt, zoom, err := p.driver.Position()
	if err != nil {
		return errors.Annotate(err, "reading position")
	}

	p.mu.Lock()
	moving := p.moving
	p.mu.Unlock()

	state := "IDLE"
	if moving {
		state = "MOVING"
	}

	out, err := ctx.GenerateResponse(soap.ServicePTZ,
		soap.ActionResponse(soap.ServicePTZ, "GetStatus", func(r *etree.Element) {
			status := r.CreateElement("tptz:PTZStatus")
			pos := status.CreateElement("tt:Position")
			pt := pos.CreateElement("tt:PanTilt")
			pt.CreateAttr("x", fmt.Sprintf("%g", pan))
			pt.CreateAttr("y", fmt.Sprintf("%g", tilt))
			z := pos.CreateElement("tt:Zoom")
			z.CreateAttr("x", fmt.Sprintf("%g", zoom))

			ms := status.CreateElement("tt:MoveStatus")
			ms.CreateElement("tt:PanTilt").SetText(state)
			ms.CreateElement("tt:Zoom").SetText(state)
			status.CreateElement("tt:UtcTime").SetText(time.Now().UTC().Format(time.RFC3339))
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (p *PTZService) getPresets(ctx *soap.Context, _ *Request, resp *Response) error {
	p.mu.Lock()
	presets := make(map[string]soap.Vector, len(p.presets))
	for k, v := range p.presets {
		presets[k] = v
	}
	p.mu.Unlock()

	out, err := ctx.GenerateResponse(soap.ServicePTZ,
		soap.ActionResponse(soap.ServicePTZ, "GetPresets", func(r *etree.Element) {
			for token, v := range presets {
				el := r.CreateElement("tptz:Preset")
				el.CreateAttr("token", token)
				el.CreateElement("tt:Name").SetText(token)
				pos := el.CreateElement("tt:PTZPosition")
				pt := pos.CreateElement("tt:PanTilt")
				pt.CreateAttr("x", fmt.Sprintf("%g", v.Pan))
				pt.CreateAttr("y", fmt.Sprintf("%g", v.Tilt))
				z := pos.CreateElement("tt:Zoom")
				z.CreateAttr("x", fmt.Sprintf("%g", v.Zoom))
			}
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (p *PTZService) setPreset(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseSetPreset()
	if err != nil {
		return errors.Trace(err)
	}

	pan, tilt, zoom, err := p.driver.Position()
	if err != nil {
		return errors.Annotate(err, "reading position")
	}

	p.mu.Lock()
	token := req.PresetName
	if token == "" {
		p.presetSeq++
		token = fmt.Sprintf("preset_%d", p.presetSeq)
	}
	p.presets[token] = soap.Vector{Pan: pan, Tilt: tilt, Zoom: zoom}
	p.mu.Unlock()

	out, err := ctx.GenerateResponse(soap.ServicePTZ,
		soap.ActionResponse(soap.ServicePTZ, "SetPreset", func(r *etree.Element) {
			r.CreateElement("tptz:PresetToken").SetText(token)
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (p *PTZService) removePreset(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseRemovePreset()
	if err != nil {
		return errors.Trace(err)
	}

	p.mu.Lock()
	_, ok := p.presets[req.PresetToken]
	delete(p.presets, req.PresetToken)
	p.mu.Unlock()
	if !ok {
		return errors.NotFoundf("preset %q", req.PresetToken)
	}

	return emptyMoveResponse(ctx, "RemovePreset", resp)
}

func (p *PTZService) gotoPreset(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseGotoPreset()
	if err != nil {
		return errors.Trace(err)
	}

	p.mu.Lock()
	v, ok := p.presets[req.PresetToken]
	p.mu.Unlock()
	if !ok {
		return errors.NotFoundf("preset %q", req.PresetToken)
	}

	p.disarmAutoStop()
	if err := p.driver.MoveAbsolute(v.Pan, v.Tilt, v.Zoom); err != nil {
		return errors.Annotate(err, "goto preset")
	}
	return emptyMoveResponse(ctx, "GotoPreset", resp)
}
