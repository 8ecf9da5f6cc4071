package service

import (
	"fmt"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/SridarDhandapani/onvifd/config"
	"github.com/SridarDhandapani/onvifd/soap"
)

// Profile is one fixed media profile the encoder pipeline provides. The
// AK3918 exposes a main and a sub stream; profiles are static metadata, only
// the ports come from the configuration store.
type Profile struct {
	Token       string
	Name        string
	SourceToken string
	Width       int
	Height      int
	Framerate   int
	Bitrate     int
	Encoding    string
	StreamPath  string
}

var defaultProfiles = []Profile{
	{"profile_1", "MainStream", "vs0", 1920, 1080, 30, 4096, "H264", "/vs0"},
	{"profile_2", "SubStream", "vs0", 640, 480, 15, 512, "H264", "/vs1"},
}

// MediaService implements the ONVIF Media operations.
type MediaService struct {
	store    *config.Store
	host     func() string
	profiles []Profile
}

// NewMediaHandler builds the media service dispatch table.
func NewMediaHandler(store *config.Store, host func() string, log zerolog.Logger) *Handler {
	m := &MediaService{store: store, host: host, profiles: defaultProfiles}
	return NewHandler(soap.ServiceMedia, []Action{
		{ActionGetProfiles, "GetProfiles", m.getProfiles, false},
		{ActionGetVideoEncoderConfigurations, "GetVideoEncoderConfigurations", m.getVideoEncoderConfigurations, false},
		{ActionGetStreamURI, "GetStreamUri", m.getStreamURI, true},
		{ActionGetSnapshotURI, "GetSnapshotUri", m.getSnapshotURI, true},
	}, log)
}

func (m *MediaService) findProfile(token string) (*Profile, error) {
	for i := range m.profiles {
		if m.profiles[i].Token == token {
			return &m.profiles[i], nil
		}
	}
	return nil, errors.NotFoundf("profile %q", token)
}

func writeEncoderConfig(parent *etree.Element, p *Profile) {
	enc := parent.CreateElement("tt:VideoEncoderConfiguration")
	enc.CreateAttr("token", p.Token+"_enc")
	enc.CreateElement("tt:Name").SetText(p.Name + "Encoder")
	enc.CreateElement("tt:Encoding").SetText(p.Encoding)
	res := enc.CreateElement("tt:Resolution")
	res.CreateElement("tt:Width").SetText(fmt.Sprintf("%d", p.Width))
	res.CreateElement("tt:Height").SetText(fmt.Sprintf("%d", p.Height))
	rate := enc.CreateElement("tt:RateControl")
	rate.CreateElement("tt:FrameRateLimit").SetText(fmt.Sprintf("%d", p.Framerate))
	rate.CreateElement("tt:BitrateLimit").SetText(fmt.Sprintf("%d", p.Bitrate))
}

func (m *MediaService) getProfiles(ctx *soap.Context, _ *Request, resp *Response) error {
	out, err := ctx.GenerateResponse(soap.ServiceMedia,
		soap.ActionResponse(soap.ServiceMedia, "GetProfiles", func(r *etree.Element) {
			for i := range m.profiles {
				p := &m.profiles[i]
				el := r.CreateElement("trt:Profiles")
				el.CreateAttr("token", p.Token)
				el.CreateAttr("fixed", "true")
				el.CreateElement("tt:Name").SetText(p.Name)

				src := el.CreateElement("tt:VideoSourceConfiguration")
				src.CreateAttr("token", p.SourceToken+"_cfg")
				src.CreateElement("tt:SourceToken").SetText(p.SourceToken)

				writeEncoderConfig(el, p)
			}
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (m *MediaService) getVideoEncoderConfigurations(ctx *soap.Context, _ *Request, resp *Response) error {
	out, err := ctx.GenerateResponse(soap.ServiceMedia,
		soap.ActionResponse(soap.ServiceMedia, "GetVideoEncoderConfigurations", func(r *etree.Element) {
			for i := range m.profiles {
				writeEncoderConfig(r, &m.profiles[i])
			}
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (m *MediaService) getStreamURI(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseGetStreamURI()
	if err != nil {
		return errors.Trace(err)
	}
	profile, err := m.findProfile(req.ProfileToken)
	if err != nil {
		return errors.Trace(err)
	}
	port, err := m.store.GetInt(config.SectionNetwork, "rtsp_port")
	if err != nil {
		return errors.Trace(err)
	}

	uri := fmt.Sprintf("rtsp://%s:%d%s", m.host(), port, profile.StreamPath)
	out, err := ctx.GenerateResponse(soap.ServiceMedia,
		soap.ActionResponse(soap.ServiceMedia, "GetStreamUri", func(r *etree.Element) {
			media := r.CreateElement("trt:MediaUri")
			media.CreateElement("tt:Uri").SetText(uri)
			media.CreateElement("tt:InvalidAfterConnect").SetText("false")
			media.CreateElement("tt:InvalidAfterReboot").SetText("false")
			media.CreateElement("tt:Timeout").SetText("PT0S")
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}

func (m *MediaService) getSnapshotURI(ctx *soap.Context, _ *Request, resp *Response) error {
	req, err := ctx.ParseGetSnapshotURI()
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := m.findProfile(req.ProfileToken); err != nil {
		return errors.Trace(err)
	}
	port, err := m.store.GetInt(config.SectionNetwork, "snapshot_port")
	if err != nil {
		return errors.Trace(err)
	}

	uri := fmt.Sprintf("http://%s:%d/onvif/snapshot.jpeg", m.host(), port)
	out, err := ctx.GenerateResponse(soap.ServiceMedia,
		soap.ActionResponse(soap.ServiceMedia, "GetSnapshotUri", func(r *etree.Element) {
			media := r.CreateElement("trt:MediaUri")
			media.CreateElement("tt:Uri").SetText(uri)
			media.CreateElement("tt:InvalidAfterConnect").SetText("false")
			media.CreateElement("tt:InvalidAfterReboot").SetText("false")
			media.CreateElement("tt:Timeout").SetText("PT0S")
		}))
	if err != nil {
		return errors.Trace(err)
	}
	resp.Body = out
	return nil
}
