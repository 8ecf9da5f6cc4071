package soap

import (
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/juju/errors"
)

// Typed request structures for the operations the services implement. Each
// parse function requires an armed context (InitRequestParsing) and returns
// nil with ErrParseFailed when the body does not deserialize.

type GetStreamURIRequest struct {
	ProfileToken string
	Protocol     string
}

type GetSnapshotURIRequest struct {
	ProfileToken string
}

type SetHostnameRequest struct {
	Name string
}

type Vector struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

type AbsoluteMoveRequest struct {
	ProfileToken string
	Position     Vector
	Speed        Vector
	HasSpeed     bool
}

type RelativeMoveRequest struct {
	ProfileToken string
	Translation  Vector
	Speed        Vector
	HasSpeed     bool
}

type ContinuousMoveRequest struct {
	ProfileToken string
	Velocity     Vector
	TimeoutSec   int
	HasTimeout   bool
}

type StopRequest struct {
	ProfileToken string
	PanTilt      bool
	Zoom         bool
}

type GotoPresetRequest struct {
	ProfileToken string
	PresetToken  string
}

type SetPresetRequest struct {
	ProfileToken string
	PresetName   string
}

type GetImagingSettingsRequest struct {
	VideoSourceToken string
}

type SetImagingSettingsRequest struct {
	VideoSourceToken string
	Brightness       *float64
	Contrast         *float64
	Saturation       *float64
	IrCutFilter      string
}

// beginOperation locates the operation element inside the Body, failing with
// ErrParseFailed when it is absent.
func (c *Context) beginOperation(name string) (*etree.Element, error) {
	body, err := c.ParseEnvelope()
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := childByTag(body, name)
	if op == nil {
		c.setError(ErrParseFailed, "beginOperation", "missing "+name+" element")
		return nil, errors.Annotatef(ErrParseFailed, "missing %s element", name)
	}
	return op, nil
}

// ParseGetStreamURI deserializes a GetStreamUri request.
func (c *Context) ParseGetStreamURI() (*GetStreamURIRequest, error) {
	op, err := c.beginOperation("GetStreamUri")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("GetStreamUri")

	req := &GetStreamURIRequest{
		ProfileToken: childText(op, "ProfileToken"),
	}
	if setup := childByTag(op, "StreamSetup"); setup != nil {
		if tr := findByTag(setup, "Transport"); tr != nil {
			req.Protocol = childText(tr, "Protocol")
		}
	}
	if req.ProfileToken == "" {
		c.setError(ErrParseFailed, "ParseGetStreamURI", "missing ProfileToken")
		return nil, errors.Annotate(ErrParseFailed, "missing ProfileToken")
	}
	return req, nil
}

// ParseGetSnapshotURI deserializes a GetSnapshotUri request.
func (c *Context) ParseGetSnapshotURI() (*GetSnapshotURIRequest, error) {
	op, err := c.beginOperation("GetSnapshotUri")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("GetSnapshotUri")

	req := &GetSnapshotURIRequest{ProfileToken: childText(op, "ProfileToken")}
	if req.ProfileToken == "" {
		c.setError(ErrParseFailed, "ParseGetSnapshotURI", "missing ProfileToken")
		return nil, errors.Annotate(ErrParseFailed, "missing ProfileToken")
	}
	return req, nil
}

// ParseSetHostname deserializes a SetHostname request.
func (c *Context) ParseSetHostname() (*SetHostnameRequest, error) {
	op, err := c.beginOperation("SetHostname")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("SetHostname")

	name := childText(op, "Name")
	if name == "" {
		c.setError(ErrParseFailed, "ParseSetHostname", "missing Name")
		return nil, errors.Annotate(ErrParseFailed, "missing Name")
	}
	return &SetHostnameRequest{Name: name}, nil
}

// parseVector reads x/y attributes of PanTilt plus the Zoom x attribute.
func parseVector(el *etree.Element) (Vector, bool) {
	var v Vector
	found := false
	if pt := childByTag(el, "PanTilt"); pt != nil {
		v.Pan = attrFloat(pt, "x")
		v.Tilt = attrFloat(pt, "y")
		found = true
	}
	if z := childByTag(el, "Zoom"); z != nil {
		v.Zoom = attrFloat(z, "x")
		found = true
	}
	return v, found
}

func attrFloat(el *etree.Element, name string) float64 {
	v, _ := strconv.ParseFloat(el.SelectAttrValue(name, "0"), 64)
	return v
}

// ParseAbsoluteMove deserializes an AbsoluteMove request.
func (c *Context) ParseAbsoluteMove() (*AbsoluteMoveRequest, error) {
	op, err := c.beginOperation("AbsoluteMove")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("AbsoluteMove")

	req := &AbsoluteMoveRequest{ProfileToken: childText(op, "ProfileToken")}
	pos := childByTag(op, "Position")
	if req.ProfileToken == "" || pos == nil {
		c.setError(ErrParseFailed, "ParseAbsoluteMove", "missing ProfileToken or Position")
		return nil, errors.Annotate(ErrParseFailed, "missing ProfileToken or Position")
	}
	req.Position, _ = parseVector(pos)
	if speed := childByTag(op, "Speed"); speed != nil {
		req.Speed, req.HasSpeed = parseVector(speed)
	}
	return req, nil
}

// ParseRelativeMove deserializes a RelativeMove request.
func (c *Context) ParseRelativeMove() (*RelativeMoveRequest, error) {
	op, err := c.beginOperation("RelativeMove")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("RelativeMove")

	req := &RelativeMoveRequest{ProfileToken: childText(op, "ProfileToken")}
	tr := childByTag(op, "Translation")
	if req.ProfileToken == "" || tr == nil {
		c.setError(ErrParseFailed, "ParseRelativeMove", "missing ProfileToken or Translation")
		return nil, errors.Annotate(ErrParseFailed, "missing ProfileToken or Translation")
	}
	req.Translation, _ = parseVector(tr)
	if speed := childByTag(op, "Speed"); speed != nil {
		req.Speed, req.HasSpeed = parseVector(speed)
	}
	return req, nil
}

// ParseContinuousMove deserializes a ContinuousMove request. The optional
// Timeout element carries an xsd:duration like PT5S.
func (c *Context) ParseContinuousMove() (*ContinuousMoveRequest, error) {
	op, err := c.beginOperation("ContinuousMove")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("ContinuousMove")

	req := &ContinuousMoveRequest{ProfileToken: childText(op, "ProfileToken")}
	vel := childByTag(op, "Velocity")
	if req.ProfileToken == "" || vel == nil {
		c.setError(ErrParseFailed, "ParseContinuousMove", "missing ProfileToken or Velocity")
		return nil, errors.Annotate(ErrParseFailed, "missing ProfileToken or Velocity")
	}
	req.Velocity, _ = parseVector(vel)
	if timeout := childText(op, "Timeout"); timeout != "" {
		if sec, ok := parseXSDDuration(timeout); ok {
			req.TimeoutSec = sec
			req.HasTimeout = true
		}
	}
	return req, nil
}

// parseXSDDuration handles the PTnS / PTnMnS subset ONVIF clients send.
func parseXSDDuration(s string) (int, bool) {
	s = strings.TrimPrefix(strings.ToUpper(s), "PT")
	total := 0
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		case r == 'M':
			v, err := strconv.Atoi(num)
			if err != nil {
				return 0, false
			}
			total += v * 60
			num = ""
		case r == 'S':
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, false
			}
			total += int(v)
			num = ""
		default:
			return 0, false
		}
	}
	return total, num == ""
}

// ParseStop deserializes a Stop request. Absent PanTilt/Zoom flags default to
// stopping both axes.
func (c *Context) ParseStop() (*StopRequest, error) {
	op, err := c.beginOperation("Stop")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("Stop")

	req := &StopRequest{
		ProfileToken: childText(op, "ProfileToken"),
		PanTilt:      true,
		Zoom:         true,
	}
	if v := childText(op, "PanTilt"); v != "" {
		req.PanTilt = v == "true" || v == "1"
	}
	if v := childText(op, "Zoom"); v != "" {
		req.Zoom = v == "true" || v == "1"
	}
	if req.ProfileToken == "" {
		c.setError(ErrParseFailed, "ParseStop", "missing ProfileToken")
		return nil, errors.Annotate(ErrParseFailed, "missing ProfileToken")
	}
	return req, nil
}

// ParseGotoPreset deserializes a GotoPreset request.
func (c *Context) ParseGotoPreset() (*GotoPresetRequest, error) {
	op, err := c.beginOperation("GotoPreset")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("GotoPreset")

	req := &GotoPresetRequest{
		ProfileToken: childText(op, "ProfileToken"),
		PresetToken:  childText(op, "PresetToken"),
	}
	if req.ProfileToken == "" || req.PresetToken == "" {
		c.setError(ErrParseFailed, "ParseGotoPreset", "missing ProfileToken or PresetToken")
		return nil, errors.Annotate(ErrParseFailed, "missing ProfileToken or PresetToken")
	}
	return req, nil
}

// ParseRemovePreset deserializes a RemovePreset request.
func (c *Context) ParseRemovePreset() (*GotoPresetRequest, error) {
	op, err := c.beginOperation("RemovePreset")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("RemovePreset")

	req := &GotoPresetRequest{
		ProfileToken: childText(op, "ProfileToken"),
		PresetToken:  childText(op, "PresetToken"),
	}
	if req.PresetToken == "" {
		c.setError(ErrParseFailed, "ParseRemovePreset", "missing PresetToken")
		return nil, errors.Annotate(ErrParseFailed, "missing PresetToken")
	}
	return req, nil
}

// ParseSetPreset deserializes a SetPreset request.
func (c *Context) ParseSetPreset() (*SetPresetRequest, error) {
	op, err := c.beginOperation("SetPreset")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("SetPreset")

	return &SetPresetRequest{
		ProfileToken: childText(op, "ProfileToken"),
		PresetName:   childText(op, "PresetName"),
	}, nil
}

// ParseGetImagingSettings deserializes a GetImagingSettings request.
func (c *Context) ParseGetImagingSettings() (*GetImagingSettingsRequest, error) {
	op, err := c.beginOperation("GetImagingSettings")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("GetImagingSettings")

	return &GetImagingSettingsRequest{
		VideoSourceToken: childText(op, "VideoSourceToken"),
	}, nil
}

// ParseSetImagingSettings deserializes a SetImagingSettings request. Optional
// numeric settings come back as nil pointers when absent.
func (c *Context) ParseSetImagingSettings() (*SetImagingSettingsRequest, error) {
	op, err := c.beginOperation("SetImagingSettings")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.FinalizeParse("SetImagingSettings")

	req := &SetImagingSettingsRequest{
		VideoSourceToken: childText(op, "VideoSourceToken"),
	}
	settings := childByTag(op, "ImagingSettings")
	if settings == nil {
		c.setError(ErrParseFailed, "ParseSetImagingSettings", "missing ImagingSettings")
		return nil, errors.Annotate(ErrParseFailed, "missing ImagingSettings")
	}

	req.Brightness = optFloat(settings, "Brightness")
	req.Contrast = optFloat(settings, "Contrast")
	req.Saturation = optFloat(settings, "ColorSaturation")
	if ir := childByTag(settings, "IrCutFilter"); ir != nil {
		req.IrCutFilter = strings.TrimSpace(ir.Text())
	}
	return req, nil
}

func optFloat(el *etree.Element, tag string) *float64 {
	ch := childByTag(el, tag)
	if ch == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(ch.Text()), 64)
	if err != nil {
		return nil
	}
	return &v
}
