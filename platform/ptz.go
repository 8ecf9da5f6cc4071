package platform

import (
	"sync"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// SoftwarePTZ tracks pan/tilt/zoom in memory. It stands in for the motor
// driver on hardware without a PTZ head and backs tests; positions are in
// the normalized ONVIF space [-1, 1] (zoom [0, 1]).
type SoftwarePTZ struct {
	log zerolog.Logger

	mu   sync.Mutex
	pan  float64
	tilt float64
	zoom float64
}

func NewSoftwarePTZ(log zerolog.Logger) *SoftwarePTZ {
	return &SoftwarePTZ{log: log.With().Str("component", "ptz-driver").Logger()}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (d *SoftwarePTZ) MoveAbsolute(pan, tilt, zoom float64) error {
	if pan < -1 || pan > 1 || tilt < -1 || tilt > 1 {
		return errors.NotValidf("position (%g, %g)", pan, tilt)
	}
	d.mu.Lock()
	d.pan, d.tilt = pan, tilt
	d.zoom = clamp(zoom, 0, 1)
	d.mu.Unlock()
	d.log.Debug().Float64("pan", pan).Float64("tilt", tilt).Float64("zoom", zoom).Msg("absolute move")
	return nil
}

func (d *SoftwarePTZ) MoveRelative(pan, tilt, zoom float64) error {
	d.mu.Lock()
	d.pan = clamp(d.pan+pan, -1, 1)
	d.tilt = clamp(d.tilt+tilt, -1, 1)
	d.zoom = clamp(d.zoom+zoom, 0, 1)
	d.mu.Unlock()
	d.log.Debug().Float64("dpan", pan).Float64("dtilt", tilt).Float64("dzoom", zoom).Msg("relative move")
	return nil
}

func (d *SoftwarePTZ) MoveContinuous(panSpeed, tiltSpeed, zoomSpeed float64) error {
	d.log.Debug().Float64("pan_speed", panSpeed).Float64("tilt_speed", tiltSpeed).
		Float64("zoom_speed", zoomSpeed).Msg("continuous move")
	return nil
}

func (d *SoftwarePTZ) Stop() error {
	d.log.Debug().Msg("stop")
	return nil
}

func (d *SoftwarePTZ) Position() (float64, float64, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pan, d.tilt, d.zoom, nil
}
