// Package platform abstracts the camera hardware and host system behind
// narrow interfaces so the ONVIF layers stay testable off-device.
package platform

import (
	"os"
	"time"

	"github.com/juju/errors"
)

// SnapshotSource produces a single JPEG frame on demand.
type SnapshotSource interface {
	Capture() ([]byte, error)
}

// FileSnapshotSource serves the most recent frame written by the video
// pipeline to a fixed path. The pipeline overwrites the file in place.
type FileSnapshotSource struct {
	Path string
}

func (s *FileSnapshotSource) Capture() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("snapshot frame %q", s.Path)
		}
		return nil, errors.Trace(err)
	}
	if len(data) == 0 {
		return nil, errors.NotFoundf("snapshot frame %q is empty", s.Path)
	}
	return data, nil
}

// PTZDriver is the mechanical positioning adapter. Implementations wrap the
// vendor motor SDK; tests substitute a recorder.
type PTZDriver interface {
	MoveAbsolute(pan, tilt, zoom float64) error
	MoveRelative(pan, tilt, zoom float64) error
	MoveContinuous(panSpeed, tiltSpeed, zoomSpeed float64) error
	Stop() error
	Position() (pan, tilt, zoom float64, err error)
}

// Uptime reports time elapsed since the process started.
func Uptime() time.Duration {
	return time.Since(startTime)
}

var startTime = time.Now()
