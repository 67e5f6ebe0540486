package model

import "fmt"

// Camera is a surveillance source that can be polled for still frames.
type Camera struct {
	// ID identifies the camera. For IP cameras it is the host address.
	ID string `yaml:"id" json:"id"`
	// Location is the human-readable place the camera watches.
	Location string `yaml:"location" json:"location"`
	// SnapshotURL overrides the default frame URL derived from ID.
	SnapshotURL string `yaml:"snapshot_url" json:"snapshot_url,omitempty"`
}

// ProbeLocation is the source location recorded on detections from this
// camera.
func (c Camera) ProbeLocation() string {
	return CameraLocation(c.ID, c.Location)
}

// CameraLocation formats the source location for a camera probe.
func CameraLocation(cameraID, location string) string {
	if location == "" {
		return "Camera " + cameraID
	}
	return fmt.Sprintf("%s (Camera: %s)", location, cameraID)
}
