// Package capture grabs still frames from surveillance cameras into local
// probe image files.
package capture

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reunite/internal/model"
)

// Capturer acquires one frame from a camera and returns the local file
// path. The caller owns the file.
type Capturer interface {
	Capture(ctx context.Context, cam model.Camera) (string, error)
}

// DefaultSnapshotPort and DefaultSnapshotPath follow the IP-camera app
// convention for cameras registered by bare address.
const (
	DefaultSnapshotPort = "8080"
	DefaultSnapshotPath = "/shot.jpg"
)

// SnapshotURL returns the frame URL for a camera.
func SnapshotURL(cam model.Camera) string {
	if cam.SnapshotURL != "" {
		return cam.SnapshotURL
	}
	host := cam.ID
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, DefaultSnapshotPort)
	}
	return "http://" + host + DefaultSnapshotPath
}

// Multi dispatches to a Capturer by URL scheme.
type Multi struct {
	schemes map[string]Capturer
}

// NewMulti routes http and https to h and ftp to f. Either may be nil.
func NewMulti(h *HTTPCapturer, f *FTPCapturer) *Multi {
	m := &Multi{schemes: map[string]Capturer{}}
	if h != nil {
		m.schemes["http"] = h
		m.schemes["https"] = h
	}
	if f != nil {
		m.schemes["ftp"] = f
	}
	return m
}

// Capture implements Capturer.
func (m *Multi) Capture(ctx context.Context, cam model.Camera) (string, error) {
	u, err := url.Parse(SnapshotURL(cam))
	if err != nil {
		return "", eris.Wrapf(err, "capture: parse snapshot url for camera %s", cam.ID)
	}
	c, ok := m.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return "", eris.Errorf("capture: unsupported scheme %q for camera %s", u.Scheme, cam.ID)
	}
	return c.Capture(ctx, cam)
}

// writeFrame copies r into a new uniquely named file in dir, removing the
// file again if the copy fails or exceeds maxBytes.
func writeFrame(dir, cameraID string, r io.Reader, maxBytes int64) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "capture: create snapshot dir")
	}
	path := filepath.Join(dir, frameName(cameraID))
	f, err := os.Create(path)
	if err != nil {
		return "", eris.Wrap(err, "capture: create frame file")
	}

	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		err = eris.Wrap(err, "capture: write frame")
	case closeErr != nil:
		err = eris.Wrap(closeErr, "capture: close frame")
	case n == 0:
		err = eris.New("capture: empty frame")
	case n > maxBytes:
		err = eris.Errorf("capture: frame exceeds %d bytes", maxBytes)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func frameName(cameraID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, cameraID)
	return "cam-" + safe + "-" + uuid.NewString() + ".jpg"
}
