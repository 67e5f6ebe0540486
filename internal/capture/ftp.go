package capture

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reunite/internal/model"
	"github.com/sells-group/reunite/internal/resilience"
)

// FTPOptions configures the FTP capturer.
type FTPOptions struct {
	Dir      string
	Timeout  time.Duration
	MaxBytes int64
	Backoff  resilience.Backoff
}

// FTPCapturer retrieves frames that cameras upload to an FTP drop.
type FTPCapturer struct {
	opts FTPOptions
}

// NewFTPCapturer creates a new FTPCapturer with the given options.
func NewFTPCapturer(opts FTPOptions) *FTPCapturer {
	if opts.Dir == "" {
		opts.Dir = "snapshots"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 16 << 20
	}
	if opts.Backoff.OnRetry == nil {
		opts.Backoff.OnRetry = resilience.LogRetries("camera", "ftp")
	}
	return &FTPCapturer{opts: opts}
}

// ftpTarget is a parsed ftp:// snapshot URL.
type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
}

// parseFTPURL extracts host (with port), path and credentials from an FTP
// URL. Missing credentials mean anonymous login.
func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("expected ftp scheme, got %q", u.Scheme)
	}

	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(t.host); splitErr != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if t.path == "" || t.path == "/" {
		return ftpTarget{}, eris.New("empty path in ftp url")
	}
	if u.User != nil && u.User.Username() != "" {
		t.user = u.User.Username()
		t.password, _ = u.User.Password()
	}
	return t, nil
}

// Capture implements Capturer.
func (f *FTPCapturer) Capture(ctx context.Context, cam model.Camera) (string, error) {
	target, err := parseFTPURL(SnapshotURL(cam))
	if err != nil {
		return "", eris.Wrapf(err, "capture: camera %s", cam.ID)
	}

	path, err := resilience.Retry(ctx, f.opts.Backoff, func(ctx context.Context) (string, error) {
		return f.retrieve(ctx, cam.ID, target)
	})
	if err != nil {
		return "", eris.Wrapf(err, "capture: camera %s", cam.ID)
	}
	return path, nil
}

func (f *FTPCapturer) retrieve(ctx context.Context, cameraID string, t ftpTarget) (string, error) {
	zap.L().Debug("ftp: connecting", zap.String("host", t.host), zap.String("path", t.path))

	conn, err := ftp.Dial(t.host, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return "", eris.Wrap(err, "ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(t.user, t.password); err != nil {
		return "", eris.Wrap(err, "ftp login")
	}

	resp, err := conn.Retr(t.path)
	if err != nil {
		return "", eris.Wrap(err, "ftp retrieve")
	}
	defer resp.Close() //nolint:errcheck

	return writeFrame(f.opts.Dir, cameraID, resp, f.opts.MaxBytes)
}
