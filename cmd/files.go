package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// imageExt returns the lowercased extension of name if it is an accepted
// image type.
func imageExt(name string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	return ext, imageExts[ext]
}

// saveImage copies r into dir under a random name with the given extension
// and returns the file name relative to dir.
func saveImage(dir, ext string, r io.Reader) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "create upload dir")
	}
	name := uuid.New().String() + ext
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", eris.Wrap(err, "create image file")
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = eris.New("image is empty")
	}
	if err != nil {
		os.Remove(path) //nolint:errcheck
		return "", eris.Wrap(err, "write image file")
	}
	return name, nil
}

// removePhotos deletes stored case photos and returns how many were removed.
// Missing files are not an error.
func removePhotos(dir string, names []string) int {
	removed := 0
	for _, name := range names {
		if name == "" {
			continue
		}
		err := os.Remove(filepath.Join(dir, filepath.Base(name)))
		switch {
		case err == nil:
			removed++
		case os.IsNotExist(err):
		default:
			zap.L().Warn("failed to remove case photo", zap.String("photo", name), zap.Error(err))
		}
	}
	return removed
}
