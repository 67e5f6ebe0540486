package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageExt(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		ok   bool
	}{
		{"photo.jpg", ".jpg", true},
		{"PHOTO.JPEG", ".jpeg", true},
		{"a.b.png", ".png", true},
		{"anim.gif", ".gif", true},
		{"scan.bmp", ".bmp", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, ok := imageExt(tt.name)
			assert.Equal(t, tt.ext, ext)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestSaveImage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")

	name, err := saveImage(dir, ".png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(name, ".png"))
	assert.NotContains(t, name, "/")

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	other, err := saveImage(dir, ".png", strings.NewReader("more"))
	require.NoError(t, err)
	assert.NotEqual(t, name, other)
}

func TestSaveImage_EmptyIsRemoved(t *testing.T) {
	dir := t.TempDir()

	_, err := saveImage(dir, ".jpg", strings.NewReader(""))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemovePhotos(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	outside := filepath.Join(t.TempDir(), "keep.jpg")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	n := removePhotos(dir, []string{"a.jpg", "", "missing.jpg", "b.jpg", "../" + filepath.Base(outside)})
	assert.Equal(t, 2, n)
	assert.NoFileExists(t, filepath.Join(dir, "a.jpg"))
	assert.NoFileExists(t, filepath.Join(dir, "b.jpg"))
	assert.FileExists(t, outside)
}
