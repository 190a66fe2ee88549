package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRotatesOnOverflow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "encoder.log")

	w, err := NewRotatingWriter(path, WithMaxSize(16), WithMaxFiles(3))
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)

	rotated := path + ".1"
	_, err = os.Stat(rotated)
	assert.NoError(t, err, "expected rotated file to exist after overflow")
}

func TestRotatingWriterShiftsAndPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "encoder.log")

	w, err := NewRotatingWriter(path, WithMaxSize(4), WithMaxFiles(2))
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		_, err = w.Write([]byte("abcde"))
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "expected retention to cap at maxFiles")
}

func TestRotatingWriterCompression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "encoder.log")

	w, err := NewRotatingWriter(path, WithMaxSize(4), WithMaxFiles(2), WithCompression(true))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Rotate())

	// compression happens asynchronously in rotate(); this only verifies the
	// writer remains usable immediately after a rotation was requested.
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
}

func TestEncoderLogWriterSanitizesCameraID(t *testing.T) {
	dir := t.TempDir()
	w, err := EncoderLogWriter(dir, "front/door cam:01", "stream")
	require.NoError(t, err)
	defer w.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "stream-front_door_cam_01"))
}

func TestListRotatedFilesNewestFirst(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "encoder.log")

	w, err := NewRotatingWriter(path, WithMaxSize(4), WithMaxFiles(5))
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 3; i++ {
		_, err = w.Write([]byte("abcde"))
		require.NoError(t, err)
	}

	files, err := ListRotatedFiles(path)
	require.NoError(t, err)
	assert.NotEmpty(t, files)
	for i := 1; i < len(files); i++ {
		assert.False(t, files[i].ModTime.After(files[i-1].ModTime), "rotated files not newest first")
	}
}

func TestNewLoggerStdoutOnly(t *testing.T) {
	logger, closer, err := NewLogger("")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, closer.Close())
}

func TestNewLoggerWithDir(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer closer.Close()

	logger.Info("camera stream started", "camera_id", "front-door")

	_, err = os.Stat(filepath.Join(dir, "camguard.log"))
	assert.NoError(t, err)
}
