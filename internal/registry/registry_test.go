package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camguard/camguard/internal/camerr"
	"github.com/camguard/camguard/internal/config"
)

func loaderReturning(cfg *config.Config, err error) ConfigLoader {
	return ConfigLoaderFunc(func() (*config.Config, error) { return cfg, err })
}

func cfgWithCameras(cams ...config.CameraDescriptor) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Cameras = cams
	return cfg
}

func TestReloadFirstLoadReturnsNoChanges(t *testing.T) {
	cfg := cfgWithCameras(config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://a", Enabled: true})
	r := New(loaderReturning(cfg, nil))

	changes, err := r.Reload()
	require.NoError(t, err)
	assert.Empty(t, changes)

	cam, err := r.Get("front-door")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://a", cam.RTSPURL)
}

func TestReloadDetectsAddedRemovedUpdated(t *testing.T) {
	r := New(loaderReturning(cfgWithCameras(
		config.CameraDescriptor{ID: "a", RTSPURL: "rtsp://a", Enabled: true},
		config.CameraDescriptor{ID: "b", RTSPURL: "rtsp://b", Enabled: true},
	), nil))
	_, err := r.Reload()
	require.NoError(t, err)

	r.loader = loaderReturning(cfgWithCameras(
		config.CameraDescriptor{ID: "a", RTSPURL: "rtsp://a-moved", Enabled: true},
		config.CameraDescriptor{ID: "c", RTSPURL: "rtsp://c", Enabled: true},
	), nil)

	changes, err := r.Reload()
	require.NoError(t, err)

	byID := make(map[string]Change, len(changes))
	for _, c := range changes {
		byID[c.CameraID] = c
	}

	require.Contains(t, byID, "a")
	assert.Equal(t, ChangeUpdated, byID["a"].Kind)
	assert.True(t, byID["a"].URLChanged)

	require.Contains(t, byID, "b")
	assert.Equal(t, ChangeRemoved, byID["b"].Kind)

	require.Contains(t, byID, "c")
	assert.Equal(t, ChangeAdded, byID["c"].Kind)
}

func TestReloadNoChangeWhenNothingDiffers(t *testing.T) {
	cfg := cfgWithCameras(config.CameraDescriptor{ID: "a", RTSPURL: "rtsp://a", Enabled: true})
	r := New(loaderReturning(cfg, nil))
	_, err := r.Reload()
	require.NoError(t, err)

	changes, err := r.Reload()
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestGetUnknownCameraReturnsSentinel(t *testing.T) {
	r := New(loaderReturning(cfgWithCameras(), nil))
	_, err := r.Reload()
	require.NoError(t, err)

	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, camerr.ErrCameraNotFound))
}

func TestEnabledFiltersDisabledCameras(t *testing.T) {
	r := New(loaderReturning(cfgWithCameras(
		config.CameraDescriptor{ID: "a", RTSPURL: "rtsp://a", Enabled: true},
		config.CameraDescriptor{ID: "b", RTSPURL: "rtsp://b", Enabled: false},
	), nil))
	_, err := r.Reload()
	require.NoError(t, err)

	enabled := r.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "a", enabled[0].ID)

	all := r.List()
	assert.Len(t, all, 2)
}

func TestAllowRecordingHonorsOQ1Flag(t *testing.T) {
	cfg := cfgWithCameras(config.CameraDescriptor{ID: "a", RTSPURL: "rtsp://a", Enabled: false})
	cfg.AllowRecordingWhenDisabled = false
	r := New(loaderReturning(cfg, nil))
	_, err := r.Reload()
	require.NoError(t, err)

	allowed, err := r.AllowRecording("a")
	require.NoError(t, err)
	assert.False(t, allowed)

	cfg.AllowRecordingWhenDisabled = true
	r.loader = loaderReturning(cfg, nil)
	_, err = r.Reload()
	require.NoError(t, err)

	allowed, err = r.AllowRecording("a")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowRecordingUnknownCamera(t *testing.T) {
	r := New(loaderReturning(cfgWithCameras(), nil))
	_, err := r.Reload()
	require.NoError(t, err)

	_, err = r.AllowRecording("missing")
	assert.True(t, errors.Is(err, camerr.ErrCameraNotFound))
}

func TestReloadPropagatesLoaderError(t *testing.T) {
	boom := errors.New("boom")
	r := New(loaderReturning(nil, boom))
	_, err := r.Reload()
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}
