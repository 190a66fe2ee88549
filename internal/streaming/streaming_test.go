// SPDX-License-Identifier: MIT

package streaming

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camguard/camguard/internal/camerr"
	"github.com/camguard/camguard/internal/config"
	"github.com/camguard/camguard/internal/encoder"
	"github.com/camguard/camguard/internal/fscustodian"
	"github.com/camguard/camguard/internal/registry"
)

// writeFakeEncoder writes a shell script standing in for ffmpeg: it writes
// an HLS playlist referencing one segment, creates that segment, then
// sleeps so the fake child looks "running" until the test tears it down.
func writeFakeEncoder(t *testing.T, exitImmediately bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	body := "#!/bin/sh\n"
	if exitImmediately {
		body += "exit 1\n"
	} else {
		body += `for out; do :; done
dir=$(dirname "$out")
base=$(basename "$out" .m3u8)
printf '#EXTM3U\n#EXT-X-VERSION:3\n%s-00001.ts\n' "$base" > "$out"
touch "$dir/${base}-00001.ts"
sleep 5
`
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newTestRegistry(t *testing.T, cam config.CameraDescriptor) *registry.Registry {
	t.Helper()
	cfg := &config.Config{Cameras: []config.CameraDescriptor{cam}}
	reg := registry.New(registry.ConfigLoaderFunc(func() (*config.Config, error) { return cfg, nil }))
	_, err := reg.Reload()
	require.NoError(t, err)
	return reg
}

func newTestSupervisor(t *testing.T, ffmpegPath string, reg *registry.Registry) *Supervisor {
	t.Helper()
	baseCfg := &config.Config{
		TmpDir: t.TempDir(),
		Streaming: config.StreamingConfig{
			MaxConcurrentStreams: 2,
			SegmentDurationSecs:  1,
			BufferSize:           "2M",
			PlaylistWaitTimeout:  3 * time.Second,
			CheckInterval:        50 * time.Millisecond,
			HealthCheckInterval:  200 * time.Millisecond,
			HLSUpdateTimeout:     300 * time.Millisecond,
			MaxUpdateWaitTime:    200 * time.Millisecond,
			RestartCooldown:      50 * time.Millisecond,
			MaxRestartCount:      2,
		},
	}
	driver := encoder.NewDriver(ffmpegPath, "/usr/bin/ffprobe")
	custodian := fscustodian.New(nil)
	return New(baseCfg, reg, driver, custodian, nil, nil)
}

func TestEnqueueDequeueIsFIFO(t *testing.T) {
	s := newTestSupervisor(t, "/bin/true", newTestRegistry(t, config.CameraDescriptor{ID: "cam-1", RTSPURL: "rtsp://x", Enabled: true}))

	s.Enqueue("a")
	s.Enqueue("b")
	s.Enqueue("c")

	id, ok := s.dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", id)

	id, ok = s.dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", id)
}

func TestDequeueEmptyReturnsFalse(t *testing.T) {
	s := newTestSupervisor(t, "/bin/true", newTestRegistry(t, config.CameraDescriptor{ID: "cam-1", RTSPURL: "rtsp://x", Enabled: true}))
	_, ok := s.dequeue()
	assert.False(t, ok)
}

func TestLaunchStartsSessionOncePlaylistIsReady(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, writeFakeEncoder(t, false), reg)

	err := s.launch(context.Background(), "front-door")
	require.NoError(t, err)

	sess, ok := s.lookupSession("front-door")
	require.True(t, ok)
	assert.False(t, sess.Handle.Exited())
	assert.FileExists(t, sess.PlaylistPath)

	_ = s.driver.Terminate(sess.Handle, time.Second)
}

func TestLaunchFailsWhenEncoderExitsBeforePlaylist(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, writeFakeEncoder(t, true), reg)
	s.cfg.PlaylistWaitTimeout = 500 * time.Millisecond

	err := s.launch(context.Background(), "front-door")
	require.Error(t, err)
	assert.True(t, errors.Is(err, camerr.ErrEncoderExited))

	_, ok := s.lookupSession("front-door")
	assert.False(t, ok)
}

func TestLaunchRejectsDisabledCamera(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: false})
	s := newTestSupervisor(t, writeFakeEncoder(t, false), reg)

	err := s.launch(context.Background(), "front-door")
	require.Error(t, err)
	assert.True(t, errors.Is(err, camerr.ErrCameraDisabled))
}

func TestLaunchRejectsUnknownCamera(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, writeFakeEncoder(t, false), reg)

	err := s.launch(context.Background(), "no-such-camera")
	require.Error(t, err)
}

func TestPlaylistReadyRequiresSegmentOnDisk(t *testing.T) {
	dir := t.TempDir()
	playlist := filepath.Join(dir, "cam.m3u8")

	assert.False(t, playlistReady(playlist))

	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\ncam-00001.ts\n"), 0o640))
	assert.False(t, playlistReady(playlist), "segment file does not exist yet")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cam-00001.ts"), []byte("x"), 0o640))
	assert.True(t, playlistReady(playlist))
}

func TestPlaylistLiveDetectsStaleSegments(t *testing.T) {
	dir := t.TempDir()
	playlist := filepath.Join(dir, "cam.m3u8")
	segment := filepath.Join(dir, "cam-00001.ts")

	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n"+strings_repeat("#", 120)+"\ncam-00001.ts\n"), 0o640))
	require.NoError(t, os.WriteFile(segment, []byte("x"), 0o640))

	assert.True(t, playlistLive(playlist, time.Minute))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(segment, old, old))
	assert.False(t, playlistLive(playlist, time.Minute))
}

// strings_repeat avoids importing "strings" solely for this one padding
// helper used to push the fixture playlist over playlistLive's 100-byte
// floor.
func strings_repeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestRestartCameraReenqueuesEnabledCamera(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, "/bin/true", reg)

	s.restartCamera(context.Background(), "front-door")

	id, ok := s.dequeue()
	require.True(t, ok)
	assert.Equal(t, "front-door", id)
}

func TestRestartCameraSkipsDisabledCamera(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: false})
	s := newTestSupervisor(t, "/bin/true", reg)

	s.restartCamera(context.Background(), "front-door")

	_, ok := s.dequeue()
	assert.False(t, ok)
}

func TestRestartCameraCooldownResetsLedgerAfterMaxCount(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, "/bin/true", reg)
	s.cfg.MaxRestartCount = 2
	s.cfg.RestartCooldown = 10 * time.Millisecond

	for i := 0; i < 4; i++ {
		s.restartCamera(context.Background(), "front-door")
		_, _ = s.dequeue()
	}

	s.mu.Lock()
	entry := s.restarts["front-door"]
	s.mu.Unlock()
	require.NotNil(t, entry)
	assert.LessOrEqual(t, entry.count, 2)
}

func TestShedOneStopsAnActiveSession(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, writeFakeEncoder(t, false), reg)
	require.NoError(t, s.launch(context.Background(), "front-door"))

	id, ok := s.ShedOne()
	require.True(t, ok)
	assert.Equal(t, "front-door", id)

	_, stillThere := s.lookupSession("front-door")
	assert.False(t, stillThere)
}

func TestShedOneOnEmptySessionTableReturnsFalse(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, "/bin/true", reg)

	_, ok := s.ShedOne()
	assert.False(t, ok)
}

func TestStatusReportsActiveSessions(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, writeFakeEncoder(t, false), reg)
	require.NoError(t, s.launch(context.Background(), "front-door"))

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "front-door", status[0].CameraID)
	assert.True(t, status[0].Healthy)

	sess, _ := s.lookupSession("front-door")
	_ = s.driver.Terminate(sess.Handle, time.Second)
}

func TestStopAllClearsSessionsAndQueue(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, writeFakeEncoder(t, false), reg)
	require.NoError(t, s.launch(context.Background(), "front-door"))
	s.Enqueue("back-yard")

	s.StopAll()

	assert.Empty(t, s.Status())
	_, ok := s.dequeue()
	assert.False(t, ok)
}

func TestStopCameraOnUnknownCameraReturnsNotFound(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, "/bin/true", reg)

	err := s.StopCamera("front-door")
	assert.True(t, errors.Is(err, camerr.ErrSessionNotFound))
}

func TestRunSeedsQueueAndShutsDownOnCancel(t *testing.T) {
	reg := newTestRegistry(t, config.CameraDescriptor{ID: "front-door", RTSPURL: "rtsp://cam/front-door", Enabled: true})
	s := newTestSupervisor(t, writeFakeEncoder(t, false), reg)
	s.cfg.MaxConcurrentStreams = 1

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(1500 * time.Millisecond)
	for {
		if len(s.Status()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for session to start")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Empty(t, s.Status())
}
