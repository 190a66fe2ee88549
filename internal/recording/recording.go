// SPDX-License-Identifier: MIT

// Package recording implements the Recording Supervisor (spec §4.3):
// start/stop of one MP4 writer per camera, in-place duration rotation, a
// self-heal loop that detects and repairs stuck or zombie sessions, and an
// independent ad-hoc failure monitor with its own exponential backoff.
//
// Grounded on original_source/recording.py, generalized from its global
// dict-plus-thread idiom into internal/stream/manager.go's supervisor/mutex
// shape.
package recording

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/camguard/camguard/internal/backoff"
	"github.com/camguard/camguard/internal/camerr"
	"github.com/camguard/camguard/internal/config"
	"github.com/camguard/camguard/internal/encoder"
	"github.com/camguard/camguard/internal/fscustodian"
	"github.com/camguard/camguard/internal/logging"
	"github.com/camguard/camguard/internal/registry"
	"github.com/camguard/camguard/internal/util"
)

// Session is one camera's active MP4 writer.
type Session struct {
	CameraID   string
	Handle     *encoder.Handle
	SourceURL  string
	OutputPath string
	StartTime  time.Time

	logWriter io.WriteCloser
}

// SessionStatus is the read-only view of a Session exposed to health
// reporting and the control surface.
type SessionStatus struct {
	CameraID  string
	Healthy   bool
	Uptime    time.Duration
	StartedAt time.Time
}

// Supervisor owns every active recording session and the self-heal/ad-hoc
// monitoring loops that keep them alive.
type Supervisor struct {
	cfg       config.RecordingConfig
	baseCfg   *config.Config
	registry  *registry.Registry
	driver    *encoder.Driver
	custodian *fscustodian.Custodian
	logger    *slog.Logger

	mu            sync.Mutex
	sessions      map[string]*Session
	rotationStops map[string]context.CancelFunc
	anomalyCounts map[string]int
	adHocBackoff  map[string]*backoff.Backoff
}

// New returns a Supervisor reading its tunables from baseCfg.Recording.
func New(baseCfg *config.Config, reg *registry.Registry, driver *encoder.Driver, custodian *fscustodian.Custodian, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:           baseCfg.Recording,
		baseCfg:       baseCfg,
		registry:      reg,
		driver:        driver,
		custodian:     custodian,
		logger:        logger,
		sessions:      make(map[string]*Session),
		rotationStops: make(map[string]context.CancelFunc),
		anomalyCounts: make(map[string]int),
		adHocBackoff:  make(map[string]*backoff.Backoff),
	}
}

// Name identifies this service to internal/supervisor.
func (s *Supervisor) Name() string { return "recording" }

// safeGo runs fn in its own goroutine with panic recovery, so a bug in one
// camera's rotation or self-heal path can't take the whole daemon down.
func (s *Supervisor) safeGo(name string, fn func()) {
	util.SafeGo(name, nil, fn, func(r interface{}, stack []byte) {
		s.logger.Error("recovered from panic", "goroutine", name, "panic", r, "stack", string(stack))
	})
}

// Run starts the self-heal loop and the ad-hoc failure monitor and blocks
// until ctx is cancelled, at which point every session is torn down.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	s.safeGo("self-heal", func() {
		defer wg.Done()
		s.runSelfHeal(ctx)
	})
	s.safeGo("ad-hoc-monitor", func() {
		defer wg.Done()
		s.runAdHocMonitor(ctx)
	})

	<-ctx.Done()
	wg.Wait()
	s.StopAll()
	return nil
}

// StartRecording implements spec §4.3's start algorithm: stop any existing
// session for the camera, verify disk space, probe RTSP with retries,
// launch the encoder (letting the driver prefer a local HLS source when
// reachable), verify it survives the initial grace period, and start its
// duration-rotation monitor.
func (s *Supervisor) StartRecording(ctx context.Context, cameraID, rtspURL string) error {
	if _, ok := s.lookupSession(cameraID); ok {
		if err := s.StopRecording(cameraID); err != nil {
			s.logger.Warn("recording stop-before-start failed", "camera", cameraID, "error", err)
		}
		if !sleepOrDone(ctx, 3*time.Second) {
			return ctx.Err()
		}
	}

	recordDir := s.baseCfg.CameraRecordDir(cameraID)
	if err := s.custodian.EnsureDirectory(recordDir); err != nil {
		return fmt.Errorf("recording: ensure record dir for %s: %w", cameraID, err)
	}

	if !s.custodian.HasMinFreeSpace(recordDir, s.cfg.MinDiskSpaceGB) {
		return fmt.Errorf("recording: %s: %w", cameraID, camerr.ErrInsufficientDisk)
	}

	if err := s.probeRTSPWithRetry(ctx, rtspURL); err != nil {
		return fmt.Errorf("recording: %s: %w", cameraID, err)
	}

	outputPath := filepath.Join(recordDir, fmt.Sprintf("%s_%s.mp4", cameraID, time.Now().Format("20060102150405")))
	argv := s.driver.BuildRecordCommand(rtspURL, outputPath, cameraID)

	sess, err := s.startEncoder(cameraID, rtspURL, outputPath, argv)
	if err != nil {
		return fmt.Errorf("recording: start %s: %w", cameraID, err)
	}

	s.mu.Lock()
	s.sessions[cameraID] = sess
	s.mu.Unlock()

	s.logger.Info("recording session started", "camera", cameraID, "output", outputPath)

	rotCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.rotationStops[cameraID] = cancel
	s.mu.Unlock()
	s.safeGo("duration-rotation:"+cameraID, func() { s.runDurationRotation(rotCtx, cameraID) })

	return nil
}

// probeRTSPWithRetry runs up to RTSPProbeAttempts probes, sleeping 2-5s
// between failures, per spec §4.3.
func (s *Supervisor) probeRTSPWithRetry(ctx context.Context, rtspURL string) error {
	attempts := s.cfg.RTSPProbeAttempts
	if attempts <= 0 {
		attempts = 5
	}
	timeout := s.cfg.RTSPProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := s.driver.ProbeRTSP(ctx, rtspURL, timeout)
		if ok {
			return nil
		}
		lastErr = err
		if i < attempts-1 {
			backoffDelay := 2 * time.Second
			if strings.Contains(fmt.Sprint(err), "not permitted") {
				backoffDelay = 5 * time.Second
			}
			if !sleepOrDone(ctx, backoffDelay) {
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%w: %v", camerr.ErrRTSPUnreachable, lastErr)
}

// startEncoder launches argv, waits 1s, and verifies the child is still
// alive before returning a Session.
func (s *Supervisor) startEncoder(cameraID, sourceURL, outputPath string, argv []string) (*Session, error) {
	logWriter, err := logging.EncoderLogWriter(s.baseCfg.CameraLogDir(cameraID), cameraID, "recording")
	if err != nil {
		return nil, fmt.Errorf("open log writer: %w", err)
	}

	handle, err := s.driver.Start(cameraID+":record", argv, logWriter)
	if err != nil {
		_ = logWriter.Close()
		return nil, fmt.Errorf("start encoder: %w", err)
	}

	time.Sleep(time.Second)
	if handle.Exited() {
		_ = logWriter.Close()
		return nil, fmt.Errorf("%w during startup grace period", camerr.ErrEncoderExited)
	}

	return &Session{
		CameraID:   cameraID,
		Handle:     handle,
		SourceURL:  sourceURL,
		OutputPath: outputPath,
		StartTime:  time.Now(),
		logWriter:  logWriter,
	}, nil
}

// StopRecording implements spec §4.3's stop algorithm: pop the session,
// terminate it, then inspect the output file — empty or sub-1MiB files are
// deleted as incomplete, everything else is finalized in place.
func (s *Supervisor) StopRecording(cameraID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	if ok {
		delete(s.sessions, cameraID)
	}
	if cancel := s.rotationStops[cameraID]; cancel != nil {
		cancel()
		delete(s.rotationStops, cameraID)
	}
	s.mu.Unlock()

	if !ok {
		return camerr.ErrSessionNotFound
	}

	return s.teardownSession(sess)
}

func (s *Supervisor) teardownSession(sess *Session) error {
	if err := s.driver.Terminate(sess.Handle, 5*time.Second); err != nil {
		s.logger.Error("recording terminate failed", "camera", sess.CameraID, "error", err)
	}
	if sess.logWriter != nil {
		_ = sess.logWriter.Close()
	}

	info, err := os.Stat(sess.OutputPath)
	switch {
	case err != nil:
		s.logger.Error("recording output missing at stop", "camera", sess.CameraID, "path", sess.OutputPath)
		return nil
	case info.Size() == 0:
		s.logger.Warn("recording output empty, removing", "camera", sess.CameraID, "path", sess.OutputPath)
		_ = os.Remove(sess.OutputPath)
	case info.Size() < 1024*1024:
		s.logger.Warn("recording output too small, removing", "camera", sess.CameraID, "path", sess.OutputPath, "size_bytes", info.Size())
		_ = os.Remove(sess.OutputPath)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.driver.FinalizeMP4(ctx, sess.OutputPath); err != nil {
			s.logger.Error("recording finalize failed", "camera", sess.CameraID, "path", sess.OutputPath, "error", err)
		}
	}
	return nil
}

// runDurationRotation polls every RotationPollInterval; once the session has
// run longer than MaxRecordingMinutes it swaps in a fresh encoder against a
// new timestamped output path (spec §4.3's "duration rotation").
func (s *Supervisor) runDurationRotation(ctx context.Context, cameraID string) {
	interval := s.cfg.RotationPollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	maxDuration := time.Duration(s.cfg.MaxRecordingMinutes) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, ok := s.lookupSession(cameraID)
		if !ok {
			return
		}
		if maxDuration > 0 && time.Since(sess.StartTime) < maxDuration {
			continue
		}

		if err := s.rotate(ctx, sess); err != nil {
			s.logger.Error("recording rotation failed, will retry", "camera", cameraID, "error", err)
			if !sleepOrDone(ctx, 2*time.Second) {
				return
			}
		}
	}
}

// rotate stops the old child, starts a fresh one always via RTSP (spec
// §4.3), and swaps the session map atomically under the lock so readers
// never observe both the old and new handle at once.
func (s *Supervisor) rotate(ctx context.Context, oldSess *Session) error {
	cameraID := oldSess.CameraID

	if err := s.driver.Terminate(oldSess.Handle, 5*time.Second); err != nil {
		s.logger.Error("recording rotation terminate failed", "camera", cameraID, "error", err)
	}
	if oldSess.logWriter != nil {
		_ = oldSess.logWriter.Close()
	}
	s.safeGo("finalize-rotated-file:"+cameraID, func() { s.finalizeRotatedFile(oldSess.OutputPath) })

	recordDir := s.baseCfg.CameraRecordDir(cameraID)
	outputPath := filepath.Join(recordDir, fmt.Sprintf("%s_%s.mp4", cameraID, time.Now().Format("20060102150405")))

	// Rotation always records directly from RTSP, never the local HLS
	// mirror (spec §4.3); passing an empty camera id makes the driver's
	// local-HLS probe target a path that can never resolve, so the RTSP
	// branch of BuildRecordCommand is always taken here.
	argv := s.driver.BuildRecordCommand(oldSess.SourceURL, outputPath, "")

	newSess, err := s.startEncoder(cameraID, oldSess.SourceURL, outputPath, argv)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions[cameraID] = newSess
	s.mu.Unlock()

	s.logger.Info("recording rotated", "camera", cameraID, "output", outputPath)
	return nil
}

// finalizeRotatedFile applies the same size-based disposal as
// teardownSession to a file that rotation has already moved past, without
// racing the new session's own lifecycle.
func (s *Supervisor) finalizeRotatedFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() < 1024*1024 {
		_ = os.Remove(path)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.driver.FinalizeMP4(ctx, path); err != nil {
		s.logger.Error("recording finalize failed after rotation", "path", path, "error", err)
	}
}

func (s *Supervisor) lookupSession(cameraID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[cameraID]
	return sess, ok
}

// runSelfHeal is spec §4.3's self-heal loop: every SelfHealInterval it
// checks process/output/directory liveness for each active session, sweeps
// stray ".temp.mp4" files, and applies the repeat-anomaly brake.
func (s *Supervisor) runSelfHeal(ctx context.Context) {
	interval := s.cfg.SelfHealInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	noUpdateThreshold := time.Duration(s.cfg.MaxRecordingMinutes+2) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.selfHealPass(ctx, noUpdateThreshold)
	}
}

func (s *Supervisor) selfHealPass(ctx context.Context, noUpdateThreshold time.Duration) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, cameraID := range ids {
		sess, ok := s.lookupSession(cameraID)
		if !ok {
			continue
		}

		anomaly := s.checkSessionHealth(cameraID, sess, noUpdateThreshold)
		s.sweepTempFiles(s.baseCfg.CameraRecordDir(cameraID))

		if !anomaly {
			continue
		}

		s.mu.Lock()
		s.anomalyCounts[cameraID]++
		count := s.anomalyCounts[cameraID]
		s.mu.Unlock()

		if count >= 3 {
			s.logger.Error("recording repeat anomaly brake engaged", "camera", cameraID, "count", count)
			s.mu.Lock()
			s.anomalyCounts[cameraID] = 0
			s.mu.Unlock()
			sleepOrDone(ctx, 120*time.Second)
		}
	}
}

// checkSessionHealth runs the process/output/directory liveness checks for
// one session, restarting it and dumping a diagnostic on any failure.
// Returns true if an anomaly was found (and acted on).
func (s *Supervisor) checkSessionHealth(cameraID string, sess *Session, noUpdateThreshold time.Duration) bool {
	if sess.Handle.Exited() {
		s.dumpAnomaly(cameraID, "process_exited", sess.OutputPath)
		s.restartAfterAnomaly(cameraID, sess)
		return true
	}

	info, err := os.Stat(sess.OutputPath)
	if err == nil && time.Since(info.ModTime()) > noUpdateThreshold {
		s.dumpAnomaly(cameraID, "output_stale", sess.OutputPath)
		s.restartAfterAnomaly(cameraID, sess)
		return true
	}

	recordDir := s.baseCfg.CameraRecordDir(cameraID)
	if newest, ok := newestMP4(recordDir); ok && time.Since(newest.modTime) > noUpdateThreshold {
		s.dumpAnomaly(cameraID, "directory_stale", newest.path)
		s.restartAfterAnomaly(cameraID, sess)
		return true
	}

	return false
}

func (s *Supervisor) restartAfterAnomaly(cameraID string, sess *Session) {
	_ = s.teardownSession(sess)
	s.mu.Lock()
	delete(s.sessions, cameraID)
	if cancel := s.rotationStops[cameraID]; cancel != nil {
		cancel()
		delete(s.rotationStops, cameraID)
	}
	s.mu.Unlock()

	cam, err := s.registry.Get(cameraID)
	if err != nil || cam.RTSPURL == "" {
		s.logger.Warn("recording self-heal restart skipped, camera missing", "camera", cameraID)
		return
	}
	if err := s.StartRecording(context.Background(), cameraID, cam.RTSPURL); err != nil {
		s.logger.Error("recording self-heal restart failed", "camera", cameraID, "error", err)
	}
}

type mp4Info struct {
	path    string
	modTime time.Time
}

// newestMP4 returns the most recently modified ".mp4" file in dir,
// excluding in-progress ".temp.mp4" remux artifacts.
func newestMP4(dir string) (mp4Info, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return mp4Info{}, false
	}
	var newest mp4Info
	found := false
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".mp4") || strings.HasSuffix(name, ".temp.mp4") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !found || info.ModTime().After(newest.modTime) {
			newest = mp4Info{path: filepath.Join(dir, name), modTime: info.ModTime()}
			found = true
		}
	}
	return newest, found
}

func (s *Supervisor) sweepTempFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".temp.mp4") {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err == nil {
				s.logger.Info("removed stray temp file", "path", path)
			}
		}
	}
}

func (s *Supervisor) dumpAnomaly(cameraID, anomalyType, path string) {
	dumpDir := filepath.Join(s.baseCfg.LogDir, "self_heal")
	if err := s.custodian.EnsureDirectory(dumpDir); err != nil {
		s.logger.Error("anomaly dump dir unavailable", "error", err)
		return
	}
	dumpFile := filepath.Join(dumpDir, fmt.Sprintf("%s_%s_%s.log", cameraID, anomalyType, time.Now().Format("20060102_150405")))
	var sb strings.Builder
	fmt.Fprintf(&sb, "camera_id: %s\n", cameraID)
	fmt.Fprintf(&sb, "anomaly_type: %s\n", anomalyType)
	fmt.Fprintf(&sb, "path: %s\n", path)
	fmt.Fprintf(&sb, "time: %s\n", time.Now().Format(time.RFC3339))
	if info, err := os.Stat(path); err == nil {
		fmt.Fprintf(&sb, "size_bytes: %d\n", info.Size())
		fmt.Fprintf(&sb, "mod_time: %s\n", info.ModTime().Format(time.RFC3339))
	}
	if err := os.WriteFile(dumpFile, []byte(sb.String()), 0o640); err != nil {
		s.logger.Error("anomaly dump write failed", "error", err)
	}
}

// runAdHocMonitor is spec §4.3's independent ad-hoc failure watcher: every
// AdHocCheckInterval it looks for an enabled camera whose known session has
// exited, restarting it with its own exponential backoff (5s doubling to
// 300s, reset on a run that outlives the default success threshold).
func (s *Supervisor) runAdHocMonitor(ctx context.Context) {
	interval := s.cfg.AdHocCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.adHocPass(ctx)
	}
}

func (s *Supervisor) adHocPass(ctx context.Context) {
	for _, cam := range s.registry.Enabled() {
		sess, ok := s.lookupSession(cam.ID)
		if !ok || !sess.Handle.Exited() {
			continue
		}

		bo := s.backoffFor(cam.ID)
		s.logger.Warn("recording ad-hoc monitor found exited session, restarting", "camera", cam.ID, "delay", bo.CurrentDelay())
		if err := bo.WaitContext(ctx); err != nil {
			return
		}

		ranFor := time.Since(sess.StartTime)
		_ = s.StopRecording(cam.ID)
		if err := s.StartRecording(ctx, cam.ID, cam.RTSPURL); err != nil {
			bo.RecordFailure()
			s.logger.Error("recording ad-hoc restart failed", "camera", cam.ID, "error", err)
			continue
		}
		bo.RecordSuccess(ranFor)
	}
}

func (s *Supervisor) backoffFor(cameraID string) *backoff.Backoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	bo, ok := s.adHocBackoff[cameraID]
	if !ok {
		bo = backoff.New(5*time.Second, 300*time.Second, 0)
		s.adHocBackoff[cameraID] = bo
	}
	return bo
}

// StartAll implements spec §4.3's start-all: stop everything first (waiting
// for the teardown to settle, escalating to kill-all if sessions remain),
// then launches every enabled camera with a per-camera retry.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.StopAll()
	if !sleepOrDone(ctx, 8*time.Second) {
		return ctx.Err()
	}

	if s.ServiceCount() > 0 {
		s.logger.Warn("recording sessions survived stop-all, escalating to kill-all")
		s.StopAll()
		_ = s.driver.KillAll("")
		sleepOrDone(ctx, 2*time.Second)
	}

	var failed []string
	for _, cam := range s.registry.Enabled() {
		if cam.RTSPURL == "" {
			failed = append(failed, cam.ID)
			continue
		}
		if err := s.StartRecording(ctx, cam.ID, cam.RTSPURL); err != nil {
			s.logger.Error("recording start-all failed for camera", "camera", cam.ID, "error", err)
			failed = append(failed, cam.ID)
		}
	}

	if len(failed) == 0 {
		return nil
	}

	sleepOrDone(ctx, 5*time.Second)
	var stillFailed []string
	for _, id := range failed {
		cam, err := s.registry.Get(id)
		if err != nil || cam.RTSPURL == "" {
			stillFailed = append(stillFailed, id)
			continue
		}
		if _, ok := s.lookupSession(id); ok {
			continue
		}
		if err := s.StartRecording(ctx, id, cam.RTSPURL); err != nil {
			stillFailed = append(stillFailed, id)
		}
	}

	if len(stillFailed) > 0 {
		return fmt.Errorf("recording: start-all failed for cameras: %s", strings.Join(stillFailed, ", "))
	}
	return nil
}

// ServiceCount returns the number of active recording sessions.
func (s *Supervisor) ServiceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Status returns a snapshot of every active session.
func (s *Supervisor) Status() []SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionStatus, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, SessionStatus{
			CameraID:  id,
			Healthy:   !sess.Handle.Exited(),
			Uptime:    time.Since(sess.StartTime),
			StartedAt: sess.StartTime,
		})
	}
	return out
}

// StopAll implements spec §4.3's stop-all: graceful termination per camera,
// force-terminate stragglers, kill-all, then clear every table.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	stops := s.rotationStops
	s.rotationStops = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range stops {
		cancel()
	}

	for _, sess := range sessions {
		_ = s.teardownSession(sess)
	}
	_ = s.driver.KillAll("")
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
