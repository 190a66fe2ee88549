// SPDX-License-Identifier: MIT

// Package streaming implements the Streaming Supervisor (spec §4.2): an
// admission-gated worker pool that keeps one live HLS encoder session per
// enabled camera, backed by a per-session health monitor and a sweeping
// global health monitor, with a restart policy that escalates into a
// cooldown once a camera has failed too many times in a row.
//
// Grounded on internal/stream/manager.go's state-machine/backoff idiom,
// adapted from a single-device restart loop into a fixed-size worker pool
// draining an unbounded admission queue.
package streaming

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/camguard/camguard/internal/camerr"
	"github.com/camguard/camguard/internal/config"
	"github.com/camguard/camguard/internal/encoder"
	"github.com/camguard/camguard/internal/fscustodian"
	"github.com/camguard/camguard/internal/registry"
	"github.com/camguard/camguard/internal/resource"
	"github.com/camguard/camguard/internal/util"
)

// AdmissionGate reports whether the resource monitor currently allows a new
// streaming session to start. *resource.Monitor satisfies this.
type AdmissionGate interface {
	AdmitNewSession() bool
}

// Session is one camera's live HLS encoder.
type Session struct {
	CameraID     string
	Handle       *encoder.Handle
	OutputDir    string
	PlaylistPath string
	StartTime    time.Time
}

// SessionStatus is the read-only view of a Session exposed to health
// reporting and the control surface.
type SessionStatus struct {
	CameraID string
	Healthy  bool
	Uptime   time.Duration
	Restarts int
}

type restartEntry struct {
	count int
}

// Supervisor drains an admission queue through a fixed-size worker pool,
// launching one HLS encoder session per camera and watching it with both a
// per-session and a global health monitor.
type Supervisor struct {
	cfg       config.StreamingConfig
	baseCfg   *config.Config
	registry  *registry.Registry
	driver    *encoder.Driver
	custodian *fscustodian.Custodian
	admission AdmissionGate
	logger    *slog.Logger

	mu       sync.Mutex
	queue    []string
	sessions map[string]*Session
	restarts map[string]*restartEntry
}

// New returns a Supervisor reading its tunables from baseCfg.Streaming.
// admission may be nil, in which case the resource-pressure admission check
// always passes.
func New(baseCfg *config.Config, reg *registry.Registry, driver *encoder.Driver, custodian *fscustodian.Custodian, admission AdmissionGate, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       baseCfg.Streaming,
		baseCfg:   baseCfg,
		registry:  reg,
		driver:    driver,
		custodian: custodian,
		admission: admission,
		logger:    logger,
		sessions:  make(map[string]*Session),
		restarts:  make(map[string]*restartEntry),
	}
}

// Name identifies this service to internal/supervisor.
func (s *Supervisor) Name() string { return "streaming" }

// safeGo runs fn in its own goroutine with panic recovery, so a bug in one
// camera's worker or health-check path can't take the whole daemon down.
func (s *Supervisor) safeGo(name string, fn func()) {
	util.SafeGo(name, nil, fn, func(r interface{}, stack []byte) {
		s.logger.Error("recovered from panic", "goroutine", name, "panic", r, "stack", string(stack))
	})
}

// Run seeds the queue with every currently-enabled camera, starts the
// worker pool and the global health monitor, and blocks until ctx is
// cancelled, at which point every session is torn down.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, cam := range s.registry.Enabled() {
		s.Enqueue(cam.ID)
	}

	workers := s.cfg.MaxConcurrentStreams
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		s.safeGo("worker-loop", func() {
			defer wg.Done()
			s.workerLoop(ctx)
		})
	}

	wg.Add(1)
	s.safeGo("global-health-monitor", func() {
		defer wg.Done()
		s.runGlobalHealthMonitor(ctx)
	})

	<-ctx.Done()
	wg.Wait()

	s.StopAll()
	return nil
}

// Enqueue appends cameraID to the admission queue. Safe to call from
// outside the worker pool (e.g. in response to a registry reload adding a
// camera, or a control-surface "start" request).
func (s *Supervisor) Enqueue(cameraID string) {
	s.mu.Lock()
	s.queue = append(s.queue, cameraID)
	s.mu.Unlock()
}

func (s *Supervisor) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

func (s *Supervisor) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Supervisor) hasSession(cameraID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[cameraID]
	return ok
}

// workerLoop is one of the fixed-size pool's worker goroutines: dequeue,
// admit, launch, repeat (spec §4.2).
func (s *Supervisor) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		cameraID, ok := s.dequeue()
		if !ok {
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		if s.hasSession(cameraID) {
			continue
		}

		if s.activeCount() >= s.cfg.MaxConcurrentStreams {
			s.Enqueue(cameraID)
			if !sleepOrDone(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if s.admission != nil && !s.admission.AdmitNewSession() {
			s.Enqueue(cameraID)
			if !sleepOrDone(ctx, 10*time.Second) {
				return
			}
			continue
		}

		if !sleepOrDone(ctx, time.Second) {
			return
		}

		if err := s.launch(ctx, cameraID); err != nil {
			s.logger.Warn("streaming launch failed", "camera", cameraID, "error", err)
			if !sleepOrDone(ctx, 10*time.Second) {
				return
			}
			s.Enqueue(cameraID)
		}
	}
}

// sleepOrDone sleeps for d, returning false early (without sleeping the
// full duration) if ctx is cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// launch runs the launch sequence from spec §4.2: ensure the tmp directory,
// clear any stale encoder/segments for this camera, start a fresh HLS
// encoder, and wait for its playlist to become live.
func (s *Supervisor) launch(ctx context.Context, cameraID string) error {
	cam, err := s.registry.Get(cameraID)
	if err != nil {
		return fmt.Errorf("streaming: %w", err)
	}
	if !cam.Enabled {
		return camerr.ErrCameraDisabled
	}

	outputDir := s.baseCfg.CameraDir(cameraID)
	if err := s.custodian.EnsureDirectory(outputDir); err != nil {
		return fmt.Errorf("streaming: ensure tmp dir for %s: %w", cameraID, err)
	}

	_ = s.driver.KillAll(cameraID)
	removeSegments(outputDir)

	playlistPath := filepath.Join(outputDir, cameraID+".m3u8")
	argv := s.driver.BuildHLSCommand(cam.RTSPURL, playlistPath, s.cfg.SegmentDurationSecs, s.cfg.BufferSize)

	var stderrBuf bytes.Buffer
	handle, err := s.driver.Start(cameraID+":hls", argv, &stderrBuf)
	if err != nil {
		return fmt.Errorf("streaming: start encoder for %s: %w", cameraID, err)
	}

	if err := s.waitForPlaylist(ctx, handle, playlistPath, &stderrBuf); err != nil {
		_ = s.driver.Terminate(handle, 5*time.Second)
		return fmt.Errorf("streaming: %s: %w", cameraID, err)
	}

	sess := &Session{CameraID: cameraID, Handle: handle, OutputDir: outputDir, PlaylistPath: playlistPath, StartTime: time.Now()}

	s.mu.Lock()
	s.sessions[cameraID] = sess
	if entry := s.restarts[cameraID]; entry != nil {
		entry.count = 0
	}
	s.mu.Unlock()

	s.logger.Info("streaming session started", "camera", cameraID)

	s.safeGo("monitor-session:"+cameraID, func() { s.monitorSession(ctx, cameraID) })

	return nil
}

// removeSegments deletes every ".ts" file directly under dir, clearing out
// a prior session's leftover segments before a fresh encoder starts.
func removeSegments(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ts") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// waitForPlaylist polls for the encoder's HLS playlist to appear with at
// least one segment written, up to PlaylistWaitTimeout. An encoder that
// exits during the wait fails fast with its stderr tail attached.
func (s *Supervisor) waitForPlaylist(ctx context.Context, h *encoder.Handle, playlistPath string, stderrBuf *bytes.Buffer) error {
	timeout := s.cfg.PlaylistWaitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if h.Exited() {
			tail := encoder.ReadTail(bytes.NewReader(stderrBuf.Bytes()), 20)
			return fmt.Errorf("%w: %s", camerr.ErrEncoderExited, strings.Join(tail, "; "))
		}
		if playlistReady(playlistPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return camerr.ErrPlaylistNotReady
}

// playlistReady reports whether path is a well-formed HLS playlist with at
// least one segment that actually exists on disk.
func playlistReady(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "#EXTM3U") {
		return false
	}
	dir := filepath.Dir(path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, ".ts") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, line)); err == nil {
			return true
		}
	}
	return false
}

// playlistLive requires the playlist be non-trivially sized and mention a
// segment, and the newest .ts file in its directory be fresher than
// updateTimeout — the
// per-session and global health monitors' liveness check (spec §4.2).
func playlistLive(path string, updateTimeout time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() <= 100 {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), ".ts") {
		return false
	}

	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}

	var newest time.Time
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".ts") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	if newest.IsZero() {
		return false
	}
	return time.Since(newest) < updateTimeout
}

// monitorSession is the per-session health monitor: it watches for the
// child exiting and for the playlist going stale, triggering a restart
// either way (spec §4.2).
func (s *Supervisor) monitorSession(ctx context.Context, cameraID string) {
	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var staleSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, ok := s.lookupSession(cameraID)
		if !ok {
			return // superseded by a restart or stop elsewhere
		}

		if sess.Handle.Exited() {
			s.logger.Warn("streaming encoder exited", "camera", cameraID)
			s.safeGo("restart-after-cooldown:"+cameraID, func() { s.restartAfterCooldown(ctx, cameraID) })
			return
		}

		if playlistLive(sess.PlaylistPath, s.cfg.HLSUpdateTimeout) {
			staleSince = time.Time{}
			continue
		}

		if staleSince.IsZero() {
			staleSince = time.Now()
			continue
		}
		if time.Since(staleSince) >= s.cfg.MaxUpdateWaitTime {
			s.logger.Warn("streaming playlist stale, restarting", "camera", cameraID)
			s.restartCamera(ctx, cameraID)
			return
		}
	}
}

func (s *Supervisor) lookupSession(cameraID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[cameraID]
	return sess, ok
}

func (s *Supervisor) restartAfterCooldown(ctx context.Context, cameraID string) {
	cooldown := s.cfg.RestartCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if !sleepOrDone(ctx, cooldown) {
		return
	}
	s.restartCamera(ctx, cameraID)
}

// restartCamera implements the restart policy from spec §4.2: the ledger
// entry is incremented; once a camera has failed more times in a row than
// MaxRestartCount, each further restart pays a cooldown that grows with the
// overrun (capped at 300s) before the ledger resets to 1. The old child is
// terminated, any stragglers killed, and the camera re-enqueued if it's
// still enabled.
func (s *Supervisor) restartCamera(ctx context.Context, cameraID string) {
	s.mu.Lock()
	entry := s.restarts[cameraID]
	if entry == nil {
		entry = &restartEntry{}
		s.restarts[cameraID] = entry
	}
	entry.count++
	count := entry.count
	maxCount := s.cfg.MaxRestartCount
	s.mu.Unlock()

	if maxCount > 0 && count > maxCount {
		cooldown := s.cfg.RestartCooldown * time.Duration(count-maxCount+1)
		if cooldown > 300*time.Second {
			cooldown = 300 * time.Second
		}
		s.logger.Warn("streaming restart count exceeded, cooling down", "camera", cameraID, "count", count, "cooldown", cooldown)
		if !sleepOrDone(ctx, cooldown) {
			return
		}
		s.mu.Lock()
		entry.count = 1
		s.mu.Unlock()
	}

	s.mu.Lock()
	sess := s.sessions[cameraID]
	delete(s.sessions, cameraID)
	s.mu.Unlock()

	if sess != nil {
		_ = s.driver.Terminate(sess.Handle, 5*time.Second)
	}
	_ = s.driver.KillAll(cameraID)

	cam, err := s.registry.Get(cameraID)
	if err != nil || !cam.Enabled {
		s.logger.Info("streaming restart skipped, camera missing or disabled", "camera", cameraID)
		return
	}

	s.Enqueue(cameraID)
}

// runGlobalHealthMonitor is the supervisor-level sweep (spec §4.2): every
// HealthCheckInterval it looks for zombie or stalled sessions missed by
// their own per-session monitor, and re-enqueues any enabled camera that
// currently has no active session at all.
func (s *Supervisor) runGlobalHealthMonitor(ctx context.Context) {
	interval := s.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.sweepSessions(ctx)
		s.enqueueIdleCameras()
	}
}

func (s *Supervisor) sweepSessions(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	staleAfter := 2 * s.cfg.HLSUpdateTimeout
	if staleAfter <= 0 {
		staleAfter = 20 * time.Second
	}

	for _, id := range ids {
		sess, ok := s.lookupSession(id)
		if !ok {
			continue
		}

		if sess.Handle.Exited() {
			s.logger.Warn("global health sweep found zombie session", "camera", id)
			s.restartCamera(ctx, id)
			continue
		}

		info, err := os.Stat(sess.PlaylistPath)
		if err != nil {
			if time.Since(sess.StartTime) > staleAfter {
				s.logger.Warn("global health sweep found missing playlist", "camera", id)
				s.restartCamera(ctx, id)
			}
			continue
		}
		if time.Since(info.ModTime()) > staleAfter {
			s.logger.Warn("global health sweep found stale playlist", "camera", id)
			s.restartCamera(ctx, id)
		}
	}
}

func (s *Supervisor) enqueueIdleCameras() {
	for _, cam := range s.registry.Enabled() {
		if !s.hasSession(cam.ID) {
			s.Enqueue(cam.ID)
		}
	}
}

// ShedOne implements resource.Shedder: it arbitrarily tears down one active
// session, used by the Resource Monitor's proactive load-shedding pass
// (spec §4.4). The camera is not re-enqueued; the global health monitor
// will pick it back up once load recovers.
func (s *Supervisor) ShedOne() (string, bool) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	id := resource.PickArbitrary(ids)
	if id == "" {
		return "", false
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return "", false
	}

	_ = s.driver.Terminate(sess.Handle, 5*time.Second)
	return id, true
}

// Status returns a snapshot of every active session for health reporting
// and the control surface.
func (s *Supervisor) Status() []SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionStatus, 0, len(s.sessions))
	for id, sess := range s.sessions {
		restarts := 0
		if e := s.restarts[id]; e != nil {
			restarts = e.count
		}
		out = append(out, SessionStatus{
			CameraID: id,
			Healthy:  !sess.Handle.Exited(),
			Uptime:   time.Since(sess.StartTime),
			Restarts: restarts,
		})
	}
	return out
}

// StopAll implements the stop_all_streaming teardown (spec §4.2): every
// session is terminated, state tables cleared, and any straggling encoder
// processes killed.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.queue = nil
	s.mu.Unlock()

	for id, sess := range sessions {
		_ = s.driver.Terminate(sess.Handle, 5*time.Second)
		_ = s.driver.KillAll(id)
	}
}

// StopCamera tears down a single camera's active session, if any, without
// affecting its restart ledger or re-enqueuing it.
func (s *Supervisor) StopCamera(cameraID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[cameraID]
	if ok {
		delete(s.sessions, cameraID)
	}
	s.mu.Unlock()

	if !ok {
		return camerr.ErrSessionNotFound
	}

	if err := s.driver.Terminate(sess.Handle, 5*time.Second); err != nil {
		return fmt.Errorf("streaming: stop %s: %w", cameraID, err)
	}
	return nil
}
