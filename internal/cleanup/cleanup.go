// SPDX-License-Identifier: MIT

// Package cleanup implements the Cleanup Scheduler (spec §4.5): a ticker
// service that periodically grooms stale HLS segments, undersized or
// duplicate recordings, and escalates to a more thorough pass when free
// space on the tmp volume runs low.
//
// Grounded on original_source/streaming.py:cleanup_scheduler, with its
// per-camera segment sweep (cleanup_old_segments) and disk-space escalation
// delegated to the already-ported internal/fscustodian.
package cleanup

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/camguard/camguard/internal/config"
	"github.com/camguard/camguard/internal/fscustodian"
	"github.com/camguard/camguard/internal/registry"
)

// Scheduler runs the periodic cleanup pass named in spec §4.5.
type Scheduler struct {
	cfg       config.CleanupConfig
	baseCfg   *config.Config
	registry  *registry.Registry
	custodian *fscustodian.Custodian
	logger    *slog.Logger
}

// New returns a Scheduler reading its tunables from baseCfg.Cleanup.
func New(baseCfg *config.Config, reg *registry.Registry, custodian *fscustodian.Custodian, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       baseCfg.Cleanup,
		baseCfg:   baseCfg,
		registry:  reg,
		custodian: custodian,
		logger:    logger,
	}
}

// Name identifies this service to internal/supervisor.
func (s *Scheduler) Name() string { return "cleanup" }

// Run ticks every cfg.Interval until ctx is cancelled, matching
// cleanup_scheduler's while-true/sleep loop.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 300 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass runs one cleanup sweep: a segment sweep for every registered camera,
// a recording-retention sweep over the record tree, and — if the tmp volume
// is short on space — a second, forced segment sweep, mirroring
// cleanup_scheduler's "disk_ok" escalation.
func (s *Scheduler) Pass(ctx context.Context) {
	s.logger.Info("running scheduled cleanup")

	cameras := s.registry.List()
	for _, cam := range cameras {
		s.sweepSegments(cam.ID, false)
	}

	s.sweepRecordings()

	if !s.custodian.HasMinFreeSpace(s.baseCfg.TmpDir, s.cfg.MinTmpFreeSpaceGB) {
		s.logger.Warn("low disk space detected, performing thorough cleanup")
		for _, cam := range cameras {
			s.sweepSegments(cam.ID, true)
		}
	}
}

// sweepSegments removes a camera's ".ts" segments that are both absent from
// its current playlist and older than SegmentMaxAge. force only changes the
// anomaly case where the playlist itself is missing: it clears the
// directory outright instead of leaving the orphaned segments for the next
// pass — cleanup_old_segments' force=True path.
func (s *Scheduler) sweepSegments(cameraID string, force bool) {
	dir := s.baseCfg.CameraDir(cameraID)
	playlistPath := filepath.Join(dir, cameraID+".m3u8")
	maxAge := s.cfg.SegmentMaxAge
	if maxAge <= 0 {
		maxAge = 180 * time.Second
	}
	removed, err := s.custodian.CleanupSegments(dir, playlistPath, maxAge, force)
	if err != nil {
		s.logger.Error("segment cleanup failed", "camera", cameraID, "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("removed stale segments", "camera", cameraID, "count", removed)
	}
}

// sweepRecordings enforces the recording-retention tunables (OQ-2): age-out
// recordings past RecordingRetentionHours, cap per-camera file count at
// MaxRecordingsPerCamera, and collapse undersized duplicates left behind by
// an overlapping restart.
func (s *Scheduler) sweepRecordings() {
	maxAge := time.Duration(s.cfg.RecordingRetentionHours) * time.Hour

	for _, cam := range s.registry.List() {
		dir := s.baseCfg.CameraRecordDir(cam.ID)
		removed, err := s.custodian.CleanupDirectory(dir, ".mp4", maxAge, s.cfg.MaxRecordingsPerCamera)
		if err != nil {
			s.logger.Error("recording retention cleanup failed", "camera", cam.ID, "error", err)
			continue
		}
		if removed > 0 {
			s.logger.Info("removed retained-past-limit recordings", "camera", cam.ID, "count", removed)
		}
	}

	removed, err := s.custodian.CleanSmallRecordings(s.baseCfg.RecordDir, 1024)
	if err != nil {
		s.logger.Error("duplicate recording cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("removed undersized duplicate recordings", "count", removed)
	}
}
