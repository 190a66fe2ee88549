// SPDX-License-Identifier: MIT

// Package control implements the Control Surface (spec §6): the set of
// operator-facing operations — restart a camera's stream, start/stop a
// recording, bulk start/stop, status, disk-space, and on-demand cleanup —
// as a single in-process interface that camguardd serves to the camguardctl
// CLI over the unix socket in rpc.go, grounded on the teacher's
// cmd/lyrebird/main.go "run<Verb>" dispatch pattern: each operation here is
// the plain function call that pattern's command handlers would make.
package control

import (
	"context"
	"fmt"

	"github.com/camguard/camguard/internal/camerr"
	"github.com/camguard/camguard/internal/cleanup"
	"github.com/camguard/camguard/internal/config"
	"github.com/camguard/camguard/internal/fscustodian"
	"github.com/camguard/camguard/internal/hwreboot"
	"github.com/camguard/camguard/internal/recording"
	"github.com/camguard/camguard/internal/registry"
	"github.com/camguard/camguard/internal/resource"
	"github.com/camguard/camguard/internal/streaming"
)

// Report is the aggregated snapshot returned by Status.
type Report struct {
	Streaming []streaming.SessionStatus
	Recording []recording.SessionStatus
	Resource  resource.Sample
}

// DiskEntry is one directory's free-space reading in a Disk report.
type DiskEntry struct {
	Label     string
	Path      string
	FreeBytes uint64
	Formatted string
}

// Surface is the Control Surface interface: every operation spec §6 names,
// expressed as a plain method call instead of a wire protocol.
type Surface interface {
	Restart(cameraID string) error
	RestartAll()
	StartRecording(ctx context.Context, cameraID string) error
	StopRecording(cameraID string) error
	StartAllRecordings(ctx context.Context) error
	StopAllRecordings()
	RebootCameraHardware(cameraID string) error
	Status() Report
	Disk() ([]DiskEntry, error)
	Cleanup(ctx context.Context)
}

// Service wires the Registry, Streaming Supervisor, Recording Supervisor,
// Resource Monitor, Cleanup Scheduler, and hardware Rebooter into one
// Surface implementation.
type Service struct {
	baseCfg   *config.Config
	registry  *registry.Registry
	streaming *streaming.Supervisor
	recording *recording.Supervisor
	resource  *resource.Monitor
	cleanup   *cleanup.Scheduler
	rebooter  *hwreboot.Rebooter
	custodian *fscustodian.Custodian
}

// New returns a Service. rebooter may be nil if hardware reboot is not
// configured for any camera in this deployment.
func New(
	baseCfg *config.Config,
	reg *registry.Registry,
	streamingSup *streaming.Supervisor,
	recordingSup *recording.Supervisor,
	resourceMon *resource.Monitor,
	cleanupSched *cleanup.Scheduler,
	rebooter *hwreboot.Rebooter,
	custodian *fscustodian.Custodian,
) *Service {
	return &Service{
		baseCfg:   baseCfg,
		registry:  reg,
		streaming: streamingSup,
		recording: recordingSup,
		resource:  resourceMon,
		cleanup:   cleanupSched,
		rebooter:  rebooter,
		custodian: custodian,
	}
}

// Restart stops cameraID's active stream session (if any) and re-enqueues
// it for a fresh launch, the manual counterpart to the Streaming
// Supervisor's own restart ledger.
func (s *Service) Restart(cameraID string) error {
	if _, err := s.registry.Get(cameraID); err != nil {
		return fmt.Errorf("control: restart %s: %w", cameraID, err)
	}
	if err := s.streaming.StopCamera(cameraID); err != nil && err != camerr.ErrSessionNotFound {
		return fmt.Errorf("control: restart %s: %w", cameraID, err)
	}
	s.streaming.Enqueue(cameraID)
	return nil
}

// RestartAll restarts every enabled camera's stream session.
func (s *Service) RestartAll() {
	for _, cam := range s.registry.Enabled() {
		_ = s.streaming.StopCamera(cam.ID)
		s.streaming.Enqueue(cam.ID)
	}
}

// StartRecording starts a recording session for cameraID. Per OQ-1 a
// disabled camera is refused with camerr.ErrCameraDisabled unless
// AllowRecordingWhenDisabled is set; with that flag an operator can record
// it, unlike the Streaming Supervisor's own enqueue paths, which always skip
// disabled cameras.
func (s *Service) StartRecording(ctx context.Context, cameraID string) error {
	cam, err := s.registry.Get(cameraID)
	if err != nil {
		return fmt.Errorf("control: start recording %s: %w", cameraID, err)
	}
	if !cam.Enabled && !s.baseCfg.AllowRecordingWhenDisabled {
		return fmt.Errorf("control: start recording %s: %w", cameraID, camerr.ErrCameraDisabled)
	}
	return s.recording.StartRecording(ctx, cameraID, cam.RTSPURL)
}

// StopRecording stops cameraID's active recording session.
func (s *Service) StopRecording(cameraID string) error {
	return s.recording.StopRecording(cameraID)
}

// StartAllRecordings starts a recording session for every enabled camera.
func (s *Service) StartAllRecordings(ctx context.Context) error {
	return s.recording.StartAll(ctx)
}

// StopAllRecordings stops every active recording session.
func (s *Service) StopAllRecordings() {
	s.recording.StopAll()
}

// RebootCameraHardware attempts a power-cycle of cameraID's own embedded
// HTTP server, the operator-triggered escalation beyond software restart.
func (s *Service) RebootCameraHardware(cameraID string) error {
	if s.rebooter == nil {
		return fmt.Errorf("control: reboot %s: hardware reboot not configured", cameraID)
	}
	cam, err := s.registry.Get(cameraID)
	if err != nil {
		return fmt.Errorf("control: reboot %s: %w", cameraID, err)
	}
	if !s.rebooter.Reboot(cameraID, cam.RTSPURL) {
		return fmt.Errorf("control: reboot %s: no endpoint responded or attempt throttled", cameraID)
	}
	return nil
}

// Status returns a combined snapshot of every active stream session,
// recording session, and the latest resource sample.
func (s *Service) Status() Report {
	var sample resource.Sample
	if s.resource != nil {
		sample = s.resource.Latest()
	}
	return Report{
		Streaming: s.streaming.Status(),
		Recording: s.recording.Status(),
		Resource:  sample,
	}
}

// Disk reports free space on the tmp, record, backup, and log volumes.
func (s *Service) Disk() ([]DiskEntry, error) {
	dirs := []struct {
		label string
		path  string
	}{
		{"tmp", s.baseCfg.TmpDir},
		{"record", s.baseCfg.RecordDir},
		{"backup", s.baseCfg.BackupDir},
		{"log", s.baseCfg.LogDir},
	}

	out := make([]DiskEntry, 0, len(dirs))
	for _, d := range dirs {
		free, err := s.custodian.FreeSpace(d.path)
		if err != nil {
			return nil, fmt.Errorf("control: disk %s: %w", d.label, err)
		}
		out = append(out, DiskEntry{
			Label:     d.label,
			Path:      d.path,
			FreeBytes: free,
			Formatted: fscustodian.FormatSize(int64(free)),
		})
	}
	return out, nil
}

// Cleanup runs one cleanup pass immediately, independent of the Cleanup
// Scheduler's own ticker.
func (s *Service) Cleanup(ctx context.Context) {
	s.cleanup.Pass(ctx)
}

var _ Surface = (*Service)(nil)
