// SPDX-License-Identifier: MIT

// Package config loads, validates, and atomically persists camguard's
// configuration: the camera list plus every tunable named in spec §6,
// layered from defaults, an optional YAML file, and environment overrides.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFilePath is the default location for the configuration file.
const DefaultConfigFilePath = "/etc/camguard/config.yaml"

// CameraDescriptor is one entry in the `cameras:` list.
type CameraDescriptor struct {
	ID      string `yaml:"id" koanf:"id"`
	Name    string `yaml:"name" koanf:"name"`
	RTSPURL string `yaml:"rtsp_url" koanf:"rtsp_url"`
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
}

// SourceHash returns the sha256 hex digest of the camera's RTSP URL, used by
// the Registry to detect URL drift across a config reload (OQ-3).
func (d CameraDescriptor) SourceHash() string {
	sum := sha256.Sum256([]byte(d.RTSPURL))
	return hex.EncodeToString(sum[:])
}

// StreamingConfig holds the Streaming Supervisor's tunables (spec §4.2, §5).
type StreamingConfig struct {
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams" koanf:"max_concurrent_streams"`
	CheckInterval        time.Duration `yaml:"check_interval" koanf:"check_interval"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval" koanf:"health_check_interval"`
	HLSUpdateTimeout     time.Duration `yaml:"hls_update_timeout" koanf:"hls_update_timeout"`
	MaxUpdateWaitTime    time.Duration `yaml:"max_update_wait_time" koanf:"max_update_wait_time"`
	RestartCooldown      time.Duration `yaml:"restart_cooldown" koanf:"restart_cooldown"`
	MaxRestartCount      int           `yaml:"max_restart_count" koanf:"max_restart_count"`
	PlaylistWaitTimeout  time.Duration `yaml:"playlist_wait_timeout" koanf:"playlist_wait_timeout"`
	SegmentDurationSecs  int           `yaml:"segment_duration_seconds" koanf:"segment_duration_seconds"`
	BufferSize           string        `yaml:"buffer_size" koanf:"buffer_size"`
	ThreadQueueSize      int           `yaml:"thread_queue_size" koanf:"thread_queue_size"`
}

// RecordingConfig holds the Recording Supervisor's tunables (spec §4.3).
type RecordingConfig struct {
	MaxRecordingMinutes  int           `yaml:"max_recording_minutes" koanf:"max_recording_minutes"`
	MinDiskSpaceGB       float64       `yaml:"min_disk_space_gb" koanf:"min_disk_space_gb"`
	RTSPProbeAttempts    int           `yaml:"rtsp_probe_attempts" koanf:"rtsp_probe_attempts"`
	RTSPProbeTimeout     time.Duration `yaml:"rtsp_probe_timeout" koanf:"rtsp_probe_timeout"`
	HLSProbeTimeout      time.Duration `yaml:"hls_probe_timeout" koanf:"hls_probe_timeout"`
	SelfHealInterval     time.Duration `yaml:"self_heal_interval" koanf:"self_heal_interval"`
	AdHocCheckInterval   time.Duration `yaml:"ad_hoc_check_interval" koanf:"ad_hoc_check_interval"`
	RotationPollInterval time.Duration `yaml:"rotation_poll_interval" koanf:"rotation_poll_interval"`
}

// ResourceConfig holds the Resource Monitor's tunables (spec §4.4).
type ResourceConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval" koanf:"check_interval"`
	MaxCPUPercent  float64       `yaml:"max_cpu_percent" koanf:"max_cpu_percent"`
	MaxMemPercent  float64       `yaml:"max_mem_percent" koanf:"max_mem_percent"`
	ShedCPUPercent float64       `yaml:"shed_cpu_percent" koanf:"shed_cpu_percent"`
	ShedMemPercent float64       `yaml:"shed_mem_percent" koanf:"shed_mem_percent"`
	ShedStopCPU    float64       `yaml:"shed_stop_cpu_percent" koanf:"shed_stop_cpu_percent"`
	MaxShedCount   int           `yaml:"max_shed_count" koanf:"max_shed_count"`
	ShedPause      time.Duration `yaml:"shed_pause" koanf:"shed_pause"`
}

// CleanupConfig holds the Cleanup Scheduler's tunables (spec §4.5) plus the
// OQ-2 retention decision.
type CleanupConfig struct {
	Interval                time.Duration `yaml:"interval" koanf:"interval"`
	SegmentMaxAge           time.Duration `yaml:"segment_max_age" koanf:"segment_max_age"`
	MinTmpFreeSpaceGB       float64       `yaml:"min_tmp_free_space_gb" koanf:"min_tmp_free_space_gb"`
	RecordingRetentionHours int           `yaml:"recording_retention_hours" koanf:"recording_retention_hours"`
	MaxRecordingsPerCamera  int           `yaml:"max_recordings_per_camera" koanf:"max_recordings_per_camera"`
}

// HWRebootConfig holds the camera-hardware-reboot tunables (spec §6).
type HWRebootConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" koanf:"max_attempts"`
	Interval       time.Duration `yaml:"interval" koanf:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout" koanf:"request_timeout"`
}

// Config is the complete, validated configuration tree.
type Config struct {
	BasePath   string `yaml:"base_path" koanf:"base_path"`
	TmpDir     string `yaml:"tmp_dir" koanf:"tmp_dir"`
	RecordDir  string `yaml:"record_dir" koanf:"record_dir"`
	BackupDir  string `yaml:"backup_dir" koanf:"backup_dir"`
	LogDir     string `yaml:"log_dir" koanf:"log_dir"`
	EncoderBin string `yaml:"encoder_bin" koanf:"encoder_bin"`

	Cameras []CameraDescriptor `yaml:"cameras" koanf:"cameras"`

	Streaming StreamingConfig `yaml:"streaming" koanf:"streaming"`
	Recording RecordingConfig `yaml:"recording" koanf:"recording"`
	Resource  ResourceConfig  `yaml:"resource" koanf:"resource"`
	Cleanup   CleanupConfig   `yaml:"cleanup" koanf:"cleanup"`
	HWReboot  HWRebootConfig  `yaml:"hwreboot" koanf:"hwreboot"`

	// AllowRecordingWhenDisabled lets an operator explicitly start a
	// recording on a disabled camera (OQ-1); automatic streaming admission
	// and the global health monitor's enqueue sweep always skip disabled
	// cameras regardless of this flag.
	AllowRecordingWhenDisabled bool `yaml:"allow_recording_when_disabled" koanf:"allow_recording_when_disabled"`
}

// DefaultConfig returns the configuration spec.md names as defaults.
func DefaultConfig() *Config {
	return &Config{
		BasePath:   "/var/lib/camguard",
		TmpDir:     "/var/lib/camguard/tmp",
		RecordDir:  "/var/lib/camguard/record",
		BackupDir:  "/var/lib/camguard/backup",
		LogDir:     "/var/lib/camguard/log",
		EncoderBin: "ffmpeg",
		Streaming: StreamingConfig{
			MaxConcurrentStreams: 10,
			CheckInterval:        3 * time.Second,
			HealthCheckInterval:  10 * time.Second,
			HLSUpdateTimeout:     10 * time.Second,
			MaxUpdateWaitTime:    10 * time.Second,
			RestartCooldown:      30 * time.Second,
			MaxRestartCount:      5,
			PlaylistWaitTimeout:  30 * time.Second,
			SegmentDurationSecs:  1,
			BufferSize:           "2M",
			ThreadQueueSize:      512,
		},
		Recording: RecordingConfig{
			MaxRecordingMinutes:  60,
			MinDiskSpaceGB:       1,
			RTSPProbeAttempts:    5,
			RTSPProbeTimeout:     5 * time.Second,
			HLSProbeTimeout:      2 * time.Second,
			SelfHealInterval:     60 * time.Second,
			AdHocCheckInterval:   30 * time.Second,
			RotationPollInterval: 200 * time.Millisecond,
		},
		Resource: ResourceConfig{
			CheckInterval:  30 * time.Second,
			MaxCPUPercent:  80,
			MaxMemPercent:  80,
			ShedCPUPercent: 90,
			ShedMemPercent: 90,
			ShedStopCPU:    70,
			MaxShedCount:   5,
			ShedPause:      5 * time.Second,
		},
		Cleanup: CleanupConfig{
			Interval:                300 * time.Second,
			SegmentMaxAge:           180 * time.Second,
			MinTmpFreeSpaceGB:       2,
			RecordingRetentionHours: 168,
			MaxRecordingsPerCamera:  0,
		},
		HWReboot: HWRebootConfig{
			MaxAttempts:    3,
			Interval:       60 * time.Second,
			RequestTimeout: 2 * time.Second,
		},
	}
}

// LoadConfig reads and parses a standalone YAML configuration file (used by
// tests; koanf.go loads the file through its own provider). Production
// callers should prefer the layered loader in koanf.go, which also applies
// env overrides.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants that must hold before the supervision engine
// starts: a non-empty base path, unique camera ids with non-empty RTSP URLs,
// and well-formed thresholds.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("base_path must not be empty")
	}
	if c.Streaming.MaxConcurrentStreams <= 0 {
		return fmt.Errorf("streaming.max_concurrent_streams must be positive")
	}
	if c.Recording.MaxRecordingMinutes <= 0 {
		return fmt.Errorf("recording.max_recording_minutes must be positive")
	}
	if c.Resource.MaxCPUPercent <= 0 || c.Resource.MaxCPUPercent > 100 {
		return fmt.Errorf("resource.max_cpu_percent must be in (0, 100]")
	}
	if c.Resource.MaxMemPercent <= 0 || c.Resource.MaxMemPercent > 100 {
		return fmt.Errorf("resource.max_mem_percent must be in (0, 100]")
	}

	seen := make(map[string]struct{}, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera with empty id")
		}
		if _, dup := seen[cam.ID]; dup {
			return fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = struct{}{}
		if cam.RTSPURL == "" {
			return fmt.Errorf("camera %q has empty rtsp_url", cam.ID)
		}
	}
	return nil
}

// CameraDir returns the per-camera tmp directory for an HLS session.
func (c *Config) CameraDir(cameraID string) string { return filepath.Join(c.TmpDir, cameraID) }

// CameraRecordDir returns the per-camera recording directory.
func (c *Config) CameraRecordDir(cameraID string) string {
	return filepath.Join(c.RecordDir, cameraID)
}

// CameraBackupDir returns the per-camera backup mirror directory.
func (c *Config) CameraBackupDir(cameraID string) string {
	return filepath.Join(c.BackupDir, cameraID)
}

// CameraLogDir returns the per-camera session log directory.
func (c *Config) CameraLogDir(cameraID string) string { return filepath.Join(c.LogDir, cameraID) }

// atomicFile abstracts the file operations used by Save, so tests can inject
// a failure at any stage without touching the real filesystem.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes c to path atomically: marshal to YAML, write to a sibling
// temp file, sync, chmod 0640, then rename over the target.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp config file: %w", err)
	}
	// #nosec G302 - config may embed RTSP credentials; owner+group only
	if err := tmpFile.Chmod(0o640); err != nil {
		return fmt.Errorf("set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config file: %w", err)
	}

	success = true
	return nil
}

// ParseCameraLine parses the legacy one-line-per-camera format
// "id,name,rtsp_url[,enabled]" into a CameraDescriptor. Lines with an empty
// URL are skipped by the caller (ok=false). A missing or blank enabled
// field defaults to enabled, per spec §6.
func ParseCameraLine(line string) (desc CameraDescriptor, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return CameraDescriptor{}, false
	}

	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) < 3 || fields[2] == "" {
		return CameraDescriptor{}, false
	}

	desc = CameraDescriptor{ID: fields[0], Name: fields[1], RTSPURL: fields[2], Enabled: true}
	if len(fields) >= 4 && fields[3] != "" {
		desc.Enabled = fields[3] != "0"
	}
	return desc, true
}
