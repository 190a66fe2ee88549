// SPDX-License-Identifier: MIT

package main

import (
	"path/filepath"
	"testing"

	"github.com/camguard/camguard/internal/config"
	"github.com/camguard/camguard/internal/encoder"
	"github.com/camguard/camguard/internal/fscustodian"
)

func TestFfprobePathFor(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ffmpeg", "ffprobe"},
		{"/usr/bin/ffmpeg", "/usr/bin/ffprobe"},
		{"/opt/tools/my-ffmpeg-static", "/opt/tools/my-ffprobe-static"},
		{"/opt/tools/custom-encoder", "ffprobe"},
	}
	for _, c := range cases {
		if got := ffprobePathFor(c.in); got != c.want {
			t.Errorf("ffprobePathFor(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStateLabel(t *testing.T) {
	if stateLabel(true) != "running" {
		t.Errorf("expected running")
	}
	if stateLabel(false) != "degraded" {
		t.Errorf("expected degraded")
	}
}

func TestSystemInfoAdapterWarnsBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		RecordDir: dir,
		Cleanup:   config.CleanupConfig{MinTmpFreeSpaceGB: 1e9}, // absurdly high, guarantees "below"
	}
	adapter := systemInfoAdapter{custodian: fscustodian.New(nil), cfg: cfg, driver: encoder.NewDriver("ffmpeg", "ffprobe")}
	info := adapter.SystemInfo()
	if !info.DiskLowWarning {
		t.Errorf("expected DiskLowWarning true with an unreachable free-space threshold")
	}
	if !info.NTPSynced {
		t.Errorf("expected NTPSynced true (no NTP probing implemented)")
	}
}

func TestSystemInfoAdapterNoWarningWhenThresholdUnset(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{RecordDir: dir, Cleanup: config.CleanupConfig{MinTmpFreeSpaceGB: 0}}
	adapter := systemInfoAdapter{custodian: fscustodian.New(nil), cfg: cfg, driver: encoder.NewDriver("ffmpeg", "ffprobe")}
	info := adapter.SystemInfo()
	if info.DiskLowWarning {
		t.Errorf("expected no warning when MinTmpFreeSpaceGB is unset")
	}
}

func TestSystemInfoAdapterHandlesMissingDirectory(t *testing.T) {
	cfg := &config.Config{RecordDir: filepath.Join(t.TempDir(), "does-not-exist")}
	adapter := systemInfoAdapter{custodian: fscustodian.New(nil), cfg: cfg, driver: encoder.NewDriver("ffmpeg", "ffprobe")}
	info := adapter.SystemInfo()
	if !info.NTPSynced {
		t.Errorf("expected fallback SystemInfo to still report NTPSynced true")
	}
}
