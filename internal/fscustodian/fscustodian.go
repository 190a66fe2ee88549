// SPDX-License-Identifier: MIT

// Package fscustodian manages the on-disk footprint of streaming segments
// and recordings: directory provisioning, free-space queries, age/count
// retention, small/duplicate-file pruning, and backup mirroring.
//
// Grounded on original_source/fs_utils.py.
package fscustodian

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Custodian performs filesystem maintenance for a single camguard base
// path tree (tmp/records/backup/log per camera).
type Custodian struct {
	logger *slog.Logger
}

// New returns a Custodian logging to logger (or slog.Default if nil).
func New(logger *slog.Logger) *Custodian {
	if logger == nil {
		logger = slog.Default()
	}
	return &Custodian{logger: logger}
}

// EnsureDirectory creates path (and parents) if missing, verifying the
// directory is actually writable by probing a throwaway file — a stale
// read-only bind mount would otherwise look fine until the first recording
// attempt fails.
//
// Grounded on ensure_directory_exists.
func (c *Custodian) EnsureDirectory(path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("fscustodian: %s exists and is not a directory", path)
	case err == nil:
		// already present
	case os.IsNotExist(err):
		if err := os.MkdirAll(path, 0o750); err != nil {
			return fmt.Errorf("fscustodian: create %s: %w", path, err)
		}
		c.logger.Info("created directory", "path", path)
	default:
		return fmt.Errorf("fscustodian: stat %s: %w", path, err)
	}

	probe := filepath.Join(path, ".camguard-write-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("fscustodian: %s is not writable: %w", path, err)
	}
	_ = os.Remove(probe)
	return nil
}

// FreeSpace returns the number of free bytes on the filesystem backing
// path. If path does not exist, its parent is consulted instead, matching
// the original's fall-through so a not-yet-created camera directory still
// reports its eventual volume's free space.
//
// Grounded on get_free_space.
func (c *Custodian) FreeSpace(path string) (uint64, error) {
	candidate := path
	for {
		if _, err := os.Stat(candidate); err == nil {
			break
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			candidate = "."
			break
		}
		candidate = parent
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(candidate, &stat); err != nil {
		return 0, fmt.Errorf("fscustodian: statfs %s: %w", candidate, err)
	}
	// #nosec G115 - Bavail/Bsize are platform-sized but always non-negative here.
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

// HasMinFreeSpace reports whether path's filesystem has at least minFreeGB
// gigabytes free. A stat failure is treated as insufficient space so
// callers fail closed.
//
// Grounded on check_disk_space.
func (c *Custodian) HasMinFreeSpace(path string, minFreeGB float64) bool {
	free, err := c.FreeSpace(path)
	if err != nil {
		c.logger.Error("free space check failed", "path", path, "error", err)
		return false
	}
	freeGB := float64(free) / (1024 * 1024 * 1024)
	if freeGB < minFreeGB {
		c.logger.Warn("low disk space", "path", path, "free_gb", freeGB, "required_gb", minFreeGB)
		return false
	}
	return true
}

// fileInfo captures the fields CleanupDirectory needs without holding a
// live os.DirEntry past the listing pass.
type fileInfo struct {
	path  string
	mtime time.Time
	size  int64
}

// CleanupDirectory removes files directly under dir matching suffix
// (empty matches everything): zero-byte or sub-1KiB files unconditionally
// (likely truncated segments), files older than maxAge when maxAge > 0,
// and the oldest excess files beyond maxFiles when maxFiles > 0. Returns
// the count removed.
//
// Grounded on cleanup_directory.
func (c *Custodian) CleanupDirectory(dir, suffix string, maxAge time.Duration, maxFiles int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("fscustodian: read %s: %w", dir, err)
	}

	now := time.Now()
	var files []fileInfo
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || (suffix != "" && !strings.HasSuffix(entry.Name(), suffix)) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.Size() < 1024 {
			if err := os.Remove(path); err == nil {
				c.logger.Info("removed undersized file", "path", path, "size_bytes", info.Size())
				removed++
			}
			continue
		}

		files = append(files, fileInfo{path: path, mtime: info.ModTime(), size: info.Size()})
	}

	var kept []fileInfo
	for _, f := range files {
		if maxAge > 0 && now.Sub(f.mtime) > maxAge {
			if err := os.Remove(f.path); err == nil {
				c.logger.Info("removed aged-out file", "path", f.path, "age", now.Sub(f.mtime))
				removed++
			}
			continue
		}
		kept = append(kept, f)
	}

	if maxFiles > 0 && len(kept) > maxFiles {
		sort.Slice(kept, func(i, j int) bool { return kept[i].mtime.Before(kept[j].mtime) })
		excess := len(kept) - maxFiles
		for _, f := range kept[:excess] {
			if err := os.Remove(f.path); err == nil {
				c.logger.Info("removed excess file over retention count", "path", f.path)
				removed++
			}
		}
	}

	return removed, nil
}

// activePlaylistSegments parses an HLS playlist's ".ts" lines into a set of
// referenced segment basenames. It returns a nil map, not an empty one, when
// the playlist can't be read, so CleanupSegments can tell "parsed, currently
// empty" apart from "no playlist at all".
//
// Grounded on the same line-scan streaming.go's playlistReady/playlistLive
// use to read HLS playlists.
func activePlaylistSegments(playlistPath string) (map[string]bool, error) {
	data, err := os.ReadFile(playlistPath)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(line, ".ts") {
			active[filepath.Base(line)] = true
		}
	}
	return active, nil
}

// CleanupSegments removes ".ts" files under dir that are both absent from
// playlistPath's current segment list and older than segmentMaxAge. If the
// playlist itself is missing while segments still exist on disk — an
// encoder that died mid-session, or one that never got the chance to write
// one — that's treated as an anomaly: force clears the directory outright,
// otherwise the files are left for the next pass (they might still belong
// to an encoder about to write its first playlist). Returns the count
// removed.
//
// Grounded on original_source/streaming.py:cleanup_old_segments.
func (c *Custodian) CleanupSegments(dir, playlistPath string, segmentMaxAge time.Duration, force bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("fscustodian: read %s: %w", dir, err)
	}

	var segments []fileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ts") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segments = append(segments, fileInfo{path: filepath.Join(dir, e.Name()), mtime: info.ModTime()})
	}
	if len(segments) == 0 {
		return 0, nil
	}

	active, err := activePlaylistSegments(playlistPath)
	if err != nil {
		if !force {
			c.logger.Warn("segments present without a playlist", "dir", dir, "count", len(segments))
			return 0, nil
		}
		active = nil
	}

	now := time.Now()
	removed := 0
	for _, seg := range segments {
		if active != nil {
			if active[filepath.Base(seg.path)] {
				continue
			}
			if segmentMaxAge > 0 && now.Sub(seg.mtime) < segmentMaxAge {
				continue
			}
		}
		if err := os.Remove(seg.path); err == nil {
			c.logger.Info("removed unreferenced segment", "path", seg.path)
			removed++
		}
	}
	return removed, nil
}

// CleanSmallRecordings scans every camera subdirectory of baseDir for
// ".mp4" files, grouping files whose mtimes fall within 10 seconds of each
// other (duplicate recordings from an overlapping restart) and keeping
// only the largest in each group; any ungrouped file under minSizeKB is
// removed outright. Returns the count removed.
//
// Grounded on clean_small_recordings.
func (c *Custodian) CleanSmallRecordings(baseDir string, minSizeKB int) (int, error) {
	cameraDirs, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("fscustodian: read %s: %w", baseDir, err)
	}

	minSize := int64(minSizeKB) * 1024
	deleted := 0

	for _, camDir := range cameraDirs {
		if !camDir.IsDir() {
			continue
		}
		dir := filepath.Join(baseDir, camDir.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var mp4s []fileInfo
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp4") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			mp4s = append(mp4s, fileInfo{path: filepath.Join(dir, e.Name()), mtime: info.ModTime(), size: info.Size()})
		}
		sort.Slice(mp4s, func(i, j int) bool { return mp4s[i].mtime.Before(mp4s[j].mtime) })

		processed := make([]bool, len(mp4s))
		for i := range mp4s {
			if processed[i] {
				continue
			}
			group := []int{i}
			for j := range mp4s {
				if j == i || processed[j] {
					continue
				}
				if diff := mp4s[i].mtime.Sub(mp4s[j].mtime); diff < 10*time.Second && diff > -10*time.Second {
					group = append(group, j)
				}
			}

			if len(group) > 1 {
				sort.Slice(group, func(a, b int) bool { return mp4s[group[a]].size > mp4s[group[b]].size })
				for _, idx := range group[1:] {
					if err := os.Remove(mp4s[idx].path); err == nil {
						c.logger.Info("removed duplicate recording", "path", mp4s[idx].path, "size_bytes", mp4s[idx].size)
						deleted++
					}
					processed[idx] = true
				}
				processed[i] = true
				continue
			}

			if mp4s[i].size < minSize {
				if err := os.Remove(mp4s[i].path); err == nil {
					c.logger.Info("removed undersized recording", "path", mp4s[i].path, "size_bytes", mp4s[i].size)
					deleted++
				}
			}
			processed[i] = true
		}
	}

	return deleted, nil
}

// BackupFile copies source into destDir, creating destDir if needed, and
// returns the destination path. A missing source is an error, matching
// the caller's expectation that this is only invoked against a file known
// to exist.
//
// Grounded on backup_file.
func (c *Custodian) BackupFile(source, destDir string) (string, error) {
	if _, err := os.Stat(source); err != nil {
		return "", fmt.Errorf("fscustodian: backup source %s: %w", source, err)
	}
	if err := c.EnsureDirectory(destDir); err != nil {
		return "", err
	}

	dest := filepath.Join(destDir, filepath.Base(source))
	if err := copyFile(source, dest); err != nil {
		return "", fmt.Errorf("fscustodian: backup %s to %s: %w", source, dest, err)
	}
	c.logger.Info("file backed up", "source", source, "dest", dest)
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// DirectorySize returns the total size in bytes of every regular file
// under path.
//
// Grounded on get_directory_size.
func (c *Custodian) DirectorySize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries rather than aborting the walk
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fscustodian: walk %s: %w", path, err)
	}
	return total, nil
}

// RemoveAll recursively removes path. A missing path is treated as
// already-clean, not an error.
//
// Grounded on remove_directory.
func (c *Custodian) RemoveAll(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("fscustodian: remove %s: %w", path, err)
	}
	c.logger.Info("removed directory", "path", path)
	return nil
}

// FormatSize renders a byte count in the largest unit that keeps the
// value readable, e.g. "2.35 GB".
//
// Grounded on format_size.
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	size := float64(bytes)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", size, units[i])
}
