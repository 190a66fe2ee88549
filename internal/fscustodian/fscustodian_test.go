// SPDX-License-Identifier: MIT

package fscustodian

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirectoryCreatesAndVerifiesWritable(t *testing.T) {
	c := New(nil)
	dir := filepath.Join(t.TempDir(), "nested", "cam")

	require.NoError(t, c.EnsureDirectory(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureDirectoryRejectsFileAtPath(t *testing.T) {
	c := New(nil)
	path := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))

	assert.Error(t, c.EnsureDirectory(path))
}

func TestFreeSpaceReturnsPositiveValue(t *testing.T) {
	c := New(nil)
	free, err := c.FreeSpace(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestFreeSpaceFallsBackToParentWhenMissing(t *testing.T) {
	c := New(nil)
	free, err := c.FreeSpace(filepath.Join(t.TempDir(), "does-not-exist-yet"))
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestHasMinFreeSpaceFailsClosedOnImpossibleRequirement(t *testing.T) {
	c := New(nil)
	assert.False(t, c.HasMinFreeSpace(t.TempDir(), 1e12))
}

func TestCleanupDirectoryRemovesUndersizedFiles(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.ts"), []byte("x"), 0o640))

	removed, err := c.CleanupDirectory(dir, ".ts", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestCleanupDirectoryEnforcesMaxFiles(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	content := make([]byte, 2048)

	for i := 0; i < 5; i++ {
		path := filepath.Join(dir, filepath.Base(dir)+string(rune('a'+i))+".ts")
		require.NoError(t, os.WriteFile(path, content, 0o640))
		mtime := time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	removed, err := c.CleanupDirectory(dir, ".ts", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestCleanupDirectoryEnforcesMaxAge(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	content := make([]byte, 2048)

	oldPath := filepath.Join(dir, "old.ts")
	require.NoError(t, os.WriteFile(oldPath, content, 0o640))
	old := time.Now().Add(-1 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	newPath := filepath.Join(dir, "new.ts")
	require.NoError(t, os.WriteFile(newPath, content, 0o640))

	removed, err := c.CleanupDirectory(dir, ".ts", 10*time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(newPath)
	assert.NoError(t, err)
}

func TestCleanupDirectoryMissingDirIsNoop(t *testing.T) {
	c := New(nil)
	removed, err := c.CleanupDirectory(filepath.Join(t.TempDir(), "missing"), "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestCleanupSegmentsKeepsPlaylistReferencedRegardlessOfAge(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	playlist := filepath.Join(dir, "front-door.m3u8")

	referenced := filepath.Join(dir, "front-door-00001.ts")
	require.NoError(t, os.WriteFile(referenced, []byte("segment"), 0o640))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(referenced, old, old))

	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\nfront-door-00001.ts\n"), 0o640))

	removed, err := c.CleanupSegments(dir, playlist, 180*time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	_, err = os.Stat(referenced)
	assert.NoError(t, err)
}

func TestCleanupSegmentsRemovesUnreferencedPastMaxAge(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	playlist := filepath.Join(dir, "front-door.m3u8")

	stale := filepath.Join(dir, "front-door-00002.ts")
	require.NoError(t, os.WriteFile(stale, []byte("segment"), 0o640))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\nfront-door-00001.ts\n"), 0o640))

	removed, err := c.CleanupSegments(dir, playlist, 180*time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupSegmentsKeepsUnreferencedUnderMaxAge(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	playlist := filepath.Join(dir, "front-door.m3u8")

	fresh := filepath.Join(dir, "front-door-00002.ts")
	require.NoError(t, os.WriteFile(fresh, []byte("segment"), 0o640))

	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\nfront-door-00001.ts\n"), 0o640))

	removed, err := c.CleanupSegments(dir, playlist, 180*time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestCleanupSegmentsMissingPlaylistLeavesSegmentsUnlessForced(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	playlist := filepath.Join(dir, "front-door.m3u8")

	orphan := filepath.Join(dir, "front-door-00001.ts")
	require.NoError(t, os.WriteFile(orphan, []byte("segment"), 0o640))

	removed, err := c.CleanupSegments(dir, playlist, 180*time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = c.CleanupSegments(dir, playlist, 180*time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanSmallRecordingsKeepsLargestInOverlapGroup(t *testing.T) {
	c := New(nil)
	base := t.TempDir()
	camDir := filepath.Join(base, "front-door")
	require.NoError(t, os.MkdirAll(camDir, 0o750))

	big := filepath.Join(camDir, "a.mp4")
	small := filepath.Join(camDir, "b.mp4")
	require.NoError(t, os.WriteFile(big, make([]byte, 4096), 0o640))
	require.NoError(t, os.WriteFile(small, make([]byte, 2048), 0o640))

	now := time.Now()
	require.NoError(t, os.Chtimes(big, now, now))
	require.NoError(t, os.Chtimes(small, now.Add(2*time.Second), now.Add(2*time.Second)))

	deleted, err := c.CleanSmallRecordings(base, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = os.Stat(big)
	assert.NoError(t, err)
	_, err = os.Stat(small)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanSmallRecordingsRemovesUngroupedSmallFile(t *testing.T) {
	c := New(nil)
	base := t.TempDir()
	camDir := filepath.Join(base, "driveway")
	require.NoError(t, os.MkdirAll(camDir, 0o750))

	small := filepath.Join(camDir, "tiny.mp4")
	require.NoError(t, os.WriteFile(small, make([]byte, 512), 0o640))

	deleted, err := c.CleanSmallRecordings(base, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestBackupFileCopiesAndCreatesDestDir(t *testing.T) {
	c := New(nil)
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "recording.mp4")
	require.NoError(t, os.WriteFile(src, []byte("recorded bytes"), 0o640))

	destDir := filepath.Join(t.TempDir(), "backup", "front-door")
	dest, err := c.BackupFile(src, destDir)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "recorded bytes", string(data))
}

func TestBackupFileMissingSourceErrors(t *testing.T) {
	c := New(nil)
	_, err := c.BackupFile(filepath.Join(t.TempDir(), "missing.mp4"), t.TempDir())
	assert.Error(t, err)
}

func TestDirectorySizeSumsFiles(t *testing.T) {
	c := New(nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), make([]byte, 200), 0o640))

	size, err := c.DirectorySize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(300), size)
}

func TestRemoveAllOnMissingPathIsNoop(t *testing.T) {
	c := New(nil)
	assert.NoError(t, c.RemoveAll(filepath.Join(t.TempDir(), "missing")))
}

func TestRemoveAllDeletesTree(t *testing.T) {
	c := New(nil)
	dir := filepath.Join(t.TempDir(), "cam")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o750))
	require.NoError(t, c.RemoveAll(dir))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatSize(0))
	assert.Equal(t, "512.00 B", FormatSize(512))
	assert.Equal(t, "1.50 KB", FormatSize(1536))
	assert.Equal(t, "1.00 MB", FormatSize(1024*1024))
}
