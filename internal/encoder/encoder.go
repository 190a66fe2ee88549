// SPDX-License-Identifier: MIT

// Package encoder drives the external encoder binary (ffmpeg/ffprobe):
// building argv for HLS and recording modes, starting and terminating the
// child process, and running the liveness/audio/detail probes the
// supervisors need before trusting a source. Every operation reports its
// outcome as a return value — no panic or exception ever crosses this
// package's boundary (spec §4.1 failure semantics).
package encoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/camguard/camguard/internal/camerr"
	"github.com/camguard/camguard/internal/util"
	"golang.org/x/sys/unix"
)

// Driver builds and runs ffmpeg/ffprobe invocations on behalf of the
// Streaming and Recording Supervisors.
type Driver struct {
	FFmpegPath  string
	FFprobePath string

	// HLSBaseURL, when set, is the loopback base URL the external HTTP
	// surface serves HLS playlists from (e.g. "http://localhost:8080/hls").
	// BuildRecordCommand HEAD-probes "<HLSBaseURL>/<camera_id>/<camera_id>.m3u8"
	// to decide whether to record from the local HLS source instead of RTSP
	// directly (spec §4.1, §4.3, DESIGN NOTES "HTTP self-probing").
	HLSBaseURL string

	// HWAccel forces the GPU decode/encode path BuildRecordCommand takes for
	// RTSP-sourced recording: "cuda" forces it on, "none" forces software
	// x264, and "" (the default) probes the encoder binary once and caches
	// whatever it finds. Fleets without an NVENC-capable GPU fall back to
	// "none" automatically; this field only needs setting to force a mode.
	HWAccel string

	httpClient *http.Client

	hwaccelOnce   sync.Once
	hwaccelCached string

	// resources tracks every child process this Driver has launched but not
	// yet reaped, so a stuck or forgotten Terminate call shows up as a leak
	// instead of silently accumulating zombie ffmpeg processes.
	resources *util.ResourceTracker
}

// NewDriver returns a Driver invoking the named ffmpeg/ffprobe binaries.
func NewDriver(ffmpegPath, ffprobePath string) *Driver {
	return &Driver{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		resources:   util.NewResourceTracker(),
	}
}

// Handle is a running encoder child process.
type Handle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu     sync.Mutex
	exited bool
	waitCh chan error
}

// Pid returns the child's process id, or 0 if it never started.
func (h *Handle) Pid() int {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Exited reports whether the process has already been reaped.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Wait blocks until the process exits, returning its exit error (nil on a
// clean exit). Safe to call from multiple goroutines; only the first
// caller's result is authoritative but all callers unblock together.
func (h *Handle) Wait() error {
	return <-h.waitCh
}

// BuildHLSCommand builds argv for an HLS transcode of rtspURL into
// outputPath (a ".m3u8" file). Segments are written alongside the playlist
// as "<base>-%05d.ts". Matches spec §4.1: TCP transport, segmentDurationSecs
// target segment length, a bounded 48-segment playlist with
// delete_segments+independent_segments+split_by_time, keyframes forced at
// segment boundaries, wall-clock timestamp rewriting.
//
// Grounded on original_source/ffmpeg_utils.py:get_hls_streaming_command.
func (d *Driver) BuildHLSCommand(rtspURL, outputPath string, segmentDurationSecs int, bufferSize string) []string {
	if segmentDurationSecs <= 0 {
		segmentDurationSecs = 1
	}
	if bufferSize == "" {
		bufferSize = "2M"
	}

	outputDir := filepath.Dir(outputPath)
	base := strings.TrimSuffix(filepath.Base(outputPath), filepath.Ext(outputPath))
	segmentPattern := filepath.Join(outputDir, base+"-%05d.ts")

	return []string{
		d.FFmpegPath,
		"-rtsp_transport", "tcp",
		"-buffer_size", bufferSize,
		"-max_delay", "100000",
		"-analyzeduration", "1000000",
		"-probesize", "1000000",
		"-fflags", "+genpts+discardcorrupt+igndts+ignidx+flush_packets",
		"-err_detect", "ignore_err",
		"-avoid_negative_ts", "make_zero",
		"-use_wallclock_as_timestamps", "1",
		"-thread_queue_size", "512",
		"-flags", "+global_header",
		"-i", rtspURL,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-ac", "2",
		"-vsync", "cfr",
		"-fps_mode", "cfr",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segmentDurationSecs),
		"-sc_threshold", "0",
		"-g", strconv.Itoa(segmentDurationSecs*30),
		"-movflags", "empty_moov+omit_tfhd_offset+frag_keyframe+default_base_moof",
		"-hls_time", strconv.Itoa(segmentDurationSecs),
		"-hls_list_size", "48",
		"-hls_flags", "delete_segments+independent_segments+split_by_time",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", segmentPattern,
		"-hls_allow_cache", "0",
		"-start_number", "1",
		"-max_muxing_queue_size", "4096",
		"-f", "hls",
		"-y",
		outputPath,
	}
}

// hlsReachable HEAD-probes the camera's local HLS playlist with a short
// timeout, returning true only on HTTP 200.
func (d *Driver) hlsReachable(cameraID string) bool {
	if d.HLSBaseURL == "" {
		return false
	}
	url := fmt.Sprintf("%s/%s/%s.m3u8", strings.TrimSuffix(d.HLSBaseURL, "/"), cameraID, cameraID)
	client := d.httpClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// BuildRecordCommand builds argv to record rtspURL (or, if reachable, the
// camera's local HLS playlist) into outputPath (an ".mp4" file). Output
// carries faststart+frag_keyframe; the HLS source is already H.264 so it's
// stream-copied, while the RTSP source is transcoded and takes the
// hwaccel-capable decode/encode path (cuda/h264_cuvid/h264_nvenc) whenever
// resolveHWAccel finds one, falling back to libx264 otherwise, per spec
// §4.1/§4.3.
//
// Grounded on original_source/ffmpeg_utils.py:get_ffmpeg_record_command.
func (d *Driver) BuildRecordCommand(rtspURL, outputPath, cameraID string) []string {
	if d.hlsReachable(cameraID) {
		hlsURL := fmt.Sprintf("%s/%s/%s.m3u8", strings.TrimSuffix(d.HLSBaseURL, "/"), cameraID, cameraID)
		return []string{
			d.FFmpegPath,
			"-protocol_whitelist", "file,http,https,tcp,tls",
			"-i", hlsURL,
			"-c", "copy",
			"-movflags", "+faststart+frag_keyframe",
			"-y",
			outputPath,
		}
	}

	argv := []string{d.FFmpegPath, "-rtsp_transport", "tcp"}

	videoEncoder, videoPreset := "libx264", "fast"
	if d.resolveHWAccel() == "cuda" {
		argv = append(argv, "-hwaccel", "cuda", "-c:v", "h264_cuvid")
		videoEncoder, videoPreset = "h264_nvenc", "fast"
	}

	argv = append(argv,
		"-analyzeduration", "10000000",
		"-probesize", "5000000",
		"-use_wallclock_as_timestamps", "1",
		"-i", rtspURL,
		"-c:v", videoEncoder,
		"-preset", videoPreset,
		"-r", "30",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-ac", "2",
		"-max_muxing_queue_size", "2048",
		"-fflags", "+genpts+discardcorrupt+igndts",
		"-avoid_negative_ts", "make_zero",
		"-fps_mode", "cfr",
		"-movflags", "+faststart+frag_keyframe",
		"-y",
		outputPath,
	)
	return argv
}

// resolveHWAccel returns "cuda" if the configured encoder binary reports
// both CUDA hwaccel support and an h264_nvenc encoder, or "none" otherwise.
// An explicit HWAccel of "cuda" or "none" short-circuits the probe; the
// zero value probes lazily and caches the result for the Driver's lifetime,
// since hwaccel availability doesn't change while a process is running.
func (d *Driver) resolveHWAccel() string {
	switch d.HWAccel {
	case "cuda", "none":
		return d.HWAccel
	}
	d.hwaccelOnce.Do(func() {
		d.hwaccelCached = "none"
		if d.ffmpegListContains("-hwaccels", "cuda") && d.ffmpegListContains("-encoders", "h264_nvenc") {
			d.hwaccelCached = "cuda"
		}
	})
	return d.hwaccelCached
}

// ffmpegListContains runs "ffmpeg -hide_banner <flag>" and reports whether
// needle appears in its output, used to probe -hwaccels and -encoders.
func (d *Driver) ffmpegListContains(flag, needle string) bool {
	// #nosec G204 - flag is one of two fixed literals passed by resolveHWAccel.
	out, err := exec.Command(d.FFmpegPath, "-hide_banner", flag).Output()
	if err != nil {
		return false
	}
	return bytes.Contains(out, []byte(needle))
}

// Start launches argv[0](argv[1:]...), streaming stderr (and stdout, when
// logSink is non-nil) to logSink. The child's stdin is kept open so
// Terminate can send the graceful quit token. name identifies the process
// in the Driver's resource tracker (typically "<camera_id>:<mode>") and has
// no effect on argv.
func (d *Driver) Start(name string, argv []string, logSink io.Writer) (*Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("encoder: empty command")
	}

	// #nosec G204 - argv[0] is the configured encoder binary, args are built
	// internally from validated configuration and camera descriptors.
	cmd := exec.Command(argv[0], argv[1:]...)
	if logSink != nil {
		cmd.Stdout = logSink
		cmd.Stderr = logSink
	}
	// The child becomes its own process group leader so Terminate's
	// force-kill step can signal the whole group (ffmpeg's own helper
	// processes included) rather than just the immediate pid.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: start: %w", err)
	}

	d.resources.TrackProcess(name, cmd.Process)

	h := &Handle{cmd: cmd, stdin: stdin, waitCh: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		d.resources.UntrackProcess(name)
		h.mu.Lock()
		h.exited = true
		h.mu.Unlock()
		h.waitCh <- err
		close(h.waitCh)
	}()

	return h, nil
}

// LeakedProcesses returns the names of every child process Start has
// launched that hasn't yet been reaped, for the health endpoint's
// leak-detection gauge. A non-empty result past a process's expected
// lifetime means Terminate's escalation ladder got stuck, or was never
// called.
func (d *Driver) LeakedProcesses() []string {
	return d.resources.LeakedResources()
}

// Terminate runs the escalation ladder from spec §4.1: (1) a graceful quit
// token on stdin, up to 3s; (2) SIGTERM, up to 3s; (3) SIGKILL to the
// process group; (4) a liveness check, returning an error wrapping
// camerr.ErrUnreapable if the child is still alive.
// finalTimeout bounds step 4's wait after the kill signal.
func (d *Driver) Terminate(h *Handle, finalTimeout time.Duration) error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if h.Exited() {
		return nil
	}
	if finalTimeout <= 0 {
		finalTimeout = 5 * time.Second
	}

	pid := h.cmd.Process.Pid

	// Step 1: graceful quit token on stdin.
	if h.stdin != nil {
		_, _ = io.WriteString(h.stdin, "q\n")
		_ = h.stdin.Close()
	}
	if waitFor(h, 3*time.Second) {
		return nil
	}

	// Step 2: polite terminate.
	_ = h.cmd.Process.Signal(unix.SIGTERM)
	if waitFor(h, 3*time.Second) {
		return nil
	}

	// Step 3: force-kill the process group.
	_ = unix.Kill(-pid, unix.SIGKILL)
	_ = h.cmd.Process.Kill()
	if waitFor(h, finalTimeout) {
		return nil
	}

	// Step 4: verify non-existence.
	if processAlive(pid) {
		return fmt.Errorf("encoder: pid %d unreapable after full termination ladder: %w", pid, camerr.ErrUnreapable)
	}
	return nil
}

func waitFor(h *Handle, d time.Duration) bool {
	select {
	case <-h.waitCh:
		return true
	case <-time.After(d):
		return h.Exited()
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(unix.Signal(0)) == nil
}

// KillAll force-kills every running encoder process. If cameraID is
// non-empty, only processes whose command line mentions it are targeted;
// otherwise every process matching the configured ffmpeg binary name is
// killed. Used at startup cold-boot and as a last resort (spec §4.1).
//
// Grounded on original_source/ffmpeg_utils.py:kill_ffmpeg_processes, using
// a /proc scan in place of the original's `ps aux` shell-out.
func (d *Driver) KillAll(cameraID string) error {
	binName := filepath.Base(d.FFmpegPath)

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return fmt.Errorf("encoder: read /proc: %w", err)
	}

	var killErr error
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		args := strings.Split(string(bytes.Trim(cmdline, "\x00")), "\x00")
		if len(args) == 0 {
			continue
		}
		if filepath.Base(args[0]) != binName {
			continue
		}
		if cameraID != "" && !cmdlineContains(args, cameraID) {
			continue
		}

		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			killErr = err
		}
	}
	return killErr
}

func cmdlineContains(args []string, needle string) bool {
	for _, a := range args {
		if strings.Contains(a, needle) {
			return true
		}
	}
	return false
}

// ProbeRTSP runs a 1-second capture of rtspURL to /dev/null, reporting
// success on a zero exit code. Grounded on
// original_source/ffmpeg_utils.py:check_rtsp_connection.
func (d *Driver) ProbeRTSP(ctx context.Context, rtspURL string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	// #nosec G204 - rtspURL comes from validated camera configuration.
	cmd := exec.CommandContext(ctx, d.FFmpegPath,
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-t", "1",
		"-f", "null",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return false, fmt.Errorf("rtsp probe failed: %w: %s", err, stderr.String())
	}
	return true, nil
}

// ProbeAudio reports whether rtspURL carries an audio stream. Any failure
// (timeout, parse error, non-zero exit) returns false rather than an error,
// per spec §4.1's absence-tolerant probe semantics.
//
// Grounded on original_source/ffmpeg_utils.py:check_audio_stream.
func (d *Driver) ProbeAudio(ctx context.Context, rtspURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 - rtspURL comes from validated camera configuration.
	cmd := exec.CommandContext(ctx, d.FFprobePath,
		"-v", "error",
		"-rtsp_transport", "tcp",
		"-select_streams", "a:0",
		"-show_entries", "stream=codec_type",
		"-of", "json",
		"-i", rtspURL,
	)
	out, err := cmd.Output()
	if err != nil {
		return false
	}

	var parsed struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return false
	}
	return len(parsed.Streams) > 0
}

// StreamDetails holds the probed frame rate and resolution of an RTSP
// source.
type StreamDetails struct {
	FPS    float64
	Width  int
	Height int
}

// ProbeDetails reports frame rate and resolution for rtspURL's first video
// stream.
//
// Grounded on original_source/ffmpeg_utils.py:check_stream_details.
func (d *Driver) ProbeDetails(ctx context.Context, rtspURL string, timeout time.Duration) (StreamDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 - rtspURL comes from validated camera configuration.
	cmd := exec.CommandContext(ctx, d.FFprobePath,
		"-v", "error",
		"-rtsp_transport", "tcp",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate,width,height",
		"-of", "csv=p=0:s=,",
		"-timeout", strconv.Itoa(int(timeout/time.Microsecond)),
		"-i", rtspURL,
	)
	out, err := cmd.Output()
	if err != nil {
		return StreamDetails{}, fmt.Errorf("probe stream details: %w", err)
	}

	line := strings.TrimSpace(string(out))
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return StreamDetails{}, fmt.Errorf("probe stream details: unexpected output %q", line)
	}

	fps, err := parseFrameRate(parts[0])
	if err != nil {
		return StreamDetails{}, fmt.Errorf("parse fps: %w", err)
	}
	width, err := strconv.Atoi(parts[1])
	if err != nil {
		return StreamDetails{}, fmt.Errorf("parse width: %w", err)
	}
	height, err := strconv.Atoi(parts[2])
	if err != nil {
		return StreamDetails{}, fmt.Errorf("parse height: %w", err)
	}

	return StreamDetails{FPS: fps, Width: width, Height: height}, nil
}

// parseFrameRate parses ffprobe's r_frame_rate ("30/1", "30000/1001", or a
// plain integer/float) into a float64.
func parseFrameRate(s string) (float64, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, err
		}
		dVal, err := strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, err
		}
		if dVal == 0 {
			return 0, fmt.Errorf("zero denominator in frame rate %q", s)
		}
		return n / dVal, nil
	}
	return strconv.ParseFloat(s, 64)
}

// FinalizeMP4 remuxes path in place to a faststart-optimized MP4: streams
// are copied (no re-encode), metadata preserved. Empty or missing inputs
// are a no-op, per spec §4.1.
//
// Grounded on original_source/ffmpeg_utils.py:finalize_recording.
func (d *Driver) FinalizeMP4(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("finalize: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil
	}

	tmpPath := path + ".temp.mp4"

	// #nosec G204 - path is a recording output this process created.
	cmd := exec.CommandContext(ctx, d.FFmpegPath,
		"-i", path,
		"-c:v", "copy",
		"-c:a", "copy",
		"-map_metadata", "0",
		"-movflags", "+faststart",
		"-fflags", "+bitexact",
		"-y",
		tmpPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize %s: %w: %s", path, err, stderr.String())
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("finalize: replace %s: %w", path, err)
	}
	return nil
}

// ReadTail returns the last n lines from r, used to capture a failing
// encoder's stderr tail for diagnostics when a launch wait times out.
func ReadTail(r io.Reader, n int) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}
