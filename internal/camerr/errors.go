// Package camerr defines the sentinel error values shared across camguard's
// supervision packages so callers can classify failures with errors.Is
// instead of string matching.
package camerr

import "errors"

var (
	// ErrCameraNotFound is returned when a camera id has no registry entry.
	ErrCameraNotFound = errors.New("camera not found")

	// ErrCameraDisabled is returned when an operation requires an enabled
	// camera and the descriptor is disabled.
	ErrCameraDisabled = errors.New("camera disabled")

	// ErrSessionExists is returned when a start is requested for a camera
	// that already has an active session.
	ErrSessionExists = errors.New("session already active")

	// ErrSessionNotFound is returned when a stop/status operation targets a
	// camera with no active session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRTSPUnreachable is returned when the Encoder Driver's RTSP probe
	// fails after exhausting its retry budget.
	ErrRTSPUnreachable = errors.New("rtsp source unreachable")

	// ErrInsufficientDisk is returned when a recording start is refused
	// because free space on the record volume is below the configured
	// minimum.
	ErrInsufficientDisk = errors.New("insufficient disk space")

	// ErrPlaylistNotReady is returned when an HLS playlist fails to appear
	// (or acquire valid content) within the launch wait window.
	ErrPlaylistNotReady = errors.New("hls playlist did not become ready")

	// ErrEncoderExited is returned when a child encoder process exits
	// before the caller finished waiting on a launch/probe step.
	ErrEncoderExited = errors.New("encoder process exited")

	// ErrUnreapable is returned by the Terminate escalation ladder when a
	// child process is still alive after every termination step.
	ErrUnreapable = errors.New("encoder process could not be reaped")

	// ErrSupervisorNotRunning is returned by control-surface operations
	// issued before the supervision engine has started.
	ErrSupervisorNotRunning = errors.New("supervisor not running")
)
