// SPDX-License-Identifier: MIT

// Package hwreboot attempts to power-cycle a camera's own embedded HTTP
// server when the software-level restart paths in internal/streaming and
// internal/recording can't bring it back — some IP cameras wedge at the
// hardware/firmware level and only respond to their own restart/reboot
// endpoint.
//
// Grounded on original_source/camera_utils.py:restart_camera_hardware.
package hwreboot

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/camguard/camguard/internal/config"
)

// candidateEndpoints are the restart/reboot paths common IP camera
// firmwares expose, tried in order until one answers 200 OK.
var candidateEndpoints = []string{
	"/restart",
	"/reboot",
	"/cgi-bin/restart.cgi",
	"/cgi-bin/reboot.cgi",
	"/api/restart",
	"/api/reboot",
}

// attemptState tracks one camera's throttle window.
type attemptState struct {
	lastAttempt time.Time
	count       int
}

// Rebooter issues best-effort HTTP reboot requests against a camera's own
// RTSP host, throttled per camera so a wedged camera isn't hammered.
type Rebooter struct {
	cfg        config.HWRebootConfig
	httpClient *http.Client

	mu       sync.Mutex
	attempts map[string]*attemptState
}

// New returns a Rebooter reading its throttle tunables from cfg.
func New(cfg config.HWRebootConfig) *Rebooter {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Rebooter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   make(map[string]*attemptState),
	}
}

// Reboot attempts a hardware reboot of cameraID, whose RTSP source is
// rtspURL. It returns false (without making any request) if the camera has
// already exhausted MaxAttempts within the last Interval, matching
// restart_camera_hardware's per-camera throttle.
func (r *Rebooter) Reboot(cameraID, rtspURL string) bool {
	if !r.allow(cameraID) {
		return false
	}

	host, auth, err := parseRTSPHost(rtspURL)
	if err != nil {
		return false
	}

	for _, path := range candidateEndpoints {
		endpoint := fmt.Sprintf("http://%s%s", host, path)
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			continue
		}
		if auth != nil {
			req.SetBasicAuth(auth.username, auth.password)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return true
		}
	}
	return false
}

// allow applies the MAX_CAMERA_RESTART_ATTEMPTS / CAMERA_RESTART_INTERVAL
// throttle: within one Interval window a camera may be rebooted at most
// MaxAttempts times; the window resets once Interval has elapsed since the
// last attempt.
func (r *Rebooter) allow(cameraID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxAttempts := r.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	now := time.Now()
	state, ok := r.attempts[cameraID]
	if !ok {
		r.attempts[cameraID] = &attemptState{lastAttempt: now, count: 1}
		return true
	}

	if now.Sub(state.lastAttempt) < interval && state.count >= maxAttempts {
		return false
	}
	if now.Sub(state.lastAttempt) >= interval {
		state.count = 0
	}
	state.count++
	state.lastAttempt = now
	return true
}

// Reset clears cameraID's throttle window, or every camera's if cameraID is
// empty — grounded on reset_camera_restart_attempts.
func (r *Rebooter) Reset(cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cameraID == "" {
		r.attempts = make(map[string]*attemptState)
		return
	}
	delete(r.attempts, cameraID)
}

type basicAuth struct {
	username string
	password string
}

// parseRTSPHost extracts the host:port and optional basic-auth credentials
// from an rtsp://[user:pass@]host[:port]/path URL.
func parseRTSPHost(rtspURL string) (string, *basicAuth, error) {
	u, err := url.Parse(rtspURL)
	if err != nil || u.Host == "" {
		return "", nil, fmt.Errorf("hwreboot: parse rtsp url: %w", err)
	}

	host := u.Host
	if u.Hostname() == "" {
		return "", nil, fmt.Errorf("hwreboot: rtsp url %q has no host", rtspURL)
	}

	var auth *basicAuth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &basicAuth{username: u.User.Username(), password: password}
	}
	return host, auth, nil
}
