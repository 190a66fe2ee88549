// Package supervisor provides a supervision tree for managing camguard's
// long-running loops (streaming workers, health monitors, the resource
// monitor, the cleanup scheduler).
//
// The supervisor implements Erlang/OTP-style process supervision, providing:
//   - Automatic restart of failed services with exponential backoff
//   - Graceful shutdown with timeout
//   - Dynamic service registration
//   - Health status reporting
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{
//	    ShutdownTimeout: 10 * time.Second,
//	})
//
//	sup.Add(streamingWorker)
//	sup.Add(healthMonitor)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, may restart
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// Name identifies this supervisor instance in suture's own logging.
	Name string

	// ShutdownTimeout is the maximum time to wait for services to stop gracefully.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is optional; if set, supervisor events are logged here.
	Logger *slog.Logger

	// RestartDelay is the initial pause before restarting a failed service;
	// it grows by RestartMultiplier on each consecutive failure, capped at
	// MaxRestartDelay. This is a per-service safety net layered underneath
	// suture's own restart loop — distinct from any session-level restart
	// policy (e.g. the Streaming Supervisor's camera restart cooldown),
	// which keeps its own per-camera restart ledger independently.
	RestartDelay      time.Duration
	MaxRestartDelay   time.Duration
	RestartMultiplier float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:              "camguard",
		ShutdownTimeout:   10 * time.Second,
		RestartDelay:      1 * time.Second,
		MaxRestartDelay:   5 * time.Minute,
		RestartMultiplier: 2.0,
	}
}

// Supervisor manages a collection of services, restarting them on failure.
// It is a thin bookkeeping layer (name lookup, status reporting, per-service
// restart backoff) over a real github.com/thejerf/suture/v4 tree, which
// performs the actual goroutine supervision.
type Supervisor struct {
	cfg    Config
	suture *suture.Supervisor

	mu       sync.RWMutex
	services map[string]*serviceEntry
	running  bool
}

// serviceEntry tracks a single service's bookkeeping state.
type serviceEntry struct {
	service      Service
	token        suture.ServiceToken
	state        ServiceState
	startTime    time.Time
	restarts     int
	lastError    error
	currentDelay time.Duration
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.Name == "" {
		cfg.Name = "camguard"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier == 0 {
		cfg.RestartMultiplier = 2.0
	}

	return &Supervisor{
		cfg:      cfg,
		suture:   suture.NewSimple(cfg.Name),
		services: make(map[string]*serviceEntry),
	}
}

// logInfo/logWarn write through cfg.Logger when configured.
func (s *Supervisor) logInfo(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(msg, args...)
	}
}

func (s *Supervisor) logWarn(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warn(msg, args...)
	}
}

// serviceAdapter satisfies suture.Service (Serve(ctx) error) on top of
// camguard's own Service (Run(ctx) error, Name() string). On a failed run
// it sleeps out this service's own exponential backoff before returning
// control to suture, so suture's immediate-restart behavior still respects
// camguard's configured restart pacing.
type serviceAdapter struct {
	sup  *Supervisor
	svc  Service
	name string
}

func (a serviceAdapter) Serve(ctx context.Context) error {
	sup := a.sup
	name := a.name

	sup.mu.Lock()
	entry := sup.services[name]
	if entry != nil {
		entry.state = ServiceStateRunning
		entry.startTime = time.Now()
	}
	sup.mu.Unlock()

	if entry == nil {
		return nil
	}

	err := a.svc.Run(ctx)

	if ctx.Err() != nil {
		sup.mu.Lock()
		entry.state = ServiceStateStopped
		sup.mu.Unlock()
		return nil
	}

	sup.mu.Lock()
	entry.state = ServiceStateFailed
	entry.lastError = err
	entry.restarts++
	if entry.currentDelay == 0 {
		entry.currentDelay = sup.cfg.RestartDelay
	} else {
		entry.currentDelay = time.Duration(float64(entry.currentDelay) * sup.cfg.RestartMultiplier)
		if entry.currentDelay > sup.cfg.MaxRestartDelay {
			entry.currentDelay = sup.cfg.MaxRestartDelay
		}
	}
	delay := entry.currentDelay
	restarts := entry.restarts
	sup.mu.Unlock()

	sup.logWarn("service failed, restarting", "service", name, "restarts", restarts, "delay", delay, "error", err)

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(delay):
	}

	return err
}

// Add registers a service with the supervisor.
// If the supervisor is already running, the service is started immediately.
// Returns an error if a service with the same name already exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	name := svc.Name()
	if _, exists := s.services[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{service: svc, state: ServiceStateIdle}
	s.services[name] = entry
	s.mu.Unlock()

	token := s.suture.Add(serviceAdapter{sup: s, svc: svc, name: name})

	s.mu.Lock()
	entry.token = token
	s.mu.Unlock()

	s.logInfo("added service", "service", name)
	return nil
}

// Remove unregisters and stops a service.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	entry, exists := s.services[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	entry.state = ServiceStateStopping
	token := entry.token
	delete(s.services, name)
	s.mu.Unlock()

	if err := s.suture.Remove(token); err != nil {
		return fmt.Errorf("remove service %q: %w", name, err)
	}
	s.logInfo("removed service", "service", name)
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(s.services))
	now := time.Now()

	for name, entry := range s.services {
		var uptime time.Duration
		if !entry.startTime.IsZero() && entry.state == ServiceStateRunning {
			uptime = now.Sub(entry.startTime)
		}

		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.state,
			StartTime: entry.startTime,
			Uptime:    uptime,
			Restarts:  entry.restarts,
			LastError: entry.lastError,
		})
	}

	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// Run starts all registered services and blocks until ctx is cancelled.
// When ctx is cancelled, suture stops every service gracefully, bounded by
// cfg.ShutdownTimeout.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	count := len(s.services)
	s.mu.Unlock()

	s.logInfo("supervisor started", "service_count", count)

	done := make(chan error, 1)
	go func() { done <- s.suture.Serve(ctx) }()

	<-ctx.Done()

	select {
	case err := <-done:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("supervisor: %w", err)
		}
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return errors.New("supervisor: shutdown timeout exceeded")
	}
}
