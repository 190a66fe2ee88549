// SPDX-License-Identifier: MIT

// Command camguardd is the camguard daemon: it loads the camera list and
// tunables, then runs the Streaming Supervisor, Recording Supervisor,
// Resource Monitor, and Cleanup Scheduler under one supervision tree,
// exposing a health/metrics HTTP endpoint and a unix-socket control surface
// for camguardctl.
//
// Usage:
//
//	camguardd [options]
//
// Options:
//
//	--config=PATH        Path to YAML configuration file
//	--lock-dir=PATH       Directory for the single-instance lock (default: /var/run/camguard)
//	--health-addr=ADDR    Address for the health/metrics HTTP server (default: :8090)
//	--socket=PATH         Unix socket path for the control surface (default: /var/run/camguard/camguard.sock)
//	--log-dir=PATH        Directory for rotating daemon logs (default: stdout only)
//	--env-prefix=PREFIX   Environment variable prefix (default: CAMGUARD)
//	--help                Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/camguard/camguard/internal/cleanup"
	"github.com/camguard/camguard/internal/config"
	"github.com/camguard/camguard/internal/control"
	"github.com/camguard/camguard/internal/encoder"
	"github.com/camguard/camguard/internal/fscustodian"
	"github.com/camguard/camguard/internal/health"
	"github.com/camguard/camguard/internal/hwreboot"
	"github.com/camguard/camguard/internal/lock"
	"github.com/camguard/camguard/internal/logging"
	"github.com/camguard/camguard/internal/recording"
	"github.com/camguard/camguard/internal/registry"
	"github.com/camguard/camguard/internal/resource"
	"github.com/camguard/camguard/internal/streaming"
	"github.com/camguard/camguard/internal/supervisor"
)

var (
	configPath = flag.String("config", "", "Path to YAML configuration file")
	lockDir    = flag.String("lock-dir", "/var/run/camguard", "Directory for the single-instance lock")
	healthAddr = flag.String("health-addr", ":8090", "Address for the health/metrics HTTP server")
	socketPath = flag.String("socket", "/var/run/camguard/camguard.sock", "Unix socket path for the control surface")
	logDir     = flag.String("log-dir", "", "Directory for rotating daemon logs (default: stdout only)")
	envPrefix  = flag.String("env-prefix", "CAMGUARD", "Environment variable prefix")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	logger, logCloser, err := logging.NewLogger(*logDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camguardd: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("camguardd exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("camguardd shutdown complete")
}

func run(logger *slog.Logger) error {
	if err := os.MkdirAll(*lockDir, 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	instanceLock, err := lock.New(*lockDir, "camguardd")
	if err != nil {
		return fmt.Errorf("create instance lock: %w", err)
	}
	if err := instanceLock.Acquire(10 * time.Second); err != nil {
		return fmt.Errorf("another camguardd instance is already running: %w", err)
	}
	defer instanceLock.Release()

	opts := []config.Option{config.WithEnvPrefix(*envPrefix)}
	if *configPath != "" {
		opts = append(opts, config.WithYAMLFile(*configPath))
	}
	kc, err := config.NewKoanfConfig(opts...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	baseCfg, err := kc.Load()
	if err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}
	logger.Info("configuration loaded", "config", *configPath, "cameras", len(baseCfg.Cameras))

	reg := registry.New(registry.ConfigLoaderFunc(kc.Load))
	changes, err := reg.Reload()
	if err != nil {
		return fmt.Errorf("load camera registry: %w", err)
	}
	for _, ch := range changes {
		logger.Info("camera registered", "camera", ch.CameraID, "change", ch.Kind.String())
	}

	for _, dir := range []string{baseCfg.TmpDir, baseCfg.RecordDir, baseCfg.BackupDir, baseCfg.LogDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	driver := encoder.NewDriver(baseCfg.EncoderBin, ffprobePathFor(baseCfg.EncoderBin))
	custodian := fscustodian.New(logger)

	resourceMon := resource.New(resource.Config{
		CheckInterval:  baseCfg.Resource.CheckInterval,
		MaxCPUPercent:  baseCfg.Resource.MaxCPUPercent,
		MaxMemPercent:  baseCfg.Resource.MaxMemPercent,
		ShedCPUPercent: baseCfg.Resource.ShedCPUPercent,
		ShedMemPercent: baseCfg.Resource.ShedMemPercent,
		ShedStopCPU:    baseCfg.Resource.ShedStopCPU,
		MaxShedCount:   baseCfg.Resource.MaxShedCount,
		ShedPause:      baseCfg.Resource.ShedPause,
	}, resource.GopsutilSampler{}, nil, logger)

	streamingSup := streaming.New(baseCfg, reg, driver, custodian, resourceMon, logger)
	resourceMon.SetShedder(streamingSup)

	recordingSup := recording.New(baseCfg, reg, driver, custodian, logger)
	cleanupSched := cleanup.New(baseCfg, reg, custodian, logger)
	rebooter := hwreboot.New(baseCfg.HWReboot)

	ctlSvc := control.New(baseCfg, reg, streamingSup, recordingSup, resourceMon, cleanupSched, rebooter, custodian)

	sup := supervisor.New(supervisor.Config{Name: "camguardd", Logger: logger})
	for _, svc := range []supervisor.Service{streamingSup, recordingSup, resourceMon, cleanupSched} {
		if err := sup.Add(svc); err != nil {
			return fmt.Errorf("register service %s: %w", svc.Name(), err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, reloading configuration")
				if reloadErr := kc.Reload(); reloadErr != nil {
					logger.Error("configuration reload failed", "error", reloadErr)
					continue
				}
				if _, reloadErr := reg.Reload(); reloadErr != nil {
					logger.Error("camera registry reload failed", "error", reloadErr)
				}
				continue
			}
			logger.Info("received signal, initiating shutdown", "signal", sig.String())
			cancel()
			return
		}
	}()

	healthHandler := health.NewHandler(statusAdapter{sup: sup, streaming: streamingSup, recording: recordingSup}).
		WithSystemInfo(systemInfoAdapter{custodian: custodian, cfg: baseCfg, driver: driver})

	errCh := make(chan error, 3)
	go func() {
		if err := health.ListenAndServe(ctx, *healthAddr, healthHandler); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go func() {
		if err := control.ServeUnix(ctx, *socketPath, ctlSvc, logger); err != nil {
			errCh <- fmt.Errorf("control socket: %w", err)
		}
	}()
	go func() {
		if err := sup.Run(ctx); err != nil {
			errCh <- fmt.Errorf("supervisor: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		return err
	}

	shutdownDeadline := time.After(15 * time.Second)
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-shutdownDeadline:
	}
	return nil
}

// statusAdapter translates supervisor/streaming/recording status into the
// health package's ServiceInfo shape.
type statusAdapter struct {
	sup       *supervisor.Supervisor
	streaming *streaming.Supervisor
	recording *recording.Supervisor
}

func (a statusAdapter) Services() []health.ServiceInfo {
	out := make([]health.ServiceInfo, 0)
	for _, st := range a.sup.Status() {
		out = append(out, health.ServiceInfo{
			Name:     "supervisor:" + st.Name,
			State:    st.State.String(),
			Uptime:   st.Uptime,
			Healthy:  st.State == supervisor.ServiceStateRunning,
			Restarts: st.Restarts,
		})
	}

	for _, s := range a.streaming.Status() {
		out = append(out, health.ServiceInfo{
			Name:     "stream:" + s.CameraID,
			State:    stateLabel(s.Healthy),
			Uptime:   s.Uptime,
			Healthy:  s.Healthy,
			Restarts: s.Restarts,
		})
	}
	for _, s := range a.recording.Status() {
		out = append(out, health.ServiceInfo{
			Name:    "record:" + s.CameraID,
			State:   stateLabel(s.Healthy),
			Uptime:  s.Uptime,
			Healthy: s.Healthy,
		})
	}
	return out
}

// ffprobePathFor derives the ffprobe binary path from the configured ffmpeg
// path, matching the sibling-binary layout ffmpeg distributions ship
// (bin/ffmpeg, bin/ffprobe). Config carries a single encoder_bin setting;
// there's no separate ffprobe override.
func ffprobePathFor(ffmpegPath string) string {
	dir, base := filepath.Split(ffmpegPath)
	if strings.Contains(base, "ffmpeg") {
		return dir + strings.Replace(base, "ffmpeg", "ffprobe", 1)
	}
	return "ffprobe"
}

func stateLabel(healthy bool) string {
	if healthy {
		return "running"
	}
	return "degraded"
}

// systemInfoAdapter reports the recording volume's free space to the health
// endpoint, warning once free space drops below the cleanup scheduler's own
// disk-space escalation threshold.
type systemInfoAdapter struct {
	custodian *fscustodian.Custodian
	cfg       *config.Config
	driver    *encoder.Driver
}

func (a systemInfoAdapter) SystemInfo() health.SystemInfo {
	leaked := len(a.driver.LeakedProcesses())
	free, err := a.custodian.FreeSpace(a.cfg.RecordDir)
	if err != nil {
		return health.SystemInfo{NTPSynced: true, LeakedProcesses: leaked}
	}
	minFreeBytes := uint64(a.cfg.Cleanup.MinTmpFreeSpaceGB * 1024 * 1024 * 1024)
	return health.SystemInfo{
		DiskFreeBytes:   free,
		DiskLowWarning:  minFreeBytes > 0 && free < minFreeBytes,
		NTPSynced:       true,
		LeakedProcesses: leaked,
	}
}
