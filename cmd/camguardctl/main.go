// SPDX-License-Identifier: MIT

// Command camguardctl is the thin CLI client for a running camguardd,
// talking to it over the unix-socket control surface.
package main

import (
	"fmt"
	"os"

	"github.com/camguard/camguard/internal/control"
)

const (
	defaultSocketPath = "/var/run/camguard/camguard.sock"
	exitSuccess       = 0
	exitError         = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run is the dispatch entry point, extracted for testability.
func run(args []string) error {
	socketPath := defaultSocketPath
	args, socketPath = extractSocketFlag(args, socketPath)

	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]
	client := control.NewClient(socketPath)

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "restart":
		return runRestart(client, commandArgs)
	case "restart-all":
		return client.RestartAll()
	case "record":
		return runRecord(client, commandArgs)
	case "status":
		return runStatus(client)
	case "disk":
		return runDisk(client)
	case "cleanup":
		return client.Cleanup()
	case "reboot":
		return runReboot(client, commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'camguardctl help' for usage)", command)
	}
}

// extractSocketFlag pulls a leading "--socket=PATH" or "--socket PATH" out of
// args, returning the remaining args and the resolved socket path.
func extractSocketFlag(args []string, fallback string) ([]string, string) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--socket" && i+1 < len(args):
			fallback = args[i+1]
			i++
		case len(arg) > len("--socket=") && arg[:len("--socket=")] == "--socket=":
			fallback = arg[len("--socket="):]
		default:
			out = append(out, arg)
		}
	}
	return out, fallback
}

func runHelp() error {
	fmt.Print(`camguardctl - control a running camguardd

USAGE:
    camguardctl [--socket PATH] COMMAND [ARGS]

COMMANDS:
    restart CAMERA_ID       Restart one camera's stream session
    restart-all             Restart every enabled camera's stream session
    record start CAMERA_ID  Start recording a camera
    record stop CAMERA_ID   Stop recording a camera
    record start-all        Start recording every enabled camera
    record stop-all         Stop every active recording
    status                  Show streaming/recording/resource status
    disk                    Show free space on each managed directory
    cleanup                 Run one cleanup pass immediately
    reboot CAMERA_ID        Power-cycle a camera's embedded hardware
    help                    Show this help message

OPTIONS:
    --socket PATH           Unix socket path (default: ` + defaultSocketPath + `)
`)
	return nil
}

func runRestart(client *control.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: camguardctl restart CAMERA_ID")
	}
	return client.Restart(args[0])
}

func runRecord(client *control.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: camguardctl record {start|stop|start-all|stop-all} [CAMERA_ID]")
	}
	switch args[0] {
	case "start":
		if len(args) != 2 {
			return fmt.Errorf("usage: camguardctl record start CAMERA_ID")
		}
		return client.StartRecording(args[1])
	case "stop":
		if len(args) != 2 {
			return fmt.Errorf("usage: camguardctl record stop CAMERA_ID")
		}
		return client.StopRecording(args[1])
	case "start-all":
		return client.StartAllRecordings()
	case "stop-all":
		return client.StopAllRecordings()
	default:
		return fmt.Errorf("unknown record subcommand: %s", args[0])
	}
}

func runReboot(client *control.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: camguardctl reboot CAMERA_ID")
	}
	return client.RebootCameraHardware(args[0])
}

func runStatus(client *control.Client) error {
	report, err := client.Status()
	if err != nil {
		return err
	}
	fmt.Printf("Resource: cpu=%.1f%% mem=%.1f%%\n", report.Resource.CPUPercent, report.Resource.MemPercent)
	fmt.Println("Streaming sessions:")
	for _, s := range report.Streaming {
		fmt.Printf("  %-20s healthy=%-5v uptime=%-10s restarts=%d\n", s.CameraID, s.Healthy, s.Uptime.Round(1e9), s.Restarts)
	}
	fmt.Println("Recording sessions:")
	for _, s := range report.Recording {
		fmt.Printf("  %-20s healthy=%-5v uptime=%s\n", s.CameraID, s.Healthy, s.Uptime.Round(1e9))
	}
	return nil
}

func runDisk(client *control.Client) error {
	entries, err := client.Disk()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%-10s %-30s %s free\n", e.Label, e.Path, e.Formatted)
	}
	return nil
}
