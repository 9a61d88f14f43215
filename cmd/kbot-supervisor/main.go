// Command kbot-supervisor forks and supervises a kbot child process:
// crash-respawn with exponential backoff, planned-restart handshakes
// initiated by the child, and a soft-then-hard shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kynetic-ai/kbot/internal/config"
	"github.com/kynetic-ai/kbot/internal/supervisor"
)

func main() {
	var (
		childPath        string
		childArgsCSV     string
		dataDir          string
		checkpointDir    string
		controlTransport string
	)
	flag.StringVar(&childPath, "child", "", "path to the kbot binary to supervise")
	flag.StringVar(&childArgsCSV, "child-args", "", "comma-separated arguments passed through to the child")
	flag.StringVar(&dataDir, "data-dir", "./kbot-data", "directory shared with the child for config")
	flag.StringVar(&checkpointDir, "checkpoint-dir", "", "directory for crash checkpoints; default <data-dir>/checkpoints")
	flag.StringVar(&controlTransport, "control-transport", "pipes", "control channel transport: pipes, pty, or yamux")
	flag.Parse()

	if childPath == "" {
		log.Fatal("kbot-supervisor: -child is required")
	}
	if checkpointDir == "" {
		checkpointDir = dataDir + "/checkpoints"
	}

	var factory supervisor.Factory
	switch controlTransport {
	case "pipes", "":
		factory = supervisor.NewExecFactory()
	case "pty":
		factory = supervisor.NewPTYExecFactory()
	case "yamux":
		factory = supervisor.NewYamuxExecFactory()
	default:
		log.Fatalf("kbot-supervisor: unknown -control-transport %q (want pipes, pty, or yamux)", controlTransport)
	}
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		log.Fatalf("kbot-supervisor: failed to create checkpoint dir: %v", err)
	}

	cfgStore, err := config.NewStore(dataDir)
	if err != nil {
		log.Fatalf("kbot-supervisor: failed to load config: %v", err)
	}
	cfg := cfgStore.Get()

	var childArgs []string
	for _, a := range strings.Split(childArgsCSV, ",") {
		if a = strings.TrimSpace(a); a != "" {
			childArgs = append(childArgs, a)
		}
	}

	sup := supervisor.New(factory, supervisor.Options{
		Command:         childPath,
		BaseArgs:        childArgs,
		CheckpointDir:   checkpointDir,
		MinBackoff:      cfg.MinRespawnBackoff,
		MaxBackoff:      cfg.MaxRespawnBackoff,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	sup.Logger = log.Default()
	sup.Events.OnSpawn(func(pid int) { log.Printf("spawned child pid=%d", pid) })
	sup.Events.OnExit(func(r supervisor.ExitResult) {
		log.Printf("child exited code=%d signaled=%v signal=%v", r.Code, r.Signaled, r.Signal)
	})
	sup.Events.OnRespawn(func(attempt int, backoff time.Duration) {
		log.Printf("respawning after attempt %d, backing off %s", attempt, backoff)
	})
	sup.Events.OnEscalation(func(failures int) {
		log.Printf("respawn backoff capped after %d consecutive failures", failures)
	})

	if err := supervisor.PruneCheckpoints(checkpointDir, 5); err != nil {
		log.Printf("kbot-supervisor: failed to prune old checkpoints: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
		defer shutdownCancel()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "kbot-supervisor: shutdown error: %v\n", err)
		}
		cancel()
		<-runDone
	case err := <-runDone:
		cancel()
		if err != nil {
			log.Fatalf("kbot-supervisor: run error: %v", err)
		}
	}
}
