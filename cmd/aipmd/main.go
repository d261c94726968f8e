// Command aipmd is the resident Daemon process: one per (project, order)
// pair, it drives admission, health checks, and dependency resolution until
// the order completes or it is asked to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/swarmguard/aipm-orchestrator/internal/config"
	"github.com/swarmguard/aipm-orchestrator/internal/daemon"
	"github.com/swarmguard/aipm-orchestrator/internal/dependency"
	"github.com/swarmguard/aipm-orchestrator/internal/detector"
	"github.com/swarmguard/aipm-orchestrator/internal/events"
	"github.com/swarmguard/aipm-orchestrator/internal/locks"
	"github.com/swarmguard/aipm-orchestrator/internal/resources"
	"github.com/swarmguard/aipm-orchestrator/internal/store"
	"github.com/swarmguard/aipm-orchestrator/internal/supervisor"
	"github.com/swarmguard/aipm-orchestrator/internal/taskfsm"
	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
	"github.com/swarmguard/aipm-orchestrator/internal/transition"
)

func main() {
	dbPath := flag.String("db", "", "path to the SQLite store")
	projectID := flag.String("project", "", "project ID")
	orderID := flag.String("order", "", "order ID, already in IN_PROGRESS")
	flag.Parse()

	if *dbPath == "" || *projectID == "" || *orderID == "" {
		fmt.Fprintln(os.Stderr, "usage: aipmd -db PATH -project ID -order ID")
		os.Exit(2)
	}

	log := telemetry.InitLogging("daemon")
	cfg := config.Load()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	transitionEngine := transition.NewEngine(st)
	locksMgr := locks.NewManager(st)
	resolver := dependency.NewResolver(st, log)
	fsm := taskfsm.NewMachine(st, transitionEngine, locksMgr, resolver, log)
	det := detector.NewDetector(st, locksMgr)
	monitor := resources.NewMonitor(resources.GopsutilSampler{}, cfg.CPUThreshold, cfg.MemThreshold, 5)
	poller := events.NewPoller(st, cfg.PollMinInterval, cfg.PollMaxInterval)
	workerSup := supervisor.NewSupervisor(supervisor.ExecProcessStarter)
	reviewSup := supervisor.NewSupervisor(supervisor.ExecProcessStarter)

	d := daemon.New(st, fsm, transitionEngine, det, resolver, monitor, poller, workerSup, reviewSup,
		cfg, *projectID, *orderID, log)

	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}
