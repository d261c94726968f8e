// Command aipm-worker is the one-shot subprocess internal/supervisor spawns
// per spec.md §4.7: it executes exactly one Task end to end and exits.
// Everything about its failure handling already lives in internal/worker
// and internal/recovery — this binary only wires the dependency graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/aipm-orchestrator/internal/bugpattern"
	"github.com/swarmguard/aipm-orchestrator/internal/config"
	"github.com/swarmguard/aipm-orchestrator/internal/dependency"
	"github.com/swarmguard/aipm-orchestrator/internal/incident"
	"github.com/swarmguard/aipm-orchestrator/internal/locks"
	"github.com/swarmguard/aipm-orchestrator/internal/recovery"
	"github.com/swarmguard/aipm-orchestrator/internal/resilience"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
	"github.com/swarmguard/aipm-orchestrator/internal/snapshot"
	"github.com/swarmguard/aipm-orchestrator/internal/store"
	"github.com/swarmguard/aipm-orchestrator/internal/taskfsm"
	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
	"github.com/swarmguard/aipm-orchestrator/internal/transition"
	"github.com/swarmguard/aipm-orchestrator/internal/worker"
)

func main() {
	dbPath := flag.String("db", "", "path to the SQLite store")
	projectID := flag.String("project", "", "project ID")
	flag.Parse()

	taskID := flag.Arg(0)
	if *dbPath == "" || *projectID == "" || taskID == "" {
		fmt.Fprintln(os.Stderr, "usage: aipm-worker -db PATH -project ID TASK_ID")
		os.Exit(2)
	}

	log := telemetry.InitLogging("worker")
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

	classifier := incident.NewClassifier(st)
	breaker := resilience.NewCircuitBreaker(5*time.Minute, 10, 5, 0.5, 2*time.Minute, 3)
	restorer := snapshot.NewGitRestorer(st)
	rec := recovery.NewEngine(st, classifier, fsm, restorer, breaker, log)

	bugs := bugpattern.NewLibrary(st)

	w := worker.New(st, fsm, locksMgr, bugs, rec, runner.ExecRunner{},
		worker.NewToolVerifier(), worker.NewToolStaticAnalyzer(),
		cfg.RunnerCmd, cfg.WorkerTimeout, log)

	result, err := w.Execute(ctx, *projectID, taskID)
	if err != nil {
		log.Error("worker execution failed", "task_id", taskID, "error", err)
		os.Exit(1)
	}

	log.Info("worker completed", "task_id", taskID, "report_path", result.ReportPath,
		"verification_passes", result.VerificationPasses)
}
