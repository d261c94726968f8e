// Command aipm-reviewer is the one-shot subprocess internal/supervisor
// spawns per spec.md §4.13 step 4: it judges exactly one DONE task's
// Report and returns. Internally it may run several bounded rounds
// (rework re-run + re-review) before exiting, per internal/review's
// autoRework recursion — the Daemon only sees one subprocess lifecycle
// regardless of how many rounds happened inside it.
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
	"github.com/swarmguard/aipm-orchestrator/internal/pm"
	"github.com/swarmguard/aipm-orchestrator/internal/recovery"
	"github.com/swarmguard/aipm-orchestrator/internal/resilience"
	"github.com/swarmguard/aipm-orchestrator/internal/review"
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
		fmt.Fprintln(os.Stderr, "usage: aipm-reviewer -db PATH -project ID TASK_ID")
		os.Exit(2)
	}

	log := telemetry.InitLogging("reviewer")
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

	planner := pm.NewPlanner(st, runner.ExecRunner{}, cfg.RunnerCmd, cfg.WorkerTimeout)

	rv := review.New(st, fsm, w, planner, runner.ExecRunner{}, cfg.RunnerCmd, cfg.ReviewerTimeout,
		cfg.MaxRework, true, log)

	result, err := rv.Review(ctx, *projectID, taskID)
	if err != nil {
		log.Error("review failed", "task_id", taskID, "error", err)
		os.Exit(1)
	}

	log.Info("review completed", "task_id", taskID, "verdict", result.Verdict, "review_path", result.ReviewPath)
}
