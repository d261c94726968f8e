// Command aipm-launch is the one-shot launcher: given a TODO backlog item it
// promotes it to an Order, runs the Planner, then drives the Daemon Loop to
// completion in the foreground, exiting once the Order is COMPLETED. It
// exists for operators who don't want to juggle aipm-pm and aipmd by hand
// for a single backlog item.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/swarmguard/aipm-orchestrator/internal/backlog"
	"github.com/swarmguard/aipm-orchestrator/internal/config"
	"github.com/swarmguard/aipm-orchestrator/internal/daemon"
	"github.com/swarmguard/aipm-orchestrator/internal/dependency"
	"github.com/swarmguard/aipm-orchestrator/internal/detector"
	"github.com/swarmguard/aipm-orchestrator/internal/events"
	"github.com/swarmguard/aipm-orchestrator/internal/locks"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/pm"
	"github.com/swarmguard/aipm-orchestrator/internal/resources"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
	"github.com/swarmguard/aipm-orchestrator/internal/store"
	"github.com/swarmguard/aipm-orchestrator/internal/supervisor"
	"github.com/swarmguard/aipm-orchestrator/internal/taskfsm"
	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
	"github.com/swarmguard/aipm-orchestrator/internal/transition"
)

func main() {
	dbPath := flag.String("db", "", "path to the SQLite store")
	projectID := flag.String("project", "", "project ID")
	backlogID := flag.String("backlog", "", "TODO backlog item ID to promote and launch")
	description := flag.String("description", "", "order description handed to the planner")
	flag.Parse()

	if *dbPath == "" || *projectID == "" || *backlogID == "" || *description == "" {
		fmt.Fprintln(os.Stderr, "usage: aipm-launch -db PATH -project ID -backlog ID -description TEXT")
		os.Exit(2)
	}

	log := telemetry.InitLogging("launch")
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

	promoter := backlog.NewPromoter(st)
	order, err := promoter.ConvertToOrder(ctx, *projectID, *backlogID, "", "")
	if err != nil {
		log.Error("backlog promotion failed", "backlog_id", *backlogID, "error", err)
		os.Exit(1)
	}
	log.Info("order created", "order_id", order.ID)

	transitionEngine := transition.NewEngine(st)
	planner := pm.NewPlanner(st, runner.ExecRunner{}, cfg.RunnerCmd, cfg.WorkerTimeout)
	tasks, warnings, err := planner.Plan(ctx, *projectID, order.ID, *description)
	if err != nil {
		log.Error("planning failed", "order_id", order.ID, "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		log.Warn("plan warning", "order_id", order.ID, "warning", w)
	}

	from := string(model.OrderPlanning)
	if err := transitionEngine.Check(ctx, model.EntityOrder, &from, string(model.OrderInProgress), model.RolePM); err != nil {
		log.Error("order transition check failed", "order_id", order.ID, "error", err)
		os.Exit(1)
	}
	if err := st.UpdateOrderStatus(ctx, *projectID, order.ID, model.OrderInProgress); err != nil {
		log.Error("order status update failed", "order_id", order.ID, "error", err)
		os.Exit(1)
	}
	if err := st.RecordChange(ctx, model.ChangeHistory{
		ProjectID: *projectID, EntityType: model.EntityOrder, EntityID: order.ID,
		FieldName: "status", OldValue: from, NewValue: string(model.OrderInProgress),
		ChangedBy: "planner", ChangeReason: "planner emitted a task plan",
	}); err != nil {
		log.Error("order change record failed", "order_id", order.ID, "error", err)
		os.Exit(1)
	}
	log.Info("planning completed", "order_id", order.ID, "task_count", len(tasks))

	locksMgr := locks.NewManager(st)
	resolver := dependency.NewResolver(st, log)
	fsm := taskfsm.NewMachine(st, transitionEngine, locksMgr, resolver, log)
	det := detector.NewDetector(st, locksMgr)
	monitor := resources.NewMonitor(resources.GopsutilSampler{}, cfg.CPUThreshold, cfg.MemThreshold, 5)
	poller := events.NewPoller(st, cfg.PollMinInterval, cfg.PollMaxInterval)
	workerSup := supervisor.NewSupervisor(supervisor.ExecProcessStarter)
	reviewSup := supervisor.NewSupervisor(supervisor.ExecProcessStarter)

	d := daemon.New(st, fsm, transitionEngine, det, resolver, monitor, poller, workerSup, reviewSup,
		cfg, *projectID, order.ID, log)

	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited with error", "order_id", order.ID, "error", err)
		os.Exit(1)
	}
	log.Info("order completed", "order_id", order.ID)
}
