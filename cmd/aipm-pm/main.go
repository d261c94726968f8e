// Command aipm-pm runs the Planner once against an Order already sitting in
// PLANNING (created by promoting a backlog item) and advances it to
// IN_PROGRESS once a Task plan has been persisted. It is invoked once per
// Order, ahead of starting aipmd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/swarmguard/aipm-orchestrator/internal/config"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/pm"
	"github.com/swarmguard/aipm-orchestrator/internal/runner"
	"github.com/swarmguard/aipm-orchestrator/internal/store"
	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
	"github.com/swarmguard/aipm-orchestrator/internal/transition"
)

func main() {
	dbPath := flag.String("db", "", "path to the SQLite store")
	projectID := flag.String("project", "", "project ID")
	orderID := flag.String("order", "", "order ID, already in PLANNING")
	description := flag.String("description", "", "order description handed to the planner")
	flag.Parse()

	if *dbPath == "" || *projectID == "" || *orderID == "" || *description == "" {
		fmt.Fprintln(os.Stderr, "usage: aipm-pm -db PATH -project ID -order ID -description TEXT")
		os.Exit(2)
	}

	log := telemetry.InitLogging("pm")
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

	order, err := st.GetOrder(ctx, *projectID, *orderID)
	if err != nil {
		log.Error("load order", "error", err)
		os.Exit(1)
	}
	if order.Status != model.OrderPlanning {
		fmt.Fprintf(os.Stderr, "order %s is %s, not PLANNING\n", *orderID, order.Status)
		os.Exit(2)
	}

	planner := pm.NewPlanner(st, runner.ExecRunner{}, cfg.RunnerCmd, cfg.WorkerTimeout)
	tasks, warnings, err := planner.Plan(ctx, *projectID, *orderID, *description)
	if err != nil {
		log.Error("planning failed", "order_id", *orderID, "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		log.Warn("plan warning", "order_id", *orderID, "warning", w)
	}

	transitionEngine := transition.NewEngine(st)
	from := string(model.OrderPlanning)
	if err := transitionEngine.Check(ctx, model.EntityOrder, &from, string(model.OrderInProgress), model.RolePM); err != nil {
		log.Error("order transition check failed", "order_id", *orderID, "error", err)
		os.Exit(1)
	}
	if err := st.UpdateOrderStatus(ctx, *projectID, *orderID, model.OrderInProgress); err != nil {
		log.Error("order status update failed", "order_id", *orderID, "error", err)
		os.Exit(1)
	}
	if err := st.RecordChange(ctx, model.ChangeHistory{
		ProjectID: *projectID, EntityType: model.EntityOrder, EntityID: *orderID,
		FieldName: "status", OldValue: from, NewValue: string(model.OrderInProgress),
		ChangedBy: "planner", ChangeReason: "planner emitted a task plan",
	}); err != nil {
		log.Error("order change record failed", "order_id", *orderID, "error", err)
		os.Exit(1)
	}

	log.Info("planning completed", "order_id", *orderID, "task_count", len(tasks))
}
