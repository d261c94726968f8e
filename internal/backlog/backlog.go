// Package backlog implements the Backlog→Order promotion: the only path by
// which a backlog item becomes a unit of planned work.
package backlog

import (
	"context"
	"strconv"
	"strings"

	"github.com/swarmguard/aipm-orchestrator/internal/apperr"
	"github.com/swarmguard/aipm-orchestrator/internal/idgen"
	"github.com/swarmguard/aipm-orchestrator/internal/model"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	GetBacklogItem(ctx context.Context, projectID, backlogID string) (model.BacklogItem, error)
	ListOrders(ctx context.Context, projectID string) ([]model.Order, error)
	CreateOrder(ctx context.Context, o model.Order) error
	LinkBacklogToOrder(ctx context.Context, projectID, backlogID, orderID string) error
	RecordChange(ctx context.Context, c model.ChangeHistory) error
}

// priorityMapping converts Backlog's three-tier scale to Order's P0/P1/P2
// scale, same mapping the original conversion script used.
var priorityMapping = map[model.BacklogPriority]model.Priority{
	model.BacklogHigh:   model.PriorityP0,
	model.BacklogMedium: model.PriorityP1,
	model.BacklogLow:    model.PriorityP2,
}

// Promoter converts TODO backlog items into PLANNING orders.
type Promoter struct {
	store Store
}

func NewPromoter(store Store) *Promoter {
	return &Promoter{store: store}
}

// ConvertToOrder promotes backlogID into a new Order, linking the two rows.
// Only TODO items are eligible; title/priority default to the backlog item's
// own values when left empty/zero.
func (p *Promoter) ConvertToOrder(ctx context.Context, projectID, backlogID, titleOverride string, priorityOverride model.Priority) (model.Order, error) {
	item, err := p.store.GetBacklogItem(ctx, projectID, backlogID)
	if err != nil {
		return model.Order{}, err
	}
	if item.Status != model.BacklogTodo {
		return model.Order{}, apperr.ValidationError{
			Field:  "backlog_status",
			Reason: "only TODO items can be converted to an order, got " + string(item.Status),
		}
	}

	title := titleOverride
	if title == "" {
		title = item.Title
	}

	priority := priorityOverride
	if priority == "" {
		mapped, ok := priorityMapping[item.Priority]
		if !ok {
			mapped = model.PriorityP1
		}
		priority = mapped
	}

	orderID, err := p.nextOrderID(ctx, projectID)
	if err != nil {
		return model.Order{}, err
	}

	order := model.Order{
		ID:        orderID,
		ProjectID: projectID,
		Title:     title,
		Priority:  priority,
		Status:    model.OrderPlanning,
	}
	if err := p.store.CreateOrder(ctx, order); err != nil {
		return model.Order{}, err
	}

	if err := p.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID: projectID, EntityType: model.EntityOrder, EntityID: orderID,
		FieldName: "status", NewValue: string(model.OrderPlanning),
		ChangedBy: "backlog_promoter", ChangeReason: "converted from " + backlogID,
	}); err != nil {
		return model.Order{}, err
	}

	if err := p.store.LinkBacklogToOrder(ctx, projectID, backlogID, orderID); err != nil {
		return model.Order{}, err
	}

	if err := p.store.RecordChange(ctx, model.ChangeHistory{
		ProjectID: projectID, EntityType: model.EntityBacklog, EntityID: backlogID,
		FieldName: "status", OldValue: string(model.BacklogTodo), NewValue: string(model.BacklogInProgress),
		ChangedBy: "backlog_promoter", ChangeReason: "converted to " + orderID,
	}); err != nil {
		return model.Order{}, err
	}

	return order, nil
}

// nextOrderID finds the highest existing ORDER_NNN suffix for the project
// and mints the next one, matching the original's auto-numbering.
func (p *Promoter) nextOrderID(ctx context.Context, projectID string) (string, error) {
	existing, err := p.store.ListOrders(ctx, projectID)
	if err != nil {
		return "", err
	}
	max := 0
	for _, o := range existing {
		suffix := strings.TrimPrefix(o.ID, "ORDER_")
		if suffix == o.ID {
			continue // doesn't match the expected prefix, skip
		}
		if n, err := strconv.Atoi(suffix); err == nil && n > max {
			max = n
		}
	}
	return idgen.Next("ORDER", max+1), nil
}
