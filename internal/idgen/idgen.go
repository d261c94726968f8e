// Package idgen validates and mints the human-readable, zero-padded IDs
// described in spec.md §6 ("ID grammar").
package idgen

import (
	"fmt"
	"regexp"
)

var (
	projectRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	orderRe   = regexp.MustCompile(`^ORDER_\d{3,}$`)
	taskRe    = regexp.MustCompile(`^TASK_\d{3,}(_INT(_\d{2})?)?$`)
	backlogRe = regexp.MustCompile(`^BACKLOG_\d{3,}$`)
)

// ValidateProject checks a project name against the grammar.
func ValidateProject(name string) error {
	if !projectRe.MatchString(name) {
		return fmt.Errorf("invalid project name %q: must match %s", name, projectRe.String())
	}
	return nil
}

// ValidateOrder checks an order ID against the grammar.
func ValidateOrder(id string) error {
	if !orderRe.MatchString(id) {
		return fmt.Errorf("invalid order id %q: must match %s", id, orderRe.String())
	}
	return nil
}

// ValidateTask checks a task ID against the grammar.
func ValidateTask(id string) error {
	if !taskRe.MatchString(id) {
		return fmt.Errorf("invalid task id %q: must match %s", id, taskRe.String())
	}
	return nil
}

// ValidateBacklog checks a backlog ID against the grammar.
func ValidateBacklog(id string) error {
	if !backlogRe.MatchString(id) {
		return fmt.Errorf("invalid backlog id %q: must match %s", id, backlogRe.String())
	}
	return nil
}

// Next formats the next zero-padded ID in a sequence, e.g. Next("ORDER", 36) -> "ORDER_036".
func Next(prefix string, n int) string {
	return fmt.Sprintf("%s_%03d", prefix, n)
}
