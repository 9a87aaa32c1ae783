package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-pathsync/internal/domain/pathway"
	"github.com/drfirst/go-pathsync/internal/domain/reconciliation"
	"github.com/drfirst/go-pathsync/internal/observability/metrics"
)

// complete asks whether the task can be confirmed and confirms it if so.
// The confirm call is only issued right after a query that reported neither a precondition nor causes.
// A task that does not reach the completed state is blocked and stays open for a later run.
func (e *Engine) complete(ctx context.Context, r *run, en *enactment, task pathway.PlanTask, kind string) (string, error) {
	q, err := e.de.QueryConfirmTask(ctx, en.session, task.Name)
	if err != nil {
		return "", fmt.Errorf("query confirm: %w", err)
	}
	if !q.Confirmable() {
		reasons := q.Reasons()
		r.logger.Info("task blocked",
			zap.String("enactment", en.id),
			zap.String("task", task.Name),
			zap.Strings("reasons", reasons))
		r.emit(reconciliation.EventTaskBlocked, reconciliation.TaskData{
			EnactmentID: en.id,
			Task:        task.Name,
			Kind:        kind,
			Reasons:     reasons,
		})
		return metrics.OutcomeBlocked, nil
	}

	state, err := e.de.ConfirmTask(ctx, en.session, task.Name)
	if err != nil {
		return "", fmt.Errorf("confirm: %w", err)
	}
	if state != pathway.StateCompleted {
		r.logger.Info("task not completed by confirm",
			zap.String("enactment", en.id),
			zap.String("task", task.Name),
			zap.String("state", state))
		r.emit(reconciliation.EventTaskBlocked, reconciliation.TaskData{
			EnactmentID: en.id,
			Task:        task.Name,
			Kind:        kind,
			State:       state,
		})
		return metrics.OutcomeBlocked, nil
	}

	r.logger.Info("task confirmed",
		zap.String("enactment", en.id),
		zap.String("task", task.Name),
		zap.String("kind", kind))
	r.emit(reconciliation.EventTaskConfirmed, reconciliation.TaskData{
		EnactmentID: en.id,
		Task:        task.Name,
		Kind:        kind,
		State:       state,
	})
	return metrics.OutcomeConfirmed, nil
}
