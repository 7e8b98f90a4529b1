package worker

import (
	"context"
	"errors"
	"log/slog"

	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

// WorkflowHandler runs the steps of a workflow in order inside one job
// attempt. Inline steps win over a named workflow from config.
type WorkflowHandler struct {
	Steps     func(jobType string) (Handler, bool)
	Workflows map[string][]registry.WorkflowStep
	Logger    *slog.Logger
}

func (h *WorkflowHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	in, err := decode[registry.WorkflowRunInput](job)
	if err != nil {
		return nil, err
	}
	steps := in.Steps
	if len(steps) == 0 {
		named, ok := h.Workflows[in.Workflow]
		if !ok {
			return nil, Fail(models.CodeExecutionFailed, "workflow %q is not defined", in.Workflow)
		}
		steps = named
	}
	if len(steps) == 0 {
		return nil, Fail(models.CodeExecutionFailed, "workflow %q has no steps", in.Workflow)
	}

	results := make([]map[string]any, 0, len(steps))
	for i, step := range steps {
		details := map[string]any{"workflow": in.Workflow, "step": i + 1, "type": step.Type, "completed": results}
		if step.Type == registry.TypeWorkflowRun {
			return nil, Fail(models.CodeExecutionFailed, "step %d: workflows cannot nest", i+1).WithDetails(details)
		}
		handler, ok := h.Steps(step.Type)
		if !ok {
			return nil, Fail(models.CodeExecutionFailed, "step %d: no handler for %s", i+1, step.Type).WithDetails(details)
		}
		input := step.Input
		if input == nil {
			input = map[string]any{}
		}
		stepJob := job
		stepJob.Type = step.Type
		stepJob.Input = input

		out, err := handler.Execute(ctx, stepJob)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			code, msg := models.CodeExecutionFailed, err.Error()
			var herr *HandlerError
			if errors.As(err, &herr) {
				code, msg = herr.Code, herr.Message
				if herr.Details != nil {
					details["error_details"] = herr.Details
				}
			}
			return nil, Fail(code, "step %d (%s) failed: %s", i+1, step.Type, msg).WithDetails(details)
		}
		h.Logger.DebugContext(ctx, "workflow step done", "job_id", job.ID, "workflow", in.Workflow, "step", i+1, "type", step.Type)
		results = append(results, map[string]any{"step": i + 1, "type": step.Type, "result": out})
	}
	return map[string]any{"workflow": in.Workflow, "steps": results}, nil
}
