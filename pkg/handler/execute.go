package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/sandbox"
	"github.com/iofold/iofold/pkg/storage"
)

// ExecuteResult is the result payload of an execute job.
type ExecuteResult struct {
	ExecutedCount int `json:"executed_count"`
	PassedCount   int `json:"passed_count"`
	FailedCount   int `json:"failed_count"`
	ErrorCount    int `json:"error_count"`
	// ScoredCount is the number of latest executions that had a human
	// label and so contributed to the recomputed accuracy.
	ScoredCount int      `json:"scored_count"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
}

// handleExecute runs an eval against traces, appends execution records,
// and recomputes the eval's accuracy from the latest execution per
// trace. An empty trace_ids list means every labeled trace of the
// eval's agent.
func (d *Dispatcher) handleExecute(ctx context.Context, msg *job.Message) (any, error) {
	var payload job.ExecutePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("execute payload: %w", err)
	}
	if payload.EvalID == "" {
		return nil, fmt.Errorf("execute payload missing eval_id")
	}

	eval, err := d.store.GetEval(payload.EvalID)
	if err != nil {
		return nil, fmt.Errorf("load eval: %w", err)
	}
	if eval == nil {
		return nil, fmt.Errorf("eval %s not found", payload.EvalID)
	}

	traces, err := d.executionTraces(eval, payload.TraceIDs)
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 {
		return nil, fmt.Errorf("no traces to execute eval %s against", eval.ID)
	}

	var result ExecuteResult
	for i, trace := range traces {
		started := time.Now()
		verdict, runErr := d.runner.Run(ctx, eval.Code, sandbox.TraceInput{
			ID:     trace.ID,
			Input:  trace.Input,
			Output: trace.Output,
			Steps:  trace.Steps,
		})

		exec := &storage.EvalExecution{
			ID:              uuid.NewString(),
			EvalID:          eval.ID,
			TraceID:         trace.ID,
			ExecutionTimeMs: time.Since(started).Milliseconds(),
			ExecutedAt:      time.Now().UTC(),
		}
		if runErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A raising eval fails the trace; the reason records why.
			exec.PredictedResult = false
			exec.PredictedReason = fmt.Sprintf("execution error: %s", runErr.Error())
			result.ErrorCount++
			result.FailedCount++
		} else {
			exec.PredictedResult = verdict.Passed
			exec.PredictedReason = verdict.Reason
			if verdict.Passed {
				result.PassedCount++
			} else {
				result.FailedCount++
			}
		}
		if err := d.store.CreateExecution(exec); err != nil {
			return nil, fmt.Errorf("record execution: %w", err)
		}
		result.ExecutedCount++
		d.manager.Progress(msg.JobID, (i+1)*90/len(traces))
	}

	scored, accuracy, err := d.recomputeAccuracy(eval)
	if err != nil {
		return nil, err
	}
	result.ScoredCount = scored
	if scored > 0 {
		result.Accuracy = &accuracy
	}
	return result, nil
}

func (d *Dispatcher) executionTraces(eval *storage.Eval, ids []string) ([]storage.Trace, error) {
	if len(ids) == 0 {
		labeled, err := d.store.GetLabeledTraces(eval.AgentID)
		if err != nil {
			return nil, fmt.Errorf("load labeled traces: %w", err)
		}
		traces := make([]storage.Trace, len(labeled))
		for i, lt := range labeled {
			traces[i] = lt.Trace
		}
		return traces, nil
	}

	traces, err := d.store.GetTraces(ids)
	if err != nil {
		return nil, fmt.Errorf("load traces: %w", err)
	}
	if len(traces) != len(ids) {
		return nil, fmt.Errorf("only %d of %d requested traces exist", len(traces), len(ids))
	}
	return traces, nil
}

// recomputeAccuracy scores the eval's latest execution per trace
// against the human labels and persists the result.
func (d *Dispatcher) recomputeAccuracy(eval *storage.Eval) (int, float64, error) {
	scored, correct, err := d.scoreLatestExecutions(eval)
	if err != nil {
		return 0, 0, err
	}
	if scored == 0 {
		return 0, 0, nil
	}

	accuracy := float64(correct) / float64(scored)
	if err := d.store.UpdateEvalAccuracy(eval.ID, accuracy); err != nil {
		return 0, 0, fmt.Errorf("update accuracy: %w", err)
	}
	return scored, accuracy, nil
}

// scoreLatestExecutions compares the eval's latest execution per trace
// with the human labels. Unlabeled traces are excluded from the
// denominator.
func (d *Dispatcher) scoreLatestExecutions(eval *storage.Eval) (scored, correct int, err error) {
	labeled, err := d.store.GetLabeledTraces(eval.AgentID)
	if err != nil {
		return 0, 0, fmt.Errorf("load labels: %w", err)
	}
	labels := make(map[string]bool, len(labeled))
	for _, lt := range labeled {
		labels[lt.ID] = lt.Label
	}

	execs, err := d.store.LatestExecutions(eval.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("load executions: %w", err)
	}

	for _, exec := range execs {
		label, ok := labels[exec.TraceID]
		if !ok {
			continue
		}
		scored++
		if exec.PredictedResult == label {
			correct++
		}
	}
	return scored, correct, nil
}
