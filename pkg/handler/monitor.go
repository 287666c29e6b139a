package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/logging"
)

// MonitorResult is the result payload of a monitor job.
type MonitorResult struct {
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Threshold float64  `json:"threshold"`
	Triggered bool     `json:"triggered"`
	// GenerateJobID is set when a regeneration was enqueued.
	GenerateJobID string `json:"generate_job_id,omitempty"`
	Reason        string `json:"reason"`
}

// handleMonitor checks the agent's active eval accuracy and enqueues a
// generation round when it has drifted below the threshold, or when no
// active eval exists at all.
func (d *Dispatcher) handleMonitor(ctx context.Context, msg *job.Message) (any, error) {
	var payload job.MonitorPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("monitor payload: %w", err)
	}
	if payload.AgentID == "" {
		return nil, fmt.Errorf("monitor payload missing agent_id")
	}

	threshold := payload.AccuracyThreshold
	if threshold <= 0 {
		threshold = d.opts.MonitorThreshold
	}
	result := MonitorResult{Threshold: threshold}

	active, err := d.store.GetActiveEval(payload.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load active eval: %w", err)
	}

	switch {
	case active == nil:
		result.Triggered = true
		result.Reason = "no active eval"
	default:
		scored, correct, err := d.scoreLatestExecutions(active)
		if err != nil {
			return nil, err
		}
		if scored == 0 {
			result.Reason = "no scored executions"
			break
		}
		accuracy := float64(correct) / float64(scored)
		result.Accuracy = &accuracy
		if accuracy < threshold {
			result.Triggered = true
			result.Reason = fmt.Sprintf("accuracy %.2f below threshold %.2f", accuracy, threshold)
		} else {
			result.Reason = fmt.Sprintf("accuracy %.2f at or above threshold %.2f", accuracy, threshold)
		}
	}

	if result.Triggered {
		genID, err := d.enqueue(ctx, job.TypeGenerate, msg.WorkspaceID, job.GeneratePayload{
			AgentID: payload.AgentID,
		})
		if err != nil {
			return nil, err
		}
		result.GenerateJobID = genID
		d.logger.JobEvent(logging.LevelInfo, logging.CategoryJob, msg.JobID, "regeneration_triggered", result.Reason, map[string]any{
			"agent_id":        payload.AgentID,
			"generate_job_id": genID,
		})
	}
	return result, nil
}
