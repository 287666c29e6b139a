package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/pipeline"
)

// GenerateResult is the result payload of a generate or auto_refine job.
type GenerateResult struct {
	EvalID    string  `json:"eval_id"`
	Version   int     `json:"version"`
	Accuracy  float64 `json:"accuracy"`
	Variation string  `json:"variation_type"`
}

// handleGenerate runs one eval generation round for the agent.
func (d *Dispatcher) handleGenerate(ctx context.Context, msg *job.Message) (any, error) {
	var payload job.GeneratePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("generate payload: %w", err)
	}
	return d.runGeneration(ctx, msg.JobID, payload.AgentID, pipeline.RunParams{
		Model:        payload.Model,
		ForceExtract: payload.Force,
	})
}

// handleAutoRefine is a generation round that always re-extracts tasks,
// used when accumulated feedback should reshape the eval from scratch.
func (d *Dispatcher) handleAutoRefine(ctx context.Context, msg *job.Message) (any, error) {
	var payload job.AutoRefinePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("auto_refine payload: %w", err)
	}
	return d.runGeneration(ctx, msg.JobID, payload.AgentID, pipeline.RunParams{
		Model:        payload.Model,
		ForceExtract: true,
	})
}

func (d *Dispatcher) runGeneration(ctx context.Context, jobID, agentID string, params pipeline.RunParams) (any, error) {
	if agentID == "" {
		return nil, fmt.Errorf("payload missing agent_id")
	}
	agent, err := d.store.GetAgent(agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}

	result, err := d.pipeline.Run(ctx, agentID, params, d.progressReporter(jobID))
	if err != nil {
		return nil, err
	}
	return GenerateResult{
		EvalID:    result.EvalID,
		Version:   result.Version,
		Accuracy:  result.Accuracy,
		Variation: result.Variation,
	}, nil
}
