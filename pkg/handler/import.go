package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/logging"
)

// ImportResult is the result payload of an import job.
type ImportResult struct {
	ImportedCount int `json:"imported_count"`
	SkippedCount  int `json:"skipped_count"`
}

// handleImport fetches traces from the named integration and persists
// them. The filter limit caps how many are stored; fewer available
// traces than the limit is not an error.
func (d *Dispatcher) handleImport(ctx context.Context, msg *job.Message) (any, error) {
	var payload job.ImportPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("import payload: %w", err)
	}
	if payload.AgentID == "" {
		return nil, fmt.Errorf("import payload missing agent_id")
	}

	source, ok := d.sources[payload.Integration]
	if !ok {
		return nil, fmt.Errorf("unknown integration %q", payload.Integration)
	}

	agent, err := d.store.GetAgent(payload.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s not found", payload.AgentID)
	}

	traces, err := source.FetchTraces(ctx, payload.AgentID, payload.Filters)
	if err != nil {
		return nil, fmt.Errorf("fetch traces from %s: %w", payload.Integration, err)
	}
	if limit := payload.Filters.Limit; limit > 0 && len(traces) > limit {
		traces = traces[:limit]
	}
	d.manager.Progress(msg.JobID, 50)

	var result ImportResult
	for i := range traces {
		trace := traces[i]
		if trace.ID == "" {
			trace.ID = ulid.Make().String()
		}
		trace.WorkspaceID = msg.WorkspaceID
		trace.AgentID = payload.AgentID
		if trace.CreatedAt.IsZero() {
			trace.CreatedAt = time.Now().UTC()
		}
		if err := d.store.CreateTrace(&trace); err != nil {
			// Re-imports of already stored traces are expected.
			result.SkippedCount++
			continue
		}
		result.ImportedCount++
	}

	d.logger.JobEvent(logging.LevelInfo, logging.CategoryImporter, msg.JobID, "import_complete", "", map[string]any{
		"agent_id": payload.AgentID,
		"imported": result.ImportedCount,
		"skipped":  result.SkippedCount,
	})
	return result, nil
}
