// Package pipeline implements eval candidate generation: task
// extraction, candidate generation, candidate testing against labeled
// traces, and winner promotion to the agent's active eval.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iofold/iofold/pkg/logging"
	"github.com/iofold/iofold/pkg/provider"
	"github.com/iofold/iofold/pkg/sandbox"
	"github.com/iofold/iofold/pkg/storage"
)

// ProgressFunc reports pipeline progress in percent with a short note.
// Nil is allowed.
type ProgressFunc func(percent int, note string)

// Options configures one Pipeline.
type Options struct {
	// CandidateCount is the number of candidates per generation round.
	CandidateCount int
	// MaxSandboxRuns bounds concurrent sandbox executions.
	MaxSandboxRuns int
	// MinLabeledPerSide is the minimum number of positive and of
	// negative labeled traces required to run a round.
	MinLabeledPerSide int
}

// CandidateResult is one candidate's code, scorecard, and per-trace
// outcomes after testing.
type CandidateResult struct {
	Variation string        `json:"variation_type"`
	Code      string        `json:"-"`
	Scorecard Scorecard     `json:"scorecard"`
	Results   []TraceResult `json:"-"`
}

// Result is the outcome of one full generation round.
type Result struct {
	EvalID     string            `json:"eval_id"`
	Version    int               `json:"version"`
	Accuracy   float64           `json:"accuracy"`
	Variation  string            `json:"variation_type"`
	Candidates []CandidateResult `json:"candidates"`
}

// Pipeline runs generation rounds for agents.
type Pipeline struct {
	store     *storage.Store
	generator provider.Generator
	runner    sandbox.Runner
	logger    *logging.Logger
	opts      Options
}

// New creates a Pipeline.
func New(store *storage.Store, generator provider.Generator, runner sandbox.Runner, logger *logging.Logger, opts Options) *Pipeline {
	if opts.CandidateCount <= 0 {
		opts.CandidateCount = len(provider.VariationTypes)
	}
	if opts.MaxSandboxRuns <= 0 {
		opts.MaxSandboxRuns = 4
	}
	if opts.MinLabeledPerSide <= 0 {
		opts.MinLabeledPerSide = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Pipeline{
		store:     store,
		generator: generator,
		runner:    runner,
		logger:    logger,
		opts:      opts,
	}
}

// RunParams parameterizes one generation round.
type RunParams struct {
	// Model overrides the provider's configured model for this round.
	Model string
	// ForceExtract re-runs task extraction even when stored tasks exist.
	ForceExtract bool
}

// Run executes a full generation round for the agent: extract tasks,
// generate candidates, test them against the labeled traces, and
// promote the winner as the agent's new active eval.
func (p *Pipeline) Run(ctx context.Context, agentID string, params RunParams, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	start := time.Now()

	labeled, err := p.store.GetLabeledTraces(agentID)
	if err != nil {
		return nil, fmt.Errorf("load labeled traces: %w", err)
	}
	if err := p.checkLabelBalance(labeled); err != nil {
		return nil, err
	}

	tasks, err := p.extractTasks(ctx, agentID, labeled, params.ForceExtract)
	if err != nil {
		return nil, err
	}
	progress(20, "tasks extracted")

	candidates, err := p.generator.GenerateCandidates(ctx, provider.GenerationContext{
		AgentID:  agentID,
		Tasks:    tasks,
		Examples: examplesFrom(labeled),
		Model:    params.Model,
	}, p.opts.CandidateCount)
	if err != nil {
		return nil, fmt.Errorf("generate candidates: %w", err)
	}
	if err := checkCandidates(candidates, p.opts.CandidateCount); err != nil {
		return nil, err
	}
	progress(40, "candidates generated")

	tested, err := p.testCandidates(ctx, candidates, labeled)
	if err != nil {
		return nil, err
	}
	progress(80, "candidates tested")

	winner, err := selectWinner(tested)
	if err != nil {
		return nil, err
	}

	eval, err := p.promote(agentID, labeled, tested[winner], params.Model)
	if err != nil {
		return nil, err
	}
	progress(100, "eval activated")

	p.logger.Info(logging.CategoryPipeline, "round_complete", "", map[string]any{
		"agent_id":    agentID,
		"eval_id":     eval.ID,
		"version":     eval.Version,
		"accuracy":    tested[winner].Scorecard.Accuracy,
		"variation":   tested[winner].Variation,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	recordPipelineRound(time.Since(start))

	return &Result{
		EvalID:     eval.ID,
		Version:    eval.Version,
		Accuracy:   tested[winner].Scorecard.Accuracy,
		Variation:  tested[winner].Variation,
		Candidates: tested,
	}, nil
}

// checkCandidates rejects a short or blank generation batch. The round
// needs the full candidate set; a partial one silently skews selection.
func checkCandidates(candidates []provider.Candidate, want int) error {
	if len(candidates) != want {
		return fmt.Errorf("generated %d of %d candidates", len(candidates), want)
	}
	for i, c := range candidates {
		if strings.TrimSpace(c.Code) == "" {
			return fmt.Errorf("candidate %d (%s) has no code", i, c.Variation)
		}
	}
	return nil
}

func (p *Pipeline) checkLabelBalance(labeled []storage.LabeledTrace) error {
	var pos, neg int
	for _, lt := range labeled {
		if lt.Label {
			pos++
		} else {
			neg++
		}
	}
	if pos < p.opts.MinLabeledPerSide || neg < p.opts.MinLabeledPerSide {
		return fmt.Errorf("not enough labeled traces: need at least %d positive and %d negative, have %d positive and %d negative",
			p.opts.MinLabeledPerSide, p.opts.MinLabeledPerSide, pos, neg)
	}
	return nil
}

// extractTasks returns the agent's stored task descriptions, running
// extraction only when none exist or force is set. Extraction results
// are persisted so later rounds skip the provider call.
func (p *Pipeline) extractTasks(ctx context.Context, agentID string, labeled []storage.LabeledTrace, force bool) ([]string, error) {
	if !force {
		stored, err := p.store.GetAgentTasks(agentID)
		if err != nil {
			return nil, fmt.Errorf("load agent tasks: %w", err)
		}
		if stored != nil {
			var tasks []string
			if err := json.Unmarshal([]byte(stored.Tasks), &tasks); err == nil && len(tasks) > 0 {
				return tasks, nil
			}
			// Corrupt stored tasks fall through to re-extraction.
		}
	}

	tasks, err := p.generator.ExtractTasks(ctx, examplesFrom(labeled))
	if err != nil {
		return nil, fmt.Errorf("task extraction: %w", err)
	}

	now := time.Now().UTC()
	if err := p.store.SaveAgentTasks(&storage.AgentTasks{
		AgentID:   agentID,
		Tasks:     marshalJSON(tasks),
		ModelUsed: p.generator.Model(),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("save agent tasks: %w", err)
	}
	return tasks, nil
}

// testCandidates runs every candidate against every labeled trace.
// Sandbox concurrency is bounded; a sandbox error on one trace counts
// against that candidate rather than aborting the round.
func (p *Pipeline) testCandidates(ctx context.Context, candidates []provider.Candidate, labeled []storage.LabeledTrace) ([]CandidateResult, error) {
	tested := make([]CandidateResult, len(candidates))
	for i, c := range candidates {
		tested[i] = CandidateResult{
			Variation: c.Variation,
			Code:      c.Code,
			Results:   make([]TraceResult, len(labeled)),
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxSandboxRuns)

	for ci := range candidates {
		for ti := range labeled {
			ci, ti := ci, ti
			g.Go(func() error {
				lt := labeled[ti]
				res := TraceResult{TraceID: lt.ID, Label: lt.Label}

				start := time.Now()
				verdict, err := p.runner.Run(gctx, candidates[ci].Code, sandbox.TraceInput{
					ID:     lt.ID,
					Input:  lt.Input,
					Output: lt.Output,
					Steps:  lt.Steps,
				})
				res.TimeMs = time.Since(start).Milliseconds()

				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					res.Errored = true
					res.Reason = err.Error()
					recordCandidateError()
				} else {
					res.Predicted = verdict.Passed
					res.Reason = verdict.Reason
				}
				tested[ci].Results[ti] = res
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("candidate testing: %w", err)
	}

	for i := range tested {
		tested[i].Scorecard = Score(tested[i].Results)
	}
	return tested, nil
}

// selectWinner picks the candidate with the strictly highest accuracy.
// Ties keep the earliest candidate, so a round is deterministic for a
// fixed candidate order. A candidate with no scored traces cannot win.
func selectWinner(tested []CandidateResult) (int, error) {
	winner := -1
	for i, c := range tested {
		if c.Scorecard.Total == 0 {
			continue
		}
		if winner == -1 || c.Scorecard.Accuracy > tested[winner].Scorecard.Accuracy {
			winner = i
		}
	}
	if winner == -1 {
		return 0, fmt.Errorf("no candidates produced a score")
	}
	return winner, nil
}

// promote persists the winning candidate as the next eval version and
// activates it.
func (p *Pipeline) promote(agentID string, labeled []storage.LabeledTrace, winner CandidateResult, model string) (*storage.Eval, error) {
	traceIDs := make([]string, len(labeled))
	for i, lt := range labeled {
		traceIDs[i] = lt.ID
	}
	if model == "" {
		model = p.generator.Model()
	}

	accuracy := winner.Scorecard.Accuracy
	eval := &storage.Eval{
		ID:              uuid.NewString(),
		AgentID:         agentID,
		Status:          "draft",
		Code:            winner.Code,
		Description:     fmt.Sprintf("generated eval (%s variation)", winner.Variation),
		ModelUsed:       model,
		Accuracy:        &accuracy,
		TraceIDs:        marshalJSON(traceIDs),
		ConfusionMatrix: marshalJSON(winner.Scorecard.Confusion),
		PerTraceResults: marshalJSON(winner.Results),
		CreatedAt:       time.Now().UTC(),
	}
	if err := p.store.CreateEval(eval); err != nil {
		return nil, fmt.Errorf("create eval: %w", err)
	}
	if err := p.store.ActivateEval(eval.ID); err != nil {
		return nil, fmt.Errorf("activate eval %s: %w", eval.ID, err)
	}
	return eval, nil
}

func examplesFrom(labeled []storage.LabeledTrace) []provider.LabeledExample {
	examples := make([]provider.LabeledExample, len(labeled))
	for i, lt := range labeled {
		examples[i] = provider.LabeledExample{
			Input:  lt.InputPreview,
			Output: lt.OutputPreview,
			Label:  lt.Label,
		}
	}
	return examples
}
