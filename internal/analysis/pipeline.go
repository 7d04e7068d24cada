package analysis

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/srws-psg/meta-analysis-bot/internal/chat"
	"github.com/srws-psg/meta-analysis-bot/internal/jobs"
	"github.com/srws-psg/meta-analysis-bot/internal/models"
	"github.com/srws-psg/meta-analysis-bot/internal/store"
)

// Default polling budget for the statistical job.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxChecks    = 60
)

// Pipeline submits the statistical job once parameters are complete, polls
// it, and routes the result to the user.
type Pipeline struct {
	registry  *jobs.Registry
	contexts  *store.ContextStore
	client    chat.Client
	runner    *Runner
	interval  time.Duration
	maxChecks int
	sleep     jobs.SleepFunc
}

// PipelineOpts holds parameters for creating a Pipeline.
type PipelineOpts struct {
	Registry  *jobs.Registry
	Contexts  *store.ContextStore
	Client    chat.Client
	Runner    *Runner
	Interval  time.Duration  // defaults to DefaultPollInterval
	MaxChecks int            // defaults to DefaultMaxChecks
	Sleep     jobs.SleepFunc // defaults to real sleeping
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOpts) (*Pipeline, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("analysis: registry is required")
	}
	if opts.Contexts == nil {
		return nil, fmt.Errorf("analysis: context store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("analysis: chat client is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("analysis: runner is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxChecks := opts.MaxChecks
	if maxChecks <= 0 {
		maxChecks = DefaultMaxChecks
	}
	return &Pipeline{
		registry:  opts.Registry,
		contexts:  opts.Contexts,
		client:    opts.Client,
		runner:    opts.Runner,
		interval:  interval,
		maxChecks: maxChecks,
		sleep:     opts.Sleep,
	}, nil
}

// Run snapshots the completed parameters, submits the statistical job,
// transitions the thread to analysis_running, and polls within this turn.
func (p *Pipeline) Run(ctx context.Context, tc *models.ThreadContext) error {
	if tc.State.Kind != models.StateCollectingParams || tc.State.Params == nil {
		return fmt.Errorf("analysis: run: not collecting (state %s)", tc.State.Kind)
	}
	if tc.Data == nil || tc.Data.CSVPath == "" {
		return fmt.Errorf("analysis: run: no data file")
	}

	prefs := tc.State.Params
	csvPath := tc.Data.CSVPath
	outDir := filepath.Join(filepath.Dir(csvPath), "output")

	tc.Analysis = &models.AnalysisState{Preferences: prefs, Stage: models.StageRunning}

	jobID := p.registry.Submit("meta_analysis", func(jobCtx context.Context) (any, error) {
		return p.runner.Run(jobCtx, prefs, csvPath, outDir)
	})
	tc.State = models.AnalysisRunning(jobID)
	if err := p.contexts.Save(ctx, tc); err != nil {
		return fmt.Errorf("analysis: save context: %w", err)
	}

	progressTS, _ := p.client.PostMessage(ctx, tc.Channel, tc.Thread,
		"All set. Running your meta-analysis now, this can take a few minutes...")

	snap, done := p.registry.Poll(ctx, jobID, p.interval, p.maxChecks, p.sleep, func(check int, _ jobs.Snapshot) {
		if progressTS != "" && check%6 == 0 {
			text := fmt.Sprintf("Still running the analysis... (%s elapsed)", (time.Duration(check) * p.interval).Round(time.Second))
			if err := p.client.UpdateMessage(ctx, tc.Channel, progressTS, text); err != nil {
				log.Printf("analysis: update progress: %v", err)
			}
		}
	})
	if !done {
		return p.handleTimeout(ctx, tc, jobID)
	}
	return p.HandleCompletion(ctx, tc, snap)
}

// HandleCompletion merges a terminal statistical job into the context. The
// job ID is recorded before any side effect, making duplicate deliveries
// safe no-ops.
func (p *Pipeline) HandleCompletion(ctx context.Context, tc *models.ThreadContext, snap jobs.Snapshot) error {
	if !tc.MarkJobProcessed(snap.ID) {
		return nil
	}
	defer p.saveContext(ctx, tc)

	switch snap.Status {
	case jobs.StatusCompleted:
		result, ok := snap.Result.(*models.AnalysisResult)
		if !ok {
			return p.fail(ctx, tc, fmt.Sprintf("unexpected result type %T", snap.Result), "")
		}
		if !result.Success {
			return p.fail(ctx, tc, result.Error, result.ScriptPath)
		}
		return p.succeed(ctx, tc, result)

	case jobs.StatusFailed:
		return p.fail(ctx, tc, snap.Err, "")

	case jobs.StatusCancelled:
		return p.fail(ctx, tc, "the analysis was cancelled", "")

	case jobs.StatusNotFound:
		return p.fail(ctx, tc, "the analysis job could not be found", "")
	}
	return nil
}

// succeed posts the report and artifacts and opens the Q&A phase.
func (p *Pipeline) succeed(ctx context.Context, tc *models.ThreadContext, result *models.AnalysisResult) error {
	if tc.Analysis == nil {
		tc.Analysis = &models.AnalysisState{}
	}
	tc.Analysis.Stage = models.StageCompleted
	tc.Analysis.Result = result
	tc.State = models.PostAnalysis(models.OutcomeReady)

	p.post(ctx, tc, "Your meta-analysis is done. Here are the results:")
	for name, path := range result.Artifacts {
		if err := p.client.UploadFile(ctx, tc.Channel, tc.Thread, path, name); err != nil {
			log.Printf("analysis: upload %s: %v", name, err)
		}
	}
	if result.Summary != "" {
		p.post(ctx, tc, formatSummary(result.Summary))
	}
	p.post(ctx, tc, "Feel free to ask me anything about the results, or upload a new file to start another analysis.")
	return nil
}

// fail reports the error, uploads the failed script if present, and closes
// the cycle with an error outcome.
func (p *Pipeline) fail(ctx context.Context, tc *models.ThreadContext, errText, scriptPath string) error {
	if tc.Analysis == nil {
		tc.Analysis = &models.AnalysisState{}
	}
	tc.Analysis.Stage = models.StageFailed
	tc.Analysis.Result = &models.AnalysisResult{Success: false, Error: errText, ScriptPath: scriptPath}
	tc.State = models.PostAnalysis(models.OutcomeError)

	p.post(ctx, tc, fmt.Sprintf("The analysis failed:\n```%s```\nYou can upload a corrected file to try again.", errText))
	if scriptPath != "" {
		if err := p.client.UploadFile(ctx, tc.Channel, tc.Thread, scriptPath, "failed analysis script"); err != nil {
			log.Printf("analysis: upload failed script: %v", err)
		}
	}
	return nil
}

// handleTimeout closes the cycle with a timeout outcome. The underlying job
// is not cancelled; a later re-poll is a no-op via the processed-set.
func (p *Pipeline) handleTimeout(ctx context.Context, tc *models.ThreadContext, jobID string) error {
	tc.MarkJobProcessed(jobID)
	if tc.Analysis != nil {
		tc.Analysis.Stage = models.StageFailed
	}
	tc.State = models.PostAnalysis(models.OutcomeTimeout)
	p.post(ctx, tc, "The analysis is taking longer than I can wait. Please try again, perhaps with a smaller dataset.")
	return p.contexts.Save(ctx, tc)
}

func (p *Pipeline) post(ctx context.Context, tc *models.ThreadContext, text string) {
	if _, err := p.client.PostMessage(ctx, tc.Channel, tc.Thread, text); err != nil {
		log.Printf("analysis: post message: %v", err)
		return
	}
	tc.RecordBotMessage(text)
	tc.AppendHistory(models.RoleModel, text)
}

func (p *Pipeline) saveContext(ctx context.Context, tc *models.ThreadContext) {
	if err := p.contexts.Save(ctx, tc); err != nil {
		log.Printf("analysis: save context: %v", err)
	}
}

// formatSummary wraps the structured summary for chat display.
func formatSummary(summary string) string {
	return "```" + summary + "```"
}
