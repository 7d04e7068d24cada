package intake

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/srws-psg/meta-analysis-bot/internal/chat"
	"github.com/srws-psg/meta-analysis-bot/internal/dialog"
	"github.com/srws-psg/meta-analysis-bot/internal/extract"
	"github.com/srws-psg/meta-analysis-bot/internal/jobs"
	"github.com/srws-psg/meta-analysis-bot/internal/models"
	"github.com/srws-psg/meta-analysis-bot/internal/store"
)

// Default polling budget: 60 checks at 10s covers Slack's typical file
// analysis worst case.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxChecks    = 60
)

// Result is the payload of a completed file-analysis job.
type Result struct {
	FileName string
	CSVPath  string
	Summary  *models.FileSummary
	Mapping  *extract.ColumnMapping
}

// Pipeline downloads a shared file, runs the structure-analysis job, polls
// it, and merges the verdict into the thread context.
type Pipeline struct {
	registry  *jobs.Registry
	contexts  *store.ContextStore
	client    chat.Client
	extractor extract.Extractor
	engine    *dialog.Engine
	workDir   string
	interval  time.Duration
	maxChecks int
	sleep     jobs.SleepFunc
}

// PipelineOpts holds parameters for creating a Pipeline.
type PipelineOpts struct {
	Registry  *jobs.Registry
	Contexts  *store.ContextStore
	Client    chat.Client
	Extractor extract.Extractor
	Engine    *dialog.Engine
	WorkDir   string
	Interval  time.Duration  // defaults to DefaultPollInterval
	MaxChecks int            // defaults to DefaultMaxChecks
	Sleep     jobs.SleepFunc // defaults to real sleeping
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOpts) (*Pipeline, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("intake: registry is required")
	}
	if opts.Contexts == nil {
		return nil, fmt.Errorf("intake: context store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("intake: chat client is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("intake: extractor is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("intake: dialog engine is required")
	}
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("intake: work dir is required")
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
		extractor: opts.Extractor,
		engine:    opts.Engine,
		workDir:   opts.WorkDir,
		interval:  interval,
		maxChecks: maxChecks,
		sleep:     opts.Sleep,
	}, nil
}

// ThreadDir returns the scratch directory for a thread's files.
func (p *Pipeline) ThreadDir(channel, thread string) string {
	return filepath.Join(p.workDir, channel+"_"+thread)
}

// Process downloads the shared file, submits the analysis job, transitions
// the thread to processing_file, and polls the job to completion within this
// turn. Effects are delivered via context mutation and chat messages.
func (p *Pipeline) Process(ctx context.Context, tc *models.ThreadContext, file chat.FileRef) error {
	dir := p.ThreadDir(tc.Channel, tc.Thread)
	dest := filepath.Join(dir, file.Name)
	if err := p.client.DownloadFile(ctx, file.DownloadURL, dest); err != nil {
		p.post(ctx, tc, "I couldn't download your file. Please try sharing it again.")
		return fmt.Errorf("intake: download %s: %w", file.Name, err)
	}

	jobID := p.registry.Submit("file_analysis", func(jobCtx context.Context) (any, error) {
		return p.analyze(jobCtx, file.Name, dest)
	})

	tc.State = models.ProcessingFile(jobID)
	if err := p.contexts.Save(ctx, tc); err != nil {
		return fmt.Errorf("intake: save context: %w", err)
	}

	progressTS, _ := p.client.PostMessage(ctx, tc.Channel, tc.Thread, "Got your file. Analyzing its structure...")

	snap, done := p.registry.Poll(ctx, jobID, p.interval, p.maxChecks, p.sleep, func(check int, _ jobs.Snapshot) {
		if progressTS != "" && check%6 == 0 {
			text := fmt.Sprintf("Still analyzing your file... (%s elapsed)", (time.Duration(check) * p.interval).Round(time.Second))
			if err := p.client.UpdateMessage(ctx, tc.Channel, progressTS, text); err != nil {
				log.Printf("intake: update progress: %v", err)
			}
		}
	})
	if !done {
		return p.handleTimeout(ctx, tc, jobID)
	}
	return p.HandleCompletion(ctx, tc, snap)
}

// analyze is the job body: parse the CSV and run the column-role call.
func (p *Pipeline) analyze(ctx context.Context, fileName, csvPath string) (*Result, error) {
	summary, err := ParseCSV(csvPath)
	if err != nil {
		return nil, err
	}
	mapping, err := p.extractor.MapColumns(ctx, summary.Columns, summary.SampleRows)
	if err != nil {
		return nil, fmt.Errorf("intake: map columns: %w", err)
	}
	if mapping == nil {
		// Extraction produced nothing usable: treat the data as unmapped
		// but let the user drive parameter collection manually.
		mapping = &extract.ColumnMapping{Suitable: true}
	}
	return &Result{FileName: fileName, CSVPath: csvPath, Summary: summary, Mapping: mapping}, nil
}

// HandleCompletion merges a terminal file-analysis job into the context.
// A job ID observed before is a no-op, making duplicate deliveries safe.
func (p *Pipeline) HandleCompletion(ctx context.Context, tc *models.ThreadContext, snap jobs.Snapshot) error {
	if !tc.MarkJobProcessed(snap.ID) {
		return nil
	}
	defer p.saveContext(ctx, tc)

	switch snap.Status {
	case jobs.StatusCompleted:
		result, ok := snap.Result.(*Result)
		if !ok {
			tc.ResetToWaiting()
			p.post(ctx, tc, "Something went wrong while reading your file. Please upload it again.")
			return fmt.Errorf("intake: unexpected job result %T", snap.Result)
		}
		return p.applyResult(ctx, tc, result)

	case jobs.StatusFailed, jobs.StatusCancelled:
		tc.ResetToWaiting()
		p.cleanup(tc)
		p.post(ctx, tc, fmt.Sprintf("I couldn't analyze your file: %s\nPlease check the format and upload it again.", snap.Err))
		return nil

	case jobs.StatusNotFound:
		tc.ResetToWaiting()
		p.post(ctx, tc, "I lost track of your file analysis. Please upload the file again.")
		return nil
	}
	return nil
}

// applyResult records the data state and branches on suitability.
func (p *Pipeline) applyResult(ctx context.Context, tc *models.ThreadContext, result *Result) error {
	m := result.Mapping
	tc.Data = &models.DataState{
		FileName:            result.FileName,
		CSVPath:             result.CSVPath,
		Summary:             result.Summary,
		Suitable:            m.Suitable,
		Reason:              m.Reason,
		DetectedEffectSize:  m.EffectSize,
		DetectedLog:         m.LogTransformed,
		DetectedFormat:      m.DataFormat,
		DetectedColumns:     m.Columns,
		SubgroupCandidates:  m.SubgroupCandidates,
		ModeratorCandidates: m.ModeratorCandidates,
	}

	if !m.Suitable {
		tc.ResetToWaiting()
		p.cleanup(tc)
		reason := m.Reason
		if reason == "" {
			reason = "the columns needed for a meta-analysis could not be identified"
		}
		p.post(ctx, tc, fmt.Sprintf("This file doesn't look suitable for a meta-analysis: %s\nPlease upload a corrected file.", reason))
		return nil
	}

	if err := p.engine.BeginCollection(tc); err != nil {
		return err
	}
	if !tc.IntroSent {
		tc.IntroSent = true
		p.post(ctx, tc, fmt.Sprintf("Your file looks good: %d studies, columns %v. Let's set up the analysis.",
			result.Summary.RowCount, result.Summary.Columns))
	}

	action, err := p.engine.Advance(tc, "", nil)
	if err != nil {
		return err
	}
	if action.Kind == dialog.ActionAsk {
		p.post(ctx, tc, action.Question)
	}
	return nil
}

// handleTimeout reports an exhausted check budget. The job itself is not
// cancelled; if it completes later the processed-set prevents double
// handling.
func (p *Pipeline) handleTimeout(ctx context.Context, tc *models.ThreadContext, jobID string) error {
	tc.MarkJobProcessed(jobID)
	tc.ResetToWaiting()
	p.cleanup(tc)
	p.post(ctx, tc, "File analysis is taking too long, so I've stopped waiting. Please try uploading the file again.")
	return p.contexts.Save(ctx, tc)
}

// cleanup removes the thread's scratch files, best-effort.
func (p *Pipeline) cleanup(tc *models.ThreadContext) {
	dir := p.ThreadDir(tc.Channel, tc.Thread)
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("intake: cleanup %s: %v", dir, err)
	}
}

func (p *Pipeline) post(ctx context.Context, tc *models.ThreadContext, text string) {
	if _, err := p.client.PostMessage(ctx, tc.Channel, tc.Thread, text); err != nil {
		log.Printf("intake: post message: %v", err)
		return
	}
	tc.RecordBotMessage(text)
	tc.AppendHistory(models.RoleModel, text)
}

func (p *Pipeline) saveContext(ctx context.Context, tc *models.ThreadContext) {
	if err := p.contexts.Save(ctx, tc); err != nil {
		log.Printf("intake: save context: %v", err)
	}
}
