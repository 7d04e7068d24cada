// Package dispatcher receives normalized inbound chat events, deduplicates
// them, and routes each to the handler for the thread's current dialog
// state. It is the outermost turn handler: nothing below it may crash the
// process or leave the thread context unsaved.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/srws-psg/meta-analysis-bot/internal/analysis"
	"github.com/srws-psg/meta-analysis-bot/internal/chat"
	"github.com/srws-psg/meta-analysis-bot/internal/dialog"
	"github.com/srws-psg/meta-analysis-bot/internal/extract"
	"github.com/srws-psg/meta-analysis-bot/internal/intake"
	"github.com/srws-psg/meta-analysis-bot/internal/jobs"
	"github.com/srws-psg/meta-analysis-bot/internal/models"
	"github.com/srws-psg/meta-analysis-bot/internal/store"
)

// Dispatcher routes inbound events through the dialog state machine.
type Dispatcher struct {
	contexts  *store.ContextStore
	registry  *jobs.Registry
	client    chat.Client
	extractor extract.Extractor
	engine    *dialog.Engine
	intake    *intake.Pipeline
	analysis  *analysis.Pipeline
	out       io.Writer
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Contexts  *store.ContextStore
	Registry  *jobs.Registry
	Client    chat.Client
	Extractor extract.Extractor
	Engine    *dialog.Engine
	Intake    *intake.Pipeline
	Analysis  *analysis.Pipeline
	Out       io.Writer // defaults to os.Stdout
}

// New creates a Dispatcher.
func New(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Contexts == nil {
		return nil, fmt.Errorf("dispatcher: context store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("dispatcher: registry is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("dispatcher: chat client is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("dispatcher: extractor is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("dispatcher: dialog engine is required")
	}
	if opts.Intake == nil {
		return nil, fmt.Errorf("dispatcher: intake pipeline is required")
	}
	if opts.Analysis == nil {
		return nil, fmt.Errorf("dispatcher: analysis pipeline is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Dispatcher{
		contexts:  opts.Contexts,
		registry:  opts.Registry,
		client:    opts.Client,
		extractor: opts.Extractor,
		engine:    opts.Engine,
		intake:    opts.Intake,
		analysis:  opts.Analysis,
		out:       out,
	}, nil
}

// Run consumes events until the channel closes or the context is
// cancelled, waiting for in-flight handlers before returning. Each event is
// handled in its own goroutine: a turn that polls a long job must not stall
// other conversations. Per-thread ordering relies on the platform delivering
// a thread's events one at a time; contexts are written back whole, so
// concurrent turns on the same thread can lose updates.
func (d *Dispatcher) Run(ctx context.Context, events <-chan chat.Event) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Handle(ctx, ev)
			}()
		}
	}
}

// Handle processes one inbound event end to end. Panics anywhere in the
// turn are caught here and surfaced as a single apology message.
func (d *Dispatcher) Handle(ctx context.Context, ev chat.Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("dispatcher: panic handling event %s: %v", ev.ID, p)
			if _, err := d.client.PostMessage(ctx, ev.Channel, ev.Thread,
				"Sorry, something went wrong on my side. Please try again."); err != nil {
				log.Printf("dispatcher: post apology: %v", err)
			}
		}
	}()

	if err := d.handle(ctx, ev); err != nil {
		log.Printf("dispatcher: event %s: %v", ev.ID, err)
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev chat.Event) error {
	fmt.Fprintf(d.out, "dispatcher: recv [ch=%s thread=%s user=%s type=%s] %q\n",
		ev.Channel, ev.Thread, ev.User, ev.Type, truncate(ev.Text, 80))

	tc, err := d.contexts.Load(ctx, ev.Channel, ev.Thread)
	if err != nil {
		return err
	}

	// Redelivered events are dropped; the mark is already persisted.
	if !tc.MarkEventProcessed(ev.ID) {
		fmt.Fprintf(d.out, "dispatcher: duplicate event %s, ignoring\n", ev.ID)
		return nil
	}

	// Mention-only pings carry no intent.
	text := strings.TrimSpace(stripMentions(ev.Text))
	if ev.Type == chat.EventMention && text == "" && len(ev.Files) == 0 {
		return d.contexts.Save(ctx, tc)
	}

	if text != "" {
		tc.AppendHistory(models.RoleUser, text)
	}

	// A shared file (re)starts the analysis cycle from any state.
	if len(ev.Files) > 0 {
		if err := d.intake.Process(ctx, tc, ev.Files[0]); err != nil {
			log.Printf("dispatcher: intake: %v", err)
		}
		return d.contexts.Save(ctx, tc)
	}

	switch tc.State.Kind {
	case models.StateWaitingFile:
		d.post(ctx, tc, "Please share a CSV file with your study data and I'll take it from there.")

	case models.StateProcessingFile:
		d.checkFileJob(ctx, tc)

	case models.StateCollectingParams:
		d.collectTurn(ctx, tc, text)

	case models.StateAnalysisRunning:
		d.checkAnalysisJob(ctx, tc)

	case models.StatePostAnalysis:
		d.answerQuestion(ctx, tc, text)

	default:
		// Unrecognized state: reset to a safe default and tell the user.
		log.Printf("dispatcher: unknown dialog state %q for %s:%s", tc.State.Kind, tc.Channel, tc.Thread)
		tc.ResetToWaiting()
		d.post(ctx, tc, "I lost track of where we were, so let's start over. Please share your data file again.")
	}

	return d.contexts.Save(ctx, tc)
}

// collectTurn runs one parameter-collection turn: extraction, engine
// advance, and the resulting action.
func (d *Dispatcher) collectTurn(ctx context.Context, tc *models.ThreadContext, text string) {
	var summary *models.FileSummary
	if tc.Data != nil {
		summary = tc.Data.Summary
	}
	lastBot := ""
	if tc.LastBotMessage != nil {
		lastBot = tc.LastBotMessage.Content
	}

	extracted, err := d.extractor.ExtractParameters(ctx, extract.ExtractInput{
		UserText:    text,
		Summary:     summary,
		History:     tc.History,
		Collected:   tc.State.Params,
		LastBotText: lastBot,
	})
	if err != nil {
		// Degrade to rule-based fallbacks rather than failing the turn.
		log.Printf("dispatcher: extraction: %v", err)
		extracted = nil
	}

	action, err := d.engine.Advance(tc, text, extracted)
	if err != nil {
		log.Printf("dispatcher: advance: %v", err)
		tc.ResetToWaiting()
		d.post(ctx, tc, "I lost your data summary, so let's start over. Please share the file again.")
		return
	}

	switch action.Kind {
	case dialog.ActionAsk:
		d.post(ctx, tc, action.Question)
	case dialog.ActionReset:
		d.post(ctx, tc, action.Message)
	case dialog.ActionReady:
		if err := d.analysis.Run(ctx, tc); err != nil {
			log.Printf("dispatcher: analysis run: %v", err)
			d.post(ctx, tc, "I couldn't start the analysis. Please try again.")
		}
	}
}

// checkFileJob re-polls the active file-analysis job once. If it already
// finished, the completion is merged (a no-op when previously handled);
// otherwise the user gets a progress note.
func (d *Dispatcher) checkFileJob(ctx context.Context, tc *models.ThreadContext) {
	snap := d.registry.Status(tc.State.FileJobID)
	if snap.Status.Terminal() || snap.Status == jobs.StatusNotFound {
		if err := d.intake.HandleCompletion(ctx, tc, snap); err != nil {
			log.Printf("dispatcher: file completion: %v", err)
		}
		return
	}
	d.post(ctx, tc, "I'm still analyzing your file, one moment...")
}

// checkAnalysisJob mirrors checkFileJob for the statistical job.
func (d *Dispatcher) checkAnalysisJob(ctx context.Context, tc *models.ThreadContext) {
	snap := d.registry.Status(tc.State.AnalysisJobID)
	if snap.Status.Terminal() || snap.Status == jobs.StatusNotFound {
		if err := d.analysis.HandleCompletion(ctx, tc, snap); err != nil {
			log.Printf("dispatcher: analysis completion: %v", err)
		}
		return
	}
	d.post(ctx, tc, "The analysis is still running, I'll post the results here as soon as it's done.")
}

// answerQuestion handles free-form post-analysis Q&A grounded on the
// structured result summary.
func (d *Dispatcher) answerQuestion(ctx context.Context, tc *models.ThreadContext, text string) {
	if text == "" {
		return
	}
	resultContext := ""
	if tc.Analysis != nil && tc.Analysis.Result != nil {
		resultContext = tc.Analysis.Result.Summary
		if resultContext == "" {
			resultContext = tc.Analysis.Result.Error
		}
	}
	answer, err := d.extractor.Answer(ctx, text, resultContext, tc.History)
	if err != nil || answer == "" {
		log.Printf("dispatcher: answer: %v", err)
		d.post(ctx, tc, "I couldn't come up with an answer just now. You can also upload a new file to run another analysis.")
		return
	}
	d.post(ctx, tc, answer)
}

// post sends a message and records it as the bot half of the turn's paired
// history entries.
func (d *Dispatcher) post(ctx context.Context, tc *models.ThreadContext, text string) {
	if _, err := d.client.PostMessage(ctx, tc.Channel, tc.Thread, text); err != nil {
		log.Printf("dispatcher: post message: %v", err)
		return
	}
	tc.RecordBotMessage(text)
	tc.AppendHistory(models.RoleModel, text)
}

// stripMentions removes Slack-style <@USERID> mention tokens.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start < 0 {
			return text
		}
		end := strings.Index(text[start:], ">")
		if end < 0 {
			return text
		}
		text = text[:start] + text[start+end+1:]
	}
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
