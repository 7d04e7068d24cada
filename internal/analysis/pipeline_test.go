package analysis

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srws-psg/meta-analysis-bot/internal/chat"
	"github.com/srws-psg/meta-analysis-bot/internal/jobs"
	"github.com/srws-psg/meta-analysis-bot/internal/models"
	"github.com/srws-psg/meta-analysis-bot/internal/store"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

type testPipeline struct {
	pipeline *Pipeline
	registry *jobs.Registry
	client   *chat.MockClient
}

func newTestPipeline(t *testing.T, rscriptBody string) *testPipeline {
	t.Helper()
	registry := jobs.NewRegistry(jobs.RegistryOpts{Workers: 2})
	t.Cleanup(registry.Close)

	contexts, err := store.NewContextStore(store.ContextStoreOpts{Backend: store.NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	client := chat.NewMockClient()
	runner, err := NewRunner(RunnerOpts{
		RscriptPath: fakeRscript(t, rscriptBody),
		Extractor:   &stubExtractor{},
	})
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPipeline(PipelineOpts{
		Registry:  registry,
		Contexts:  contexts,
		Client:    client,
		Runner:    runner,
		Interval:  time.Millisecond,
		MaxChecks: 500,
		Sleep:     noSleep,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testPipeline{pipeline: p, registry: registry, client: client}
}

// collectingContext builds a thread with complete parameters and a data
// file on disk, ready for the statistical job.
func collectingContext(t *testing.T) *models.ThreadContext {
	t.Helper()
	tc := models.NewThreadContext("C1", "100.1")
	tc.Data = &models.DataState{
		FileName: "trials.csv",
		CSVPath:  writeCSV(t),
		Suitable: true,
		Summary:  &models.FileSummary{Columns: []string{"study", "events_t", "events_c"}},
	}
	tc.State = models.CollectingParams(orPreferences())
	return tc
}

func TestRunSuccessOpensQuestionPhase(t *testing.T) {
	tp := newTestPipeline(t, `echo '{"k":2,"estimate":0.4}' > summary.json
touch forest_plot.png
exit 0`)

	tc := collectingContext(t)
	if err := tp.pipeline.Run(context.Background(), tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if tc.State.Kind != models.StatePostAnalysis || tc.State.Outcome != models.OutcomeReady {
		t.Fatalf("state = %+v, want post_analysis/ready", tc.State)
	}
	if tc.Analysis == nil || tc.Analysis.Stage != models.StageCompleted {
		t.Error("analysis stage not completed")
	}
	if tc.Analysis.Result == nil || !strings.Contains(tc.Analysis.Result.Summary, `"k":2`) {
		t.Error("result summary not recorded")
	}

	var sawSummary, sawInvite bool
	for _, msg := range tp.client.Posted() {
		if strings.Contains(msg.Text, `"k":2`) && strings.HasPrefix(msg.Text, "```") {
			sawSummary = true
		}
		if strings.Contains(msg.Text, "ask me anything") {
			sawInvite = true
		}
	}
	if !sawSummary {
		t.Error("summary not posted in a code block")
	}
	if !sawInvite {
		t.Error("question-phase invitation not posted")
	}

	uploads := tp.client.Uploads()
	if len(uploads) == 0 {
		t.Error("no artifacts uploaded")
	}
}

func TestRunFailureReportsAndUploadsScript(t *testing.T) {
	tp := newTestPipeline(t, `echo "Error: could not find function escalc" >&2
exit 1`)

	tc := collectingContext(t)
	if err := tp.pipeline.Run(context.Background(), tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if tc.State.Kind != models.StatePostAnalysis || tc.State.Outcome != models.OutcomeError {
		t.Fatalf("state = %+v, want post_analysis/error", tc.State)
	}
	last, _ := tp.client.LastPosted()
	if !strings.Contains(last.Text, "The analysis failed:") {
		t.Errorf("failure message = %q", last.Text)
	}
	if !strings.Contains(last.Text, "could not find function escalc") {
		t.Errorf("failure message %q does not carry the R error", last.Text)
	}

	// The failed script is shared so the user can inspect it.
	uploads := tp.client.Uploads()
	if len(uploads) != 1 || filepath.Base(uploads[0]) != "analysis.R" {
		t.Errorf("uploads = %v, want the failed analysis.R", uploads)
	}
}

func TestRunRefusesWithoutParameters(t *testing.T) {
	tp := newTestPipeline(t, "exit 0")

	tc := models.NewThreadContext("C1", "100.1")
	if err := tp.pipeline.Run(context.Background(), tc); err == nil {
		t.Error("expected an error outside collecting_params")
	}

	tc.State = models.CollectingParams(orPreferences())
	if err := tp.pipeline.Run(context.Background(), tc); err == nil {
		t.Error("expected an error without a data file")
	}
}

func TestRunTimeout(t *testing.T) {
	tp := newTestPipeline(t, "sleep 30")
	tp.pipeline.maxChecks = 3

	tc := collectingContext(t)
	if err := tp.pipeline.Run(context.Background(), tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if tc.State.Kind != models.StatePostAnalysis || tc.State.Outcome != models.OutcomeTimeout {
		t.Fatalf("state = %+v, want post_analysis/timeout", tc.State)
	}
	last, _ := tp.client.LastPosted()
	if !strings.Contains(last.Text, "longer than I can wait") {
		t.Errorf("timeout message = %q", last.Text)
	}
	if tc.Analysis == nil || tc.Analysis.Stage != models.StageFailed {
		t.Error("analysis stage should be failed after a timeout")
	}

	// The job was abandoned, not cancelled.
	if tc.State.AnalysisJobID != "" {
		t.Error("post_analysis state should not carry a job ID")
	}
}

func TestHandleCompletionDuplicateIsNoOp(t *testing.T) {
	tp := newTestPipeline(t, "exit 0")

	tc := collectingContext(t)
	snap := jobs.Snapshot{ID: "job-1", Status: jobs.StatusFailed, Err: "boom"}
	if err := tp.pipeline.HandleCompletion(context.Background(), tc, snap); err != nil {
		t.Fatal(err)
	}
	posts := len(tp.client.Posted())

	if err := tp.pipeline.HandleCompletion(context.Background(), tc, snap); err != nil {
		t.Fatal(err)
	}
	if got := len(tp.client.Posted()); got != posts {
		t.Errorf("duplicate completion posted %d new messages", got-posts)
	}
}

func TestHandleCompletionNotFound(t *testing.T) {
	tp := newTestPipeline(t, "exit 0")

	tc := collectingContext(t)
	snap := jobs.Snapshot{ID: "ghost", Status: jobs.StatusNotFound}
	if err := tp.pipeline.HandleCompletion(context.Background(), tc, snap); err != nil {
		t.Fatal(err)
	}
	if tc.State.Kind != models.StatePostAnalysis || tc.State.Outcome != models.OutcomeError {
		t.Errorf("state = %+v, want post_analysis/error", tc.State)
	}
	// The restart hint reaches the user even without job details.
	last, _ := tp.client.LastPosted()
	if !strings.Contains(last.Text, "upload a corrected file") {
		t.Errorf("message = %q", last.Text)
	}
	if _, err := os.Stat(tc.Data.CSVPath); err != nil {
		t.Error("data file must survive an analysis failure for a retry")
	}
}
