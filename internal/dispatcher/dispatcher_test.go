package dispatcher

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/srws-psg/meta-analysis-bot/internal/analysis"
	"github.com/srws-psg/meta-analysis-bot/internal/chat"
	"github.com/srws-psg/meta-analysis-bot/internal/dialog"
	"github.com/srws-psg/meta-analysis-bot/internal/extract"
	"github.com/srws-psg/meta-analysis-bot/internal/intake"
	"github.com/srws-psg/meta-analysis-bot/internal/jobs"
	"github.com/srws-psg/meta-analysis-bot/internal/models"
	"github.com/srws-psg/meta-analysis-bot/internal/store"
)

const sampleCSV = "study,events_t,total_t,events_c,total_c\nA,1,10,2,10\nB,3,20,5,20\nC,2,15,4,15\n"

func noSleep(ctx context.Context, d time.Duration) error { return nil }

// stubExtractor drives every generative call from test fields.
type stubExtractor struct {
	params     *models.ExtractedParams
	extractErr error
	panicMsg   string

	mapping *extract.ColumnMapping
	// gate, when set, holds MapColumns open until closed.
	gate chan struct{}

	answer    string
	answerErr error

	gotQuestion string
	gotContext  string
}

func (s *stubExtractor) ExtractParameters(ctx context.Context, in extract.ExtractInput) (*models.ExtractedParams, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.params, s.extractErr
}

func (s *stubExtractor) MapColumns(ctx context.Context, columns []string, sample [][]string) (*extract.ColumnMapping, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.mapping, nil
}

func (s *stubExtractor) DebugScript(ctx context.Context, script, errOutput string) (string, error) {
	return "", nil
}

func (s *stubExtractor) Answer(ctx context.Context, question, resultContext string, history []models.HistoryEntry) (string, error) {
	s.gotQuestion = question
	s.gotContext = resultContext
	return s.answer, s.answerErr
}

type testEnv struct {
	disp     *Dispatcher
	contexts *store.ContextStore
	registry *jobs.Registry
	client   *chat.MockClient
	stub     *stubExtractor
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvPolling(t, time.Millisecond, 200, noSleep)
}

// newTestEnvPolling wires the dispatcher with a configurable file-intake
// polling window.
func newTestEnvPolling(t *testing.T, interval time.Duration, maxChecks int, sleep jobs.SleepFunc) *testEnv {
	t.Helper()
	registry := jobs.NewRegistry(jobs.RegistryOpts{Workers: 2})
	t.Cleanup(registry.Close)

	contexts, err := store.NewContextStore(store.ContextStoreOpts{Backend: store.NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	client := chat.NewMockClient()
	stub := &stubExtractor{}
	engine := dialog.NewEngine(dialog.EngineOpts{})

	filePipe, err := intake.NewPipeline(intake.PipelineOpts{
		Registry:  registry,
		Contexts:  contexts,
		Client:    client,
		Extractor: stub,
		Engine:    engine,
		WorkDir:   t.TempDir(),
		Interval:  interval,
		MaxChecks: maxChecks,
		Sleep:     sleep,
	})
	if err != nil {
		t.Fatal(err)
	}
	runner, err := analysis.NewRunner(analysis.RunnerOpts{RscriptPath: "Rscript", Extractor: stub})
	if err != nil {
		t.Fatal(err)
	}
	analysisPipe, err := analysis.NewPipeline(analysis.PipelineOpts{
		Registry:  registry,
		Contexts:  contexts,
		Client:    client,
		Runner:    runner,
		Interval:  time.Millisecond,
		MaxChecks: 200,
		Sleep:     noSleep,
	})
	if err != nil {
		t.Fatal(err)
	}
	disp, err := New(DispatcherOpts{
		Contexts:  contexts,
		Registry:  registry,
		Client:    client,
		Extractor: stub,
		Engine:    engine,
		Intake:    filePipe,
		Analysis:  analysisPipe,
		Out:       io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{disp: disp, contexts: contexts, registry: registry, client: client, stub: stub}
}

func (e *testEnv) save(t *testing.T, tc *models.ThreadContext) {
	t.Helper()
	if err := e.contexts.Save(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) load(t *testing.T, channel, thread string) *models.ThreadContext {
	t.Helper()
	tc, err := e.contexts.Load(context.Background(), channel, thread)
	if err != nil {
		t.Fatal(err)
	}
	return tc
}

func message(id, text string) chat.Event {
	return chat.Event{ID: id, Type: chat.EventMessage, Channel: "C1", Thread: "100.1", User: "U1", Text: text}
}

func TestHandleWaitingThreadIsPromptedForFile(t *testing.T) {
	env := newTestEnv(t)

	env.disp.Handle(context.Background(), message("ev-1", "<@UBOT> hi there"))

	last, ok := env.client.LastPosted()
	if !ok || !strings.Contains(last.Text, "share a CSV file") {
		t.Fatalf("posted = %+v, want the upload prompt", last)
	}

	// The user turn and the prompt land as a history pair, mention stripped.
	tc := env.load(t, "C1", "100.1")
	n := len(tc.History)
	if n < 2 || tc.History[n-2].Role != models.RoleUser || tc.History[n-2].Content != "hi there" {
		t.Errorf("history = %+v, want user entry %q", tc.History, "hi there")
	}
	if tc.History[n-1].Role != models.RoleModel || tc.History[n-1].Content != last.Text {
		t.Errorf("history = %+v, want bot entry pairing the prompt", tc.History)
	}
}

func TestHandleDuplicateEventIsDropped(t *testing.T) {
	env := newTestEnv(t)
	ev := message("ev-dup", "hello")

	env.disp.Handle(context.Background(), ev)
	posts := len(env.client.Posted())
	env.disp.Handle(context.Background(), ev)

	if got := len(env.client.Posted()); got != posts {
		t.Errorf("duplicate delivery posted %d new messages", got-posts)
	}
}

func TestHandleMentionOnlyPingIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ev := chat.Event{ID: "ev-ping", Type: chat.EventMention, Channel: "C1", Thread: "100.1", User: "U1", Text: "<@UBOT>"}

	env.disp.Handle(context.Background(), ev)

	if got := len(env.client.Posted()); got != 0 {
		t.Errorf("posted %d messages for a bare mention", got)
	}
	// The event ID is still recorded for duplicate suppression.
	tc := env.load(t, "C1", "100.1")
	if tc.MarkEventProcessed("ev-ping") {
		t.Error("ping event was not marked processed")
	}
}

func TestHandleFileStartsIntake(t *testing.T) {
	env := newTestEnv(t)
	env.client.SetFile("https://files.example/trials.csv", []byte(sampleCSV))
	env.stub.mapping = &extract.ColumnMapping{
		Suitable:   true,
		EffectSize: "OR",
		Columns:    map[string]string{"ai": "events_t", "ci": "events_c"},
	}

	ev := message("ev-file", "here is my data")
	ev.Files = []chat.FileRef{{ID: "F1", Name: "trials.csv", DownloadURL: "https://files.example/trials.csv"}}
	env.disp.Handle(context.Background(), ev)

	tc := env.load(t, "C1", "100.1")
	if tc.State.Kind != models.StateCollectingParams {
		t.Fatalf("state = %s, want collecting_params", tc.State.Kind)
	}
	if tc.Data == nil || !tc.Data.Suitable {
		t.Error("data state not recorded as suitable")
	}
}

func TestHandleCollectingTurnAsksNextQuestion(t *testing.T) {
	env := newTestEnv(t)

	tc := models.NewThreadContext("C1", "100.1")
	tc.Data = &models.DataState{
		FileName: "trials.csv",
		CSVPath:  "/tmp/trials.csv",
		Suitable: true,
		Summary:  &models.FileSummary{Columns: []string{"study", "events_t", "events_c"}},
	}
	tc.State = models.CollectingParams(models.NewCollectedParameters())
	env.save(t, tc)

	env.disp.Handle(context.Background(), message("ev-turn", "let's continue"))

	last, ok := env.client.LastPosted()
	if !ok || !strings.Contains(last.Text, "effect size") {
		t.Fatalf("posted = %+v, want the effect-size question", last)
	}
}

func TestHandleExtractionErrorDegradesToFallbacks(t *testing.T) {
	env := newTestEnv(t)
	env.stub.extractErr = context.DeadlineExceeded

	tc := models.NewThreadContext("C1", "100.1")
	tc.Data = &models.DataState{
		FileName: "trials.csv",
		CSVPath:  "/tmp/trials.csv",
		Suitable: true,
		Summary:  &models.FileSummary{Columns: []string{"study", "events_t", "events_c"}},
	}
	tc.State = models.CollectingParams(models.NewCollectedParameters())
	env.save(t, tc)

	env.disp.Handle(context.Background(), message("ev-turn", "use whatever you think"))

	// The turn still produces a question rather than an error to the user.
	last, ok := env.client.LastPosted()
	if !ok || !strings.Contains(last.Text, "effect size") {
		t.Fatalf("posted = %+v, want the next question despite the extraction error", last)
	}
}

func TestHandleUnknownStateResets(t *testing.T) {
	env := newTestEnv(t)

	tc := models.NewThreadContext("C1", "100.1")
	tc.State = models.DialogState{Kind: "time_travel"}
	env.save(t, tc)

	env.disp.Handle(context.Background(), message("ev-odd", "hello?"))

	reloaded := env.load(t, "C1", "100.1")
	if reloaded.State.Kind != models.StateWaitingFile {
		t.Errorf("state = %s, want waiting_for_file", reloaded.State.Kind)
	}
	last, _ := env.client.LastPosted()
	if !strings.Contains(last.Text, "start over") {
		t.Errorf("message = %q", last.Text)
	}
}

func TestHandleRunningFileJobPostsProgress(t *testing.T) {
	env := newTestEnv(t)

	gate := make(chan struct{})
	defer close(gate)
	jobID := env.registry.Submit("file_analysis", func(ctx context.Context) (any, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil, nil
	})

	tc := models.NewThreadContext("C1", "100.1")
	tc.State = models.ProcessingFile(jobID)
	env.save(t, tc)

	env.disp.Handle(context.Background(), message("ev-poll", "any news?"))

	last, ok := env.client.LastPosted()
	if !ok || !strings.Contains(last.Text, "still analyzing your file") {
		t.Fatalf("posted = %+v, want a progress note", last)
	}
	reloaded := env.load(t, "C1", "100.1")
	if reloaded.State.Kind != models.StateProcessingFile {
		t.Errorf("state = %s, want processing_file while the job runs", reloaded.State.Kind)
	}
}

func TestHandleVanishedAnalysisJobClosesCycle(t *testing.T) {
	env := newTestEnv(t)

	tc := models.NewThreadContext("C1", "100.1")
	tc.State = models.AnalysisRunning("ghost-job")
	env.save(t, tc)

	env.disp.Handle(context.Background(), message("ev-poll", "done yet?"))

	reloaded := env.load(t, "C1", "100.1")
	if reloaded.State.Kind != models.StatePostAnalysis || reloaded.State.Outcome != models.OutcomeError {
		t.Errorf("state = %+v, want post_analysis/error", reloaded.State)
	}
	last, _ := env.client.LastPosted()
	if !strings.Contains(last.Text, "The analysis failed:") {
		t.Errorf("message = %q", last.Text)
	}
}

func TestHandlePostAnalysisAnswersQuestions(t *testing.T) {
	env := newTestEnv(t)
	env.stub.answer = "The pooled odds ratio was 0.42 across 12 studies."

	tc := models.NewThreadContext("C1", "100.1")
	tc.State = models.PostAnalysis(models.OutcomeReady)
	tc.Analysis = &models.AnalysisState{
		Stage:  models.StageCompleted,
		Result: &models.AnalysisResult{Success: true, Summary: `{"k":12,"estimate":0.42}`},
	}
	env.save(t, tc)

	env.disp.Handle(context.Background(), message("ev-q", "what was the overall effect?"))

	last, _ := env.client.LastPosted()
	if last.Text != env.stub.answer {
		t.Errorf("posted %q, want the model answer", last.Text)
	}
	if env.stub.gotQuestion != "what was the overall effect?" {
		t.Errorf("question passed to model = %q", env.stub.gotQuestion)
	}
	if !strings.Contains(env.stub.gotContext, `"k":12`) {
		t.Errorf("result context passed to model = %q", env.stub.gotContext)
	}
}

func TestHandleAnswerFailurePostsFallback(t *testing.T) {
	env := newTestEnv(t)
	env.stub.answerErr = context.DeadlineExceeded

	tc := models.NewThreadContext("C1", "100.1")
	tc.State = models.PostAnalysis(models.OutcomeReady)
	tc.Analysis = &models.AnalysisState{Result: &models.AnalysisResult{Summary: "{}"}}
	env.save(t, tc)

	env.disp.Handle(context.Background(), message("ev-q", "why?"))

	last, _ := env.client.LastPosted()
	if !strings.Contains(last.Text, "couldn't come up with an answer") {
		t.Errorf("message = %q", last.Text)
	}
}

func TestHandleRecoversFromPanic(t *testing.T) {
	env := newTestEnv(t)
	env.stub.panicMsg = "extraction exploded"

	tc := models.NewThreadContext("C1", "100.1")
	tc.Data = &models.DataState{
		Suitable: true,
		Summary:  &models.FileSummary{Columns: []string{"study"}},
	}
	tc.State = models.CollectingParams(models.NewCollectedParameters())
	env.save(t, tc)

	env.disp.Handle(context.Background(), message("ev-boom", "go on"))

	last, ok := env.client.LastPosted()
	if !ok || !strings.Contains(last.Text, "something went wrong on my side") {
		t.Fatalf("posted = %+v, want the apology", last)
	}
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	env := newTestEnv(t)
	events := make(chan chat.Event)

	done := make(chan error, 1)
	go func() { done <- env.disp.Run(context.Background(), events) }()

	events <- message("ev-1", "hello")
	close(events)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after channel close")
	}
	if got := len(env.client.Posted()); got == 0 {
		t.Error("event delivered before close was not handled")
	}
}

func TestRunKeepsThreadsIndependent(t *testing.T) {
	// Real sleeping with a multi-second check budget: a held-open intake job
	// keeps the first thread's turn polling for the whole test.
	env := newTestEnvPolling(t, 20*time.Millisecond, 500, nil)
	gate := make(chan struct{})
	env.stub.gate = gate
	env.stub.mapping = &extract.ColumnMapping{Suitable: true}
	env.client.SetFile("https://files.example/slow.csv", []byte(sampleCSV))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan chat.Event, 2)
	done := make(chan error, 1)
	go func() { done <- env.disp.Run(ctx, events) }()

	fileEv := message("ev-slow", "data attached")
	fileEv.Files = []chat.FileRef{{ID: "F1", Name: "slow.csv", DownloadURL: "https://files.example/slow.csv"}}
	events <- fileEv
	events <- chat.Event{ID: "ev-other", Type: chat.EventMessage, Channel: "C2", Thread: "300.3", User: "U3", Text: "hello"}

	// The second thread's reply must arrive while the first is still inside
	// its polling window.
	deadline := time.Now().Add(4 * time.Second)
	prompted := false
	for !prompted && time.Now().Before(deadline) {
		for _, msg := range env.client.Posted() {
			if msg.Channel == "C2" && strings.Contains(msg.Text, "share a CSV file") {
				prompted = true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)
	if !prompted {
		t.Fatal("second thread got no reply while the first thread's intake was polling")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	events := make(chan chat.Event)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.disp.Run(ctx, events) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
