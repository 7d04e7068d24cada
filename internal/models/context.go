// Package models defines the persistent data types shared across the bot:
// the per-thread conversation context, the dialog state machine payloads,
// and the incrementally collected analysis parameters.
package models

import "time"

// DefaultHistoryLimit bounds the stored conversation history per thread.
const DefaultHistoryLimit = 50

// Role identifies the author of a history entry.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// HistoryEntry is one recorded message in a thread's conversation history.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// BotMessage records the bot's most recent message in a thread so that a
// free-text user reply can be attributed to the question that preceded it.
type BotMessage struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// QuestionTracker detects repeat-question loops during parameter collection.
// The effect-size confirmation question is recorded but never counted.
type QuestionTracker struct {
	LastQuestion string `json:"last_question,omitempty"`
	Repeats      int    `json:"repeats,omitempty"`
}

// Observe updates the tracker with the question about to be asked and
// returns the number of consecutive repeats of that exact question text.
// Exempt questions count nothing and leave the tracked streak untouched.
func (q *QuestionTracker) Observe(question string, exempt bool) int {
	if exempt {
		return 0
	}
	if question == q.LastQuestion {
		q.Repeats++
	} else {
		q.LastQuestion = question
		q.Repeats = 0
	}
	return q.Repeats
}

// Reset clears the tracker, used when collection state is discarded.
func (q *QuestionTracker) Reset() {
	q.LastQuestion = ""
	q.Repeats = 0
}

// ThreadContext is the aggregate root for one (channel, thread) conversation.
// It is read, mutated, and written back in full by the handler that owns the
// current turn; there is no field-level update contract.
type ThreadContext struct {
	Channel string `json:"channel"`
	Thread  string `json:"thread"`

	State    DialogState    `json:"state"`
	Data     *DataState     `json:"data,omitempty"`
	Analysis *AnalysisState `json:"analysis,omitempty"`

	History      []HistoryEntry `json:"history,omitempty"`
	HistoryLimit int            `json:"history_limit,omitempty"`

	// ProcessedJobs and ProcessedEvents make duplicate job completions and
	// redelivered chat events no-ops.
	ProcessedJobs   map[string]bool `json:"processed_jobs,omitempty"`
	ProcessedEvents map[string]bool `json:"processed_events,omitempty"`

	Questions      QuestionTracker `json:"questions"`
	LastBotMessage *BotMessage     `json:"last_bot_message,omitempty"`

	// IntroSent guards the one-time initial collection prompt per thread.
	IntroSent bool `json:"intro_sent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewThreadContext creates a context in the initial waiting-for-file state.
func NewThreadContext(channel, thread string) *ThreadContext {
	now := time.Now().UTC()
	return &ThreadContext{
		Channel:      channel,
		Thread:       thread,
		State:        WaitingFile(),
		HistoryLimit: DefaultHistoryLimit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AppendHistory records a message, evicting the oldest entries when the
// configured limit is exceeded.
func (tc *ThreadContext) AppendHistory(role Role, content string) {
	limit := tc.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	tc.History = append(tc.History, HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if len(tc.History) > limit {
		tc.History = tc.History[len(tc.History)-limit:]
	}
}

// MarkJobProcessed records a terminal job ID. Returns false if the ID was
// already recorded, meaning the caller must treat the completion as a no-op.
func (tc *ThreadContext) MarkJobProcessed(jobID string) bool {
	if tc.ProcessedJobs == nil {
		tc.ProcessedJobs = make(map[string]bool)
	}
	if tc.ProcessedJobs[jobID] {
		return false
	}
	tc.ProcessedJobs[jobID] = true
	return true
}

// MarkEventProcessed records an inbound event ID. Returns false for repeats.
func (tc *ThreadContext) MarkEventProcessed(eventID string) bool {
	if eventID == "" {
		return true
	}
	if tc.ProcessedEvents == nil {
		tc.ProcessedEvents = make(map[string]bool)
	}
	if tc.ProcessedEvents[eventID] {
		return false
	}
	tc.ProcessedEvents[eventID] = true
	return true
}

// RecordBotMessage stores the bot's latest reply for question attribution.
func (tc *ThreadContext) RecordBotMessage(content string) {
	tc.LastBotMessage = &BotMessage{Content: content, Timestamp: time.Now().UTC()}
}

// ResetToWaiting discards collection state and returns the thread to the
// initial waiting-for-file state. Data and history are kept; the question
// tracker is cleared.
func (tc *ThreadContext) ResetToWaiting() {
	tc.State = WaitingFile()
	tc.Questions.Reset()
	tc.IntroSent = false
}
