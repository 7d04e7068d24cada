// Package dialog implements the per-thread dialog state machine and the
// incremental parameter-collection algorithm. The engine is pure state
// logic: it mutates the ThreadContext it is given and returns an Action for
// the caller to perform (ask a question, start the analysis, reset), but
// never does I/O itself.
package dialog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/srws-psg/meta-analysis-bot/internal/models"
)

// ActionKind classifies what the caller should do after an Advance.
type ActionKind string

const (
	// ActionAsk poses the next clarifying question.
	ActionAsk ActionKind = "ask"
	// ActionReady signals that collection is complete and the statistical
	// job can be submitted.
	ActionReady ActionKind = "ready"
	// ActionReset aborts collection after the repeat-question ceiling and
	// returns the thread to waiting-for-file.
	ActionReset ActionKind = "reset"
)

// Action is the engine's decision for one turn.
type Action struct {
	Kind     ActionKind
	Question string // set for ActionAsk
	Message  string // set for ActionReset
}

// DefaultQuestionRetryLimit is the repeat-question ceiling.
const DefaultQuestionRetryLimit = 5

// Engine runs the parameter-collection algorithm.
type Engine struct {
	retryLimit int
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	QuestionRetryLimit int // defaults to DefaultQuestionRetryLimit
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) *Engine {
	limit := opts.QuestionRetryLimit
	if limit <= 0 {
		limit = DefaultQuestionRetryLimit
	}
	return &Engine{retryLimit: limit}
}

// BeginCollection transitions the thread into parameter collection with a
// fresh CollectedParameters sub-state. The data summary must already be
// present.
func (e *Engine) BeginCollection(tc *models.ThreadContext) error {
	if tc.Data == nil || tc.Data.Summary == nil {
		return fmt.Errorf("dialog: begin collection: no data summary")
	}
	tc.State = models.CollectingParams(models.NewCollectedParameters())
	tc.Questions.Reset()
	return nil
}

// Advance runs one collection turn: it merges the extraction result (and
// rule-based fallbacks from the raw text) into the collected parameters,
// then walks the priority ladder until a question applies or collection is
// complete. The data summary must be present; without it the engine refuses
// to proceed without mutating anything.
func (e *Engine) Advance(tc *models.ThreadContext, userText string, extracted *models.ExtractedParams) (Action, error) {
	if tc.Data == nil || tc.Data.Summary == nil {
		return Action{}, fmt.Errorf("dialog: advance: no data summary")
	}
	if tc.State.Kind != models.StateCollectingParams || tc.State.Params == nil {
		return Action{}, fmt.Errorf("dialog: advance: not collecting (state %s)", tc.State.Kind)
	}
	p := tc.State.Params

	// Step 1: merge newly extracted values; list-valued optional parameters
	// are unioned, never overwritten. When extraction produced nothing,
	// fall back to explicit keyword detection on the raw text.
	if extracted.Empty() {
		e.applyKeywordFallback(p, userText)
	} else {
		e.merge(p, extracted)
	}

	// Step 2: adopt the auto-detected effect size and ask for confirmation.
	// Exempt from the repeat counter: the answer is free text, not a slot.
	if q, ok := e.autoDetectStep(tc, p); ok {
		tc.Questions.Observe(q, true)
		return Action{Kind: ActionAsk, Question: q}, nil
	}

	question := e.nextQuestion(tc, p)
	if question == "" {
		return Action{Kind: ActionReady}, nil
	}

	if repeats := tc.Questions.Observe(question, false); repeats >= e.retryLimit {
		tc.ResetToWaiting()
		return Action{
			Kind: ActionReset,
			Message: "We seem to be going in circles, so I've reset this conversation. " +
				"Please upload your data file again to start over.",
		}, nil
	}
	return Action{Kind: ActionAsk, Question: question}, nil
}

// merge folds an extraction result into the collected parameters.
func (e *Engine) merge(p *models.CollectedParameters, extracted *models.ExtractedParams) {
	for _, name := range models.RequiredOrder {
		if v := extracted.Required[name]; v != "" {
			p.SetRequired(name, normalizeRequired(name, v))
		}
	}
	for name, values := range extracted.Optional {
		p.AddOptional(name, values...)
	}
	for role, col := range extracted.DataColumns {
		p.MapColumn(role, col)
	}
}

// applyKeywordFallback detects explicit "fixed"/"random" keywords when the
// extraction call failed or returned nothing.
func (e *Engine) applyKeywordFallback(p *models.CollectedParameters, userText string) {
	if p.ModelType() != "" {
		return
	}
	lower := strings.ToLower(userText)
	switch {
	case strings.Contains(lower, "random"):
		p.SetRequired(models.ParamModelType, "random")
	case strings.Contains(lower, "fixed"):
		p.SetRequired(models.ParamModelType, "fixed")
	}
}

// autoDetectStep adopts the file-derived effect size if the algorithm has
// reached the point where effect_size is the question at hand. It returns
// the confirmation question and true when the adoption happened this turn.
func (e *Engine) autoDetectStep(tc *models.ThreadContext, p *models.CollectedParameters) (string, bool) {
	if p.EffectSize() != "" {
		return "", false
	}
	effectSizeIsNext := len(p.Missing) > 0 && p.Missing[0] == models.ParamEffectSize
	optionalProbed := len(p.AskedOptional) > 0
	if !effectSizeIsNext && optionalProbed {
		return "", false
	}
	detected := tc.Data.DetectedEffectSize
	if detected == "" {
		return "", false
	}

	p.SetRequired(models.ParamEffectSize, detected)
	p.LogTransformed = tc.Data.DetectedLog
	p.DataFormat = tc.Data.DetectedFormat
	for role, col := range tc.Data.DetectedColumns {
		if _, ok := p.DataColumns[role]; !ok {
			p.MapColumn(role, col)
		}
	}

	q := fmt.Sprintf(
		"Your data looks like %s data, so I'll use %s as the effect size. "+
			"Is that OK, or would you like a different one (%s)?",
		detected, detected, strings.Join(knownEffectSizes, ", "))
	return q, true
}

// nextQuestion walks steps 3–7 of the priority ladder and returns the next
// clarifying question, or "" when collection is complete.
func (e *Engine) nextQuestion(tc *models.ThreadContext, p *models.CollectedParameters) string {
	// Step 3: first missing required parameter, in definitional order.
	if len(p.Missing) > 0 {
		return e.requiredQuestion(tc, p.Missing[0])
	}

	// Step 4: unmapped raw data columns for the chosen effect size.
	for _, role := range RequiredColumns(p.EffectSize()) {
		if p.DataColumns[role] == "" {
			return fmt.Sprintf(
				"Which column holds the %s? Available columns: %s",
				roleNames[role], strings.Join(tc.Data.Summary.Columns, ", "))
		}
	}

	// Step 5: subgroup candidates, asked once.
	if !p.AskedOptional[models.OptSubgroups] {
		p.MarkAsked(models.OptSubgroups)
		if cands := tc.Data.SubgroupCandidates; len(cands) > 0 {
			p.AddOptional(models.OptSubgroups, cands...)
			p.Suggested[models.OptSubgroups] = true
			return fmt.Sprintf(
				"Would you like a subgroup analysis? These columns look like candidates: %s. "+
					"Tell me which to use, or say no.",
				strings.Join(cands, ", "))
		}
		return "Would you like a subgroup analysis? If so, tell me which column to group by, or say no."
	}

	// Step 6: moderator candidates, asked once.
	if !p.AskedOptional[models.OptModerators] {
		p.MarkAsked(models.OptModerators)
		if cands := tc.Data.ModeratorCandidates; len(cands) > 0 {
			p.AddOptional(models.OptModerators, cands...)
			p.Suggested[models.OptModerators] = true
			return fmt.Sprintf(
				"Should I run a meta-regression? Possible moderator columns: %s. "+
					"Tell me which to use, or say no.",
				strings.Join(cands, ", "))
		}
		return "Should I run a meta-regression with any moderator columns? Name them, or say no."
	}

	// Step 7: sensitivity analysis. A named variable without a limiting
	// value gets the value question even after the topic was asked.
	if v := p.OptionalScalar(models.OptSensitivityVariable); v != "" && p.OptionalScalar(models.OptSensitivityValue) == "" {
		suggestions := distinctValues(tc.Data.Summary, v)
		if len(suggestions) > 0 {
			return fmt.Sprintf(
				"Which value of %s should the sensitivity analysis be limited to? Values in your data: %s",
				v, strings.Join(suggestions, ", "))
		}
		return fmt.Sprintf("Which value of %s should the sensitivity analysis be limited to?", v)
	}
	if !p.AskedOptional[models.OptSensitivity] {
		p.MarkAsked(models.OptSensitivity)
		if cands := SensitivityCandidates(tc.Data.Summary); len(cands) > 0 {
			return fmt.Sprintf(
				"Finally, would you like a sensitivity analysis? These categorical columns could work: %s. "+
					"Name a column (and the value to keep), or say no.",
				strings.Join(cands, ", "))
		}
		return "Finally, would you like a sensitivity analysis limited to a subset of studies? Name the column and value, or say no."
	}

	// Step 8: nothing left to ask.
	return ""
}

// requiredQuestion builds the question for one missing required parameter.
func (e *Engine) requiredQuestion(tc *models.ThreadContext, name string) string {
	switch name {
	case models.ParamEffectSize:
		return fmt.Sprintf(
			"Which effect size should I use (%s)? Your file has these columns: %s",
			strings.Join(knownEffectSizes, ", "),
			strings.Join(tc.Data.Summary.Columns, ", "))
	case models.ParamModelType:
		return "Should I use a random-effects or a fixed-effect model?"
	default:
		return fmt.Sprintf("Please provide a value for %s.", name)
	}
}

// SensitivityCandidates scans the sampled categorical columns for those with
// 2–5 distinct values, each appearing more than once.
func SensitivityCandidates(summary *models.FileSummary) []string {
	if summary == nil {
		return nil
	}
	var cands []string
	for _, col := range summary.Columns {
		stats, ok := summary.Stats[col]
		if !ok || stats.Numeric {
			continue
		}
		n := len(stats.Distinct)
		if n < 2 || n > 5 {
			continue
		}
		eligible := true
		for _, count := range stats.Distinct {
			if count <= 1 {
				eligible = false
				break
			}
		}
		if eligible {
			cands = append(cands, col)
		}
	}
	return cands
}

// distinctValues returns the sampled distinct values of a column, sorted
// for stable question text.
func distinctValues(summary *models.FileSummary, column string) []string {
	stats, ok := summary.Stats[column]
	if !ok {
		return nil
	}
	values := make([]string, 0, len(stats.Distinct))
	for v := range stats.Distinct {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// normalizeRequired canonicalizes extracted required values: effect sizes to
// their table spelling, model types to lowercase.
func normalizeRequired(name, value string) string {
	switch name {
	case models.ParamEffectSize:
		for _, known := range knownEffectSizes {
			if strings.EqualFold(known, value) {
				return known
			}
		}
		return ""
	case models.ParamModelType:
		lower := strings.ToLower(strings.TrimSpace(value))
		if lower == "random" || lower == "fixed" {
			return lower
		}
		return ""
	}
	return value
}
