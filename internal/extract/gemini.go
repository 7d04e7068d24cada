package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/srws-psg/meta-analysis-bot/internal/models"
)

// GeminiExtractor implements Extractor against the Gemini API.
type GeminiExtractor struct {
	client *genai.Client
	model  string
}

// GeminiOpts holds parameters for creating a GeminiExtractor.
type GeminiOpts struct {
	APIKey string
	Model  string
}

// NewGemini creates a GeminiExtractor.
func NewGemini(ctx context.Context, opts GeminiOpts) (*GeminiExtractor, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("extract: gemini api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("extract: gemini model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: opts.APIKey})
	if err != nil {
		return nil, fmt.Errorf("extract: create gemini client: %w", err)
	}
	return &GeminiExtractor{client: client, model: opts.Model}, nil
}

const extractSystem = `You extract meta-analysis settings from a user's chat message.
Return JSON with the keys "required" (object: effect_size, model_type),
"optional" (object of string arrays: subgroup_columns, moderator_columns,
sensitivity_variable, sensitivity_value), and "data_columns" (object mapping
roles ai, ci, n1i, n2i, m1i, m2i, sd1i, sd2i, proportion_events,
proportion_total, proportion_time, yi, vi to CSV column names).
Only include values the message states or clearly confirms. Omit everything else.`

// ExtractParameters asks Gemini to pull structured values from one turn.
// Unparseable or empty model output yields (nil, nil).
func (g *GeminiExtractor) ExtractParameters(ctx context.Context, in ExtractInput) (*models.ExtractedParams, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "User message: %s\n", in.UserText)
	if in.LastBotText != "" {
		fmt.Fprintf(&sb, "The bot's preceding question was: %s\n", in.LastBotText)
	}
	if in.Summary != nil {
		fmt.Fprintf(&sb, "CSV columns: %s\n", strings.Join(in.Summary.Columns, ", "))
	}
	if in.Collected != nil {
		if missing := in.Collected.Missing; len(missing) > 0 {
			fmt.Fprintf(&sb, "Still missing required parameters: %s\n", strings.Join(missing, ", "))
		}
	}
	for _, h := range tail(in.History, 6) {
		fmt.Fprintf(&sb, "[%s] %s\n", h.Role, h.Content)
	}

	text, err := g.generateJSON(ctx, extractSystem, sb.String())
	if err != nil {
		return nil, err
	}
	var out models.ExtractedParams
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		// Model rambled instead of returning JSON: treat as no information.
		return nil, nil
	}
	if out.Empty() {
		return nil, nil
	}
	return &out, nil
}

const mapSystem = `You review a CSV uploaded for statistical meta-analysis.
Return JSON: "is_suitable" (bool), "reason" (string), "effect_size" (one of
OR, RR, RD, PETO, SMD, MD, ROM, proportion, IR, yi, or empty),
"log_transformed" (bool), "data_format" (string), "columns" (object mapping
roles ai, ci, n1i, n2i, m1i, m2i, sd1i, sd2i, proportion_events,
proportion_total, proportion_time, yi, vi to column names present in the CSV),
"subgroup_candidates" and "moderator_candidates" (arrays of column names).
Be conservative: only map columns you are confident about.`

// MapColumns runs the once-per-file structure analysis.
func (g *GeminiExtractor) MapColumns(ctx context.Context, columns []string, sample [][]string) (*ColumnMapping, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(columns, ", "))
	for i, row := range sample {
		if i >= 5 {
			break
		}
		fmt.Fprintf(&sb, "Row %d: %s\n", i+1, strings.Join(row, ", "))
	}

	text, err := g.generateJSON(ctx, mapSystem, sb.String())
	if err != nil {
		return nil, err
	}
	var out ColumnMapping
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, nil
	}
	return &out, nil
}

const debugSystem = `You repair a failed R meta-analysis script. You receive the
script and the R error output. Return only the corrected R script, no
commentary and no code fences.`

// DebugScript regenerates a failed script from its error output.
func (g *GeminiExtractor) DebugScript(ctx context.Context, script, errOutput string) (string, error) {
	prompt := fmt.Sprintf("Script:\n%s\n\nError output:\n%s\n", script, errOutput)
	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(debugSystem, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("extract: debug script: %w", err)
	}
	text := strings.TrimSpace(result.Text())
	text = strings.TrimPrefix(text, "```r")
	text = strings.TrimPrefix(text, "```R")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if text == "" {
		return "", fmt.Errorf("extract: debug script: empty response")
	}
	return strings.TrimSpace(text), nil
}

const answerSystem = `You answer follow-up questions about a completed
meta-analysis using the structured result summary provided. Answer in the
user's language, briefly, without inventing numbers.`

// Answer responds to a free-form post-analysis question.
func (g *GeminiExtractor) Answer(ctx context.Context, question, resultContext string, history []models.HistoryEntry) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Result summary:\n%s\n\n", resultContext)
	for _, h := range tail(history, 10) {
		fmt.Fprintf(&sb, "[%s] %s\n", h.Role, h.Content)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\n", question)

	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(sb.String()), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(answerSystem, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("extract: answer: %w", err)
	}
	return strings.TrimSpace(result.Text()), nil
}

// generateJSON runs one JSON-mode generation and returns the raw text.
func (g *GeminiExtractor) generateJSON(ctx context.Context, system, prompt string) (string, error) {
	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("extract: generate: %w", err)
	}
	return strings.TrimSpace(result.Text()), nil
}

func tail(entries []models.HistoryEntry, n int) []models.HistoryEntry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
