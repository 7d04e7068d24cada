// Package extract wraps the generative-AI service behind a small interface.
// The dialog engine treats every call as a black box that returns structured
// data or nothing; "nothing" means no new information, not an error.
package extract

import (
	"context"

	"github.com/srws-psg/meta-analysis-bot/internal/models"
)

// ExtractInput carries one user turn plus the context the model needs to
// pull parameter values out of free text.
type ExtractInput struct {
	UserText    string
	Summary     *models.FileSummary
	History     []models.HistoryEntry
	Collected   *models.CollectedParameters
	LastBotText string
}

// ColumnMapping is the result of the once-per-file column-role call: the
// suitability verdict plus everything the service could auto-detect.
type ColumnMapping struct {
	Suitable bool   `json:"is_suitable"`
	Reason   string `json:"reason,omitempty"`

	EffectSize     string            `json:"effect_size,omitempty"`
	LogTransformed bool              `json:"log_transformed,omitempty"`
	DataFormat     string            `json:"data_format,omitempty"`
	Columns        map[string]string `json:"columns,omitempty"` // role → csv column

	SubgroupCandidates  []string `json:"subgroup_candidates,omitempty"`
	ModeratorCandidates []string `json:"moderator_candidates,omitempty"`
}

// Extractor is the boundary to the generative service. Implementations must
// return (nil, nil) when the model produced no usable structure; errors are
// reserved for transport failures the caller may want to log.
type Extractor interface {
	// ExtractParameters pulls analysis parameters out of one user turn.
	ExtractParameters(ctx context.Context, in ExtractInput) (*models.ExtractedParams, error)

	// MapColumns analyzes CSV structure: suitability, effect size, roles,
	// and candidate subgroup/moderator columns. Called once per file.
	MapColumns(ctx context.Context, columns []string, sample [][]string) (*ColumnMapping, error)

	// DebugScript asks the service to repair a failed analysis script given
	// the interpreter's error output. Returns the regenerated script.
	DebugScript(ctx context.Context, script, errOutput string) (string, error)

	// Answer handles free-form post-analysis questions grounded on the
	// structured result summary.
	Answer(ctx context.Context, question, resultContext string, history []models.HistoryEntry) (string, error)
}
