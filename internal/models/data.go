package models

// ColumnStats summarizes one CSV column over the sampled rows.
type ColumnStats struct {
	Distinct map[string]int `json:"distinct,omitempty"`
	Numeric  bool           `json:"numeric,omitempty"`
}

// FileSummary is the structured result of parsing an uploaded CSV.
type FileSummary struct {
	Columns    []string               `json:"columns"`
	RowCount   int                    `json:"row_count"`
	SampleRows [][]string             `json:"sample_rows,omitempty"`
	Stats      map[string]ColumnStats `json:"stats,omitempty"`
}

// DataState holds the outcome of file intake for a thread: the parsed
// summary, the suitability verdict, and the roles/candidates detected by
// the column-mapping call.
type DataState struct {
	FileName string `json:"file_name"`
	CSVPath  string `json:"csv_path"`

	Summary  *FileSummary `json:"summary,omitempty"`
	Suitable bool         `json:"suitable"`
	Reason   string       `json:"reason,omitempty"`

	// Auto-detected analysis hints from the column-mapping call.
	DetectedEffectSize string            `json:"detected_effect_size,omitempty"`
	DetectedLog        bool              `json:"detected_log,omitempty"`
	DetectedFormat     string            `json:"detected_format,omitempty"`
	DetectedColumns    map[string]string `json:"detected_columns,omitempty"`

	SubgroupCandidates  []string `json:"subgroup_candidates,omitempty"`
	ModeratorCandidates []string `json:"moderator_candidates,omitempty"`
}

// AnalysisStage tracks progress of the statistical run.
type AnalysisStage string

const (
	StagePending   AnalysisStage = "pending"
	StageRunning   AnalysisStage = "running"
	StageCompleted AnalysisStage = "completed"
	StageFailed    AnalysisStage = "failed"
)

// AnalysisResult is the terminal payload of a statistical job.
type AnalysisResult struct {
	Success    bool              `json:"success"`
	Summary    string            `json:"summary,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"` // name → path
	ScriptPath string            `json:"script_path,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// AnalysisState records the chosen preferences and the result of the
// current analysis cycle.
type AnalysisState struct {
	Preferences *CollectedParameters `json:"preferences,omitempty"`
	Stage       AnalysisStage        `json:"stage,omitempty"`
	Result      *AnalysisResult      `json:"result,omitempty"`
}
