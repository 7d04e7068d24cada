package models

import "fmt"

// StateKind identifies the dialog phase of a thread.
type StateKind string

const (
	StateWaitingFile      StateKind = "waiting_for_file"
	StateProcessingFile   StateKind = "processing_file"
	StateCollectingParams StateKind = "collecting_params"
	StateAnalysisRunning  StateKind = "analysis_running"
	StatePostAnalysis     StateKind = "post_analysis"
)

// PostOutcome records how an analysis cycle ended.
type PostOutcome string

const (
	OutcomeReady   PostOutcome = "ready_for_questions"
	OutcomeError   PostOutcome = "error_occurred"
	OutcomeTimeout PostOutcome = "timeout"
)

// DialogState is a tagged union over the dialog phases. Exactly the payload
// valid for the current Kind is non-zero; the constructors below are the only
// sanctioned way to build one. At most one file job and one analysis job can
// be active per thread because each lives in a single state slot.
type DialogState struct {
	Kind StateKind `json:"kind"`

	// FileJobID is set while Kind == StateProcessingFile.
	FileJobID string `json:"file_job_id,omitempty"`

	// Params is set while Kind == StateCollectingParams.
	Params *CollectedParameters `json:"params,omitempty"`

	// AnalysisJobID is set while Kind == StateAnalysisRunning.
	AnalysisJobID string `json:"analysis_job_id,omitempty"`

	// Outcome is set while Kind == StatePostAnalysis.
	Outcome PostOutcome `json:"outcome,omitempty"`
}

// WaitingFile is the initial state: no file received yet.
func WaitingFile() DialogState {
	return DialogState{Kind: StateWaitingFile}
}

// ProcessingFile records the active file-analysis job.
func ProcessingFile(jobID string) DialogState {
	return DialogState{Kind: StateProcessingFile, FileJobID: jobID}
}

// CollectingParams enters parameter collection with the given sub-state.
func CollectingParams(params *CollectedParameters) DialogState {
	return DialogState{Kind: StateCollectingParams, Params: params}
}

// AnalysisRunning records the active statistical job.
func AnalysisRunning(jobID string) DialogState {
	return DialogState{Kind: StateAnalysisRunning, AnalysisJobID: jobID}
}

// PostAnalysis is terminal per analysis cycle; a new file restarts the cycle.
func PostAnalysis(outcome PostOutcome) DialogState {
	return DialogState{Kind: StatePostAnalysis, Outcome: outcome}
}

// Validate checks the kind/payload consistency invariant.
func (s DialogState) Validate() error {
	switch s.Kind {
	case StateWaitingFile:
		if s.FileJobID != "" || s.Params != nil || s.AnalysisJobID != "" {
			return fmt.Errorf("models: waiting_for_file state carries a payload")
		}
	case StateProcessingFile:
		if s.FileJobID == "" {
			return fmt.Errorf("models: processing_file state without a job ID")
		}
	case StateCollectingParams:
		if s.Params == nil {
			return fmt.Errorf("models: collecting_params state without parameters")
		}
	case StateAnalysisRunning:
		if s.AnalysisJobID == "" {
			return fmt.Errorf("models: analysis_running state without a job ID")
		}
	case StatePostAnalysis:
		if s.Outcome == "" {
			return fmt.Errorf("models: post_analysis state without an outcome")
		}
	default:
		return fmt.Errorf("models: unknown dialog state %q", s.Kind)
	}
	return nil
}
