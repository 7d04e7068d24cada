package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/srws-psg/meta-analysis-bot/internal/extract"
	"github.com/srws-psg/meta-analysis-bot/internal/models"
)

const (
	// runTimeout is the generous per-attempt timeout for the R process.
	runTimeout = 10 * time.Minute
	// maxRepairAttempts bounds the automatic script-repair retries.
	maxRepairAttempts = 2
)

// Runner executes rendered R scripts with automatic repair retries.
type Runner struct {
	rscript   string
	extractor extract.Extractor
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	RscriptPath string // defaults to "Rscript" on PATH
	Extractor   extract.Extractor
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.Extractor == nil {
		return nil, fmt.Errorf("analysis: extractor is required")
	}
	rscript := opts.RscriptPath
	if rscript == "" {
		rscript = "Rscript"
	}
	return &Runner{rscript: rscript, extractor: opts.Extractor}, nil
}

// Run renders the script, executes it, and retries with a regenerated
// script when R fails. A missing Rscript binary is fatal for the job and
// never retried.
func (r *Runner) Run(ctx context.Context, prefs *models.CollectedParameters, csvPath, outDir string) (*models.AnalysisResult, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("analysis: create output dir: %w", err)
	}
	script, err := RenderScript(prefs, csvPath, outDir)
	if err != nil {
		return nil, err
	}

	scriptPath := filepath.Join(outDir, "analysis.R")
	var lastErr string
	for attempt := 0; attempt <= maxRepairAttempts; attempt++ {
		if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
			return nil, fmt.Errorf("analysis: write script: %w", err)
		}

		stderr, runErr := r.execute(ctx, scriptPath, outDir)
		if runErr == nil {
			return r.collect(outDir, scriptPath), nil
		}
		if isExecNotFound(runErr) {
			return nil, fmt.Errorf("analysis: %s not found: %w", r.rscript, runErr)
		}
		lastErr = stderr
		if lastErr == "" {
			lastErr = runErr.Error()
		}
		if attempt == maxRepairAttempts {
			break
		}

		log.Printf("analysis: run failed (attempt %d/%d), requesting script repair", attempt+1, maxRepairAttempts+1)
		repaired, repairErr := r.extractor.DebugScript(ctx, script, lastErr)
		if repairErr != nil || repaired == "" {
			log.Printf("analysis: script repair unavailable: %v", repairErr)
			break
		}
		script = repaired
	}

	return &models.AnalysisResult{
		Success:    false,
		ScriptPath: scriptPath,
		Error:      lastErr,
	}, nil
}

// execute runs one R attempt and returns captured stderr on failure.
func (r *Runner) execute(ctx context.Context, scriptPath, dir string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.rscript, scriptPath)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Keep the console log for the failure report.
		logPath := filepath.Join(dir, "r_console.log")
		if werr := os.WriteFile(logPath, append(stdout.Bytes(), stderr.Bytes()...), 0o644); werr != nil {
			log.Printf("analysis: write console log: %v", werr)
		}
		return stderr.String(), err
	}
	return "", nil
}

// collect gathers the artifacts a successful run produced.
func (r *Runner) collect(outDir, scriptPath string) *models.AnalysisResult {
	result := &models.AnalysisResult{
		Success:    true,
		ScriptPath: scriptPath,
		Artifacts:  make(map[string]string),
	}
	for _, name := range []string{"forest_plot.png", "funnel_plot.png", "result.RData", "summary.json"} {
		path := filepath.Join(outDir, name)
		if _, err := os.Stat(path); err == nil {
			result.Artifacts[name] = path
		}
	}
	if raw, err := os.ReadFile(filepath.Join(outDir, "summary.json")); err == nil {
		result.Summary = string(raw)
	}
	return result
}

func isExecNotFound(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound)
}
