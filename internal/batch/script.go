// Package batch renders sbatch submission scripts from job specs and parses
// the scheduler's submission acknowledgement.
package batch

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

// RenderOptions controls the body of the generated script. When SelfExec is
// set the script delegates stage execution to `<SelfExec> exec <SpecPath>` so
// fail-fast ordering is owned by the stage runner; otherwise the stage command
// lines are inlined with explicit exit-code propagation. ReportURL and
// SubmissionID, when both set in delegation mode, make exec post per-stage
// outcomes back to the submission service.
type RenderOptions struct {
	SelfExec     string
	SpecPath     string
	ReportURL    string
	SubmissionID string
}

func Head(spec domain.JobSpec) []string {
	lines := []string{
		"#!/bin/bash",
		"#SBATCH --job-name=" + spec.Name,
		fmt.Sprintf("#SBATCH --nodes=%d", spec.Nodes),
		fmt.Sprintf("#SBATCH --ntasks=%d", spec.Tasks),
		fmt.Sprintf("#SBATCH --cpus-per-task=%d", spec.CPUsPerTask),
		"#SBATCH --mem-per-cpu=" + spec.MemPerCPU,
		"#SBATCH --time=" + FormatTimeLimit(spec.TimeLimit),
		"#SBATCH --partition=" + spec.Partition,
	}
	if spec.QOS != "" {
		lines = append(lines, "#SBATCH --qos="+spec.QOS)
	}
	if spec.ArrayRange != "" {
		lines = append(lines, "#SBATCH --array="+spec.ArrayRange)
	}
	lines = append(lines,
		"#SBATCH --output="+spec.StdoutPath,
		"#SBATCH --error="+spec.StderrPath,
	)
	return lines
}

func Body(spec domain.JobSpec, opts RenderOptions) []string {
	lines := []string{""}
	if spec.WorkDir != "" {
		lines = append(lines, "cd "+spec.WorkDir+" || exit 1")
	}

	if opts.SelfExec != "" {
		specPath := opts.SpecPath
		if specPath == "" {
			specPath = "pipeline.yaml"
		}
		cmd := opts.SelfExec + " exec"
		if spec.Environment != "" {
			cmd += " --environment " + spec.Environment
		}
		if opts.ReportURL != "" && opts.SubmissionID != "" {
			cmd += " --report-url " + opts.ReportURL + " --submission-id " + opts.SubmissionID
		}
		lines = append(lines, cmd+" "+specPath)
		return lines
	}

	if spec.Environment != "" {
		lines = append(lines, "source activate "+spec.Environment+" || exit 1")
	}
	for _, stage := range spec.EnabledStages() {
		lines = append(lines, strings.Join(stage.CommandLine(), " ")+" || exit $?")
	}
	return lines
}

func Foot() []string {
	return []string{"", "exit 0"}
}

// Render assembles the full submission script.
func Render(spec domain.JobSpec, opts RenderOptions) string {
	lines := make([]string, 0)
	lines = append(lines, Head(spec)...)
	lines = append(lines, Body(spec, opts)...)
	lines = append(lines, Foot()...)
	return strings.Join(lines, "\n") + "\n"
}

// WriteScript writes the rendered script to path with execute permission.
func WriteScript(path string, spec domain.JobSpec, opts RenderOptions) error {
	if err := os.WriteFile(path, []byte(Render(spec, opts)), 0o755); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	return nil
}

// FormatTimeLimit converts a duration to the scheduler's D-HH:MM:SS form.
func FormatTimeLimit(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if days > 0 {
		return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

var submittedJob = regexp.MustCompile(`Submitted batch job (\d+)`)

// ParseJobID extracts the job id from sbatch output. Handles both the human
// form ("Submitted batch job 12345") and --parsable output ("12345" or
// "12345;cluster").
func ParseJobID(out string) (int64, error) {
	out = strings.TrimSpace(out)
	if m := submittedJob.FindStringSubmatch(out); m != nil {
		return strconv.ParseInt(m[1], 10, 64)
	}
	head, _, _ := strings.Cut(out, ";")
	id, err := strconv.ParseInt(strings.TrimSpace(head), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized sbatch output %q", out)
	}
	return id, nil
}
