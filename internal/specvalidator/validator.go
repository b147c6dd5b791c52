package specvalidator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

var memPerCPU = regexp.MustCompile(`^[0-9]+[KMGT]?$`)

// ValidateJobSpec performs strict validation of a JobSpec before submission.
// A spec that fails here is never handed to the scheduler.
func ValidateJobSpec(spec domain.JobSpec) error {
	issues := &ValidationError{}

	if err := spec.ValidateBasicShape(); err != nil {
		issues.Add(err.Error())
	}

	if spec.Nodes < 1 {
		issues.Add("nodes must be >= 1")
	}
	if spec.Tasks < 1 {
		issues.Add("tasks must be >= 1")
	}
	if spec.CPUsPerTask < 1 {
		issues.Add("cpus_per_task must be >= 1")
	}
	if mem := strings.TrimSpace(spec.MemPerCPU); mem == "" {
		issues.Add("mem_per_cpu is required")
	} else if !memPerCPU.MatchString(mem) {
		issues.Add(fmt.Sprintf("mem_per_cpu %q is malformed (want e.g. 10G)", mem))
	}
	if spec.TimeLimit <= 0 {
		issues.Add("time_limit must be positive")
	}

	span, err := domain.ArraySpan(spec.ArrayRange)
	if err != nil {
		issues.Add(err.Error())
		span = 1
	}

	validateLogPath(issues, "stdout", spec.StdoutPath, span)
	validateLogPath(issues, "stderr", spec.StderrPath, span)

	enabled := 0
	names := make(map[string]struct{}, len(spec.Stages))
	for i, stage := range spec.Stages {
		name := strings.TrimSpace(stage.Name)
		if name != "" {
			if _, exists := names[name]; exists {
				issues.Add(fmt.Sprintf("duplicate stage name %q", name))
			}
			names[name] = struct{}{}
		}
		if strings.TrimSpace(stage.Command) == "" {
			issues.Add(fmt.Sprintf("stage[%d] command is required", i))
		}
		if stage.Enabled {
			enabled++
		}
	}
	if len(spec.Stages) > 0 && enabled == 0 {
		issues.Add("at least one stage must be enabled")
	}

	return issues.OrNil()
}

// validateLogPath enforces the placeholder invariant: concurrent array tasks
// must substitute distinct log paths or their output files collide.
func validateLogPath(issues *ValidationError, kind, path string, arraySpan int) {
	path = strings.TrimSpace(path)
	if path == "" {
		issues.Add(kind + " path is required")
		return
	}
	if arraySpan > 1 {
		if !strings.Contains(path, "%a") {
			issues.Add(fmt.Sprintf("%s path %q must contain the array index placeholder %%a", kind, path))
		}
		return
	}
	if !strings.Contains(path, "%j") && !strings.Contains(path, "%A") && !strings.Contains(path, "%a") {
		issues.Add(fmt.Sprintf("%s path %q must contain a job id placeholder (%%j or %%A)", kind, path))
	}
}
