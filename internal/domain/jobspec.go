package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobSpec describes one scheduler allocation and the ordered stages it runs.
// A JobSpec is built once from a pipeline file and is immutable after submission.
type JobSpec struct {
	SchemaVersion string
	Name          string
	Nodes         int
	Tasks         int
	CPUsPerTask   int
	MemPerCPU     string
	TimeLimit     time.Duration
	Partition     string
	QOS           string
	ArrayRange    string
	StdoutPath    string
	StderrPath    string
	Environment   string
	WorkDir       string
	Stages        []Stage
}

// EnabledStages returns the stages that are toggled on, in declared order.
func (s JobSpec) EnabledStages() []Stage {
	out := make([]Stage, 0, len(s.Stages))
	for _, stage := range s.Stages {
		if stage.Enabled {
			out = append(out, stage)
		}
	}
	return out
}

// ValidateBasicShape performs lightweight structural checks. Full range and
// placeholder validation lives in the specvalidator package.
func (s JobSpec) ValidateBasicShape() error {
	if strings.TrimSpace(s.SchemaVersion) == "" {
		return errors.New("schema is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(s.Partition) == "" {
		return errors.New("partition is required")
	}
	if len(s.Stages) == 0 {
		return errors.New("stages must contain at least one stage")
	}
	for i, stage := range s.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			return fmt.Errorf("stage[%d] name is required", i)
		}
		if strings.TrimSpace(stage.Command) == "" {
			return fmt.Errorf("stage[%d] command is required", i)
		}
	}
	return nil
}

// ArraySpan parses a scheduler array range ("1", "1-10", "0-9%4") and returns
// the number of task indices it spans. An empty range means a single task.
func ArraySpan(arrayRange string) (int, error) {
	if strings.TrimSpace(arrayRange) == "" {
		return 1, nil
	}
	indices, err := ArrayIndices(arrayRange)
	if err != nil {
		return 0, err
	}
	return len(indices), nil
}

// ArrayIndices expands an array range into its concrete task indices, in
// declared order. A throttle suffix ("%4") limits concurrency, not
// membership, and is ignored. An empty range yields nil: the job is a single
// unindexed task.
func ArrayIndices(arrayRange string) ([]int, error) {
	r := strings.TrimSpace(arrayRange)
	if r == "" {
		return nil, nil
	}
	if i := strings.IndexByte(r, '%'); i >= 0 {
		r = r[:i]
	}
	if r == "" {
		return nil, fmt.Errorf("malformed array range %q", arrayRange)
	}

	var indices []int
	for _, part := range strings.Split(r, ",") {
		lo, hi, found := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || start < 0 {
			return nil, fmt.Errorf("malformed array range %q", arrayRange)
		}
		if !found {
			indices = append(indices, start)
			continue
		}
		end, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil || end < start {
			return nil, fmt.Errorf("malformed array range %q", arrayRange)
		}
		for idx := start; idx <= end; idx++ {
			indices = append(indices, idx)
		}
	}
	return indices, nil
}
