package pipeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

const SchemaV1 = "slurmflow.pipeline.v1"

type specFile struct {
	Schema    string      `yaml:"schema"`
	Name      string      `yaml:"name"`
	Resources resources   `yaml:"resources"`
	Logs      logs        `yaml:"logs"`
	Env       string      `yaml:"environment,omitempty"`
	WorkDir   string      `yaml:"workdir,omitempty"`
	Stages    []stageFile `yaml:"stages"`
}

type resources struct {
	Nodes       int    `yaml:"nodes"`
	Tasks       int    `yaml:"tasks"`
	CPUsPerTask int    `yaml:"cpus_per_task"`
	MemPerCPU   string `yaml:"mem_per_cpu"`
	TimeLimit   string `yaml:"time_limit"`
	Partition   string `yaml:"partition"`
	QOS         string `yaml:"qos,omitempty"`
	Array       string `yaml:"array,omitempty"`
}

type logs struct {
	Stdout string `yaml:"stdout"`
	Stderr string `yaml:"stderr"`
}

type stageFile struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`
}

// ParseSpec decodes a pipeline document into a JobSpec. Stages default to
// enabled unless toggled off explicitly.
func ParseSpec(input []byte) (domain.JobSpec, error) {
	var file specFile
	if err := yaml.Unmarshal(input, &file); err != nil {
		return domain.JobSpec{}, fmt.Errorf("decode pipeline: %w", err)
	}
	if strings.TrimSpace(file.Schema) != SchemaV1 {
		return domain.JobSpec{}, fmt.Errorf("schema must be %q", SchemaV1)
	}

	var timeLimit time.Duration
	if raw := strings.TrimSpace(file.Resources.TimeLimit); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return domain.JobSpec{}, fmt.Errorf("parse time_limit: %w", err)
		}
		timeLimit = d
	}

	spec := domain.JobSpec{
		SchemaVersion: file.Schema,
		Name:          strings.TrimSpace(file.Name),
		Nodes:         file.Resources.Nodes,
		Tasks:         file.Resources.Tasks,
		CPUsPerTask:   file.Resources.CPUsPerTask,
		MemPerCPU:     strings.TrimSpace(file.Resources.MemPerCPU),
		TimeLimit:     timeLimit,
		Partition:     strings.TrimSpace(file.Resources.Partition),
		QOS:           strings.TrimSpace(file.Resources.QOS),
		ArrayRange:    strings.TrimSpace(file.Resources.Array),
		StdoutPath:    strings.TrimSpace(file.Logs.Stdout),
		StderrPath:    strings.TrimSpace(file.Logs.Stderr),
		Environment:   strings.TrimSpace(file.Env),
		WorkDir:       strings.TrimSpace(file.WorkDir),
	}

	spec.Stages = make([]domain.Stage, 0, len(file.Stages))
	for _, s := range file.Stages {
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		spec.Stages = append(spec.Stages, domain.Stage{
			Name:    strings.TrimSpace(s.Name),
			Command: strings.TrimSpace(s.Command),
			Args:    s.Args,
			Enabled: enabled,
			Outputs: s.Outputs,
		})
	}

	if err := spec.ValidateBasicShape(); err != nil {
		return domain.JobSpec{}, err
	}
	return spec, nil
}

// LoadFile reads and parses a pipeline file from disk.
func LoadFile(path string) (domain.JobSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.JobSpec{}, fmt.Errorf("read pipeline file: %w", err)
	}
	return ParseSpec(raw)
}
