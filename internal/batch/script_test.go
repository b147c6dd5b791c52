package batch

import (
	"strings"
	"testing"
	"time"

	"github.com/popgenlabs/slurmflow/internal/domain"
)

func sampleSpec() domain.JobSpec {
	return domain.JobSpec{
		SchemaVersion: "slurmflow.pipeline.v1",
		Name:          "pannagram-chr5",
		Nodes:         1,
		Tasks:         1,
		CPUsPerTask:   16,
		MemPerCPU:     "10G",
		TimeLimit:     48 * time.Hour,
		Partition:     "cpu",
		QOS:           "long",
		ArrayRange:    "1-5",
		StdoutPath:    "logs/pannagram_%A_%a.out",
		StderrPath:    "logs/pannagram_%A_%a.err",
		Environment:   "pannagram_env",
		Stages: []domain.Stage{
			{Name: "align", Command: "pannagram", Args: []string{"-path_in", "genomes/", "-path_out", "aln/"}, Enabled: false},
			{Name: "features", Command: "features", Args: []string{"-path_in", "aln/", "-nchr", "5"}, Enabled: true},
		},
	}
}

func TestRenderInlineScript(t *testing.T) {
	script := Render(sampleSpec(), RenderOptions{})

	for _, want := range []string{
		"#!/bin/bash",
		"#SBATCH --job-name=pannagram-chr5",
		"#SBATCH --nodes=1",
		"#SBATCH --cpus-per-task=16",
		"#SBATCH --mem-per-cpu=10G",
		"#SBATCH --time=2-00:00:00",
		"#SBATCH --partition=cpu",
		"#SBATCH --qos=long",
		"#SBATCH --array=1-5",
		"#SBATCH --output=logs/pannagram_%A_%a.out",
		"#SBATCH --error=logs/pannagram_%A_%a.err",
		"source activate pannagram_env || exit 1",
		"features -path_in aln/ -nchr 5 || exit $?",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q\n%s", want, script)
		}
	}

	if strings.Contains(script, "pannagram -path_in genomes/") {
		t.Error("disabled stage must not be rendered")
	}
}

func TestRenderDelegatesToExec(t *testing.T) {
	spec := sampleSpec()
	script := Render(spec, RenderOptions{SelfExec: "/usr/local/bin/slurmflow", SpecPath: "pipelines/chr5.yaml"})
	if !strings.Contains(script, "/usr/local/bin/slurmflow exec --environment pannagram_env pipelines/chr5.yaml") {
		t.Fatalf("expected exec delegation line, got\n%s", script)
	}
	if strings.Contains(script, "features -path_in") {
		t.Error("delegated script must not inline stage commands")
	}
}

func TestRenderDelegationCarriesReportFlags(t *testing.T) {
	spec := sampleSpec()
	script := Render(spec, RenderOptions{
		SelfExec:     "/usr/local/bin/slurmflow",
		SpecPath:     "pipelines/chr5.yaml",
		ReportURL:    "http://head-node:8080",
		SubmissionID: "sub-42",
	})
	want := "exec --environment pannagram_env --report-url http://head-node:8080 --submission-id sub-42 pipelines/chr5.yaml"
	if !strings.Contains(script, want) {
		t.Fatalf("expected report flags in delegation line, got\n%s", script)
	}

	// One of the two report options alone must not render a half flag pair.
	script = Render(spec, RenderOptions{SelfExec: "/usr/local/bin/slurmflow", ReportURL: "http://head-node:8080"})
	if strings.Contains(script, "--report-url") {
		t.Fatalf("report flags rendered without a submission id\n%s", script)
	}
}

func TestRenderOmitsOptionalDirectives(t *testing.T) {
	spec := sampleSpec()
	spec.QOS = ""
	spec.ArrayRange = ""
	script := Render(spec, RenderOptions{})
	if strings.Contains(script, "--qos") || strings.Contains(script, "--array") {
		t.Fatalf("optional directives rendered for empty fields\n%s", script)
	}
}

func TestFormatTimeLimit(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Minute, "00:30:00"},
		{24 * time.Hour, "1-00:00:00"},
		{36*time.Hour + 15*time.Minute, "1-12:15:00"},
		{90 * time.Second, "00:01:30"},
	}
	for _, tc := range cases {
		if got := FormatTimeLimit(tc.in); got != tc.want {
			t.Errorf("FormatTimeLimit(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseJobID(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "Submitted batch job 123456\n", want: 123456},
		{in: "123456", want: 123456},
		{in: "123456;cluster-a", want: 123456},
		{in: "sbatch: error: invalid partition", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseJobID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseJobID(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseJobID(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseJobID(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
