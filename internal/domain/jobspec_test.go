package domain

import (
	"testing"
	"time"
)

func TestArraySpan(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "", want: 1},
		{in: "1", want: 1},
		{in: "1-10", want: 10},
		{in: "0-9", want: 10},
		{in: "0-9%4", want: 10},
		{in: "1,3,5", want: 3},
		{in: "1-3,7-8", want: 5},
		{in: "10-1", wantErr: true},
		{in: "a-b", wantErr: true},
		{in: "-3", wantErr: true},
		{in: "%4", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ArraySpan(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ArraySpan(%q): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ArraySpan(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ArraySpan(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestArrayIndices(t *testing.T) {
	cases := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "3", want: []int{3}},
		{in: "1-4", want: []int{1, 2, 3, 4}},
		{in: "0-2%2", want: []int{0, 1, 2}},
		{in: "1,3,5", want: []int{1, 3, 5}},
		{in: "1-2,7", want: []int{1, 2, 7}},
		{in: "4-1", wantErr: true},
		{in: "%2", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ArrayIndices(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ArrayIndices(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ArrayIndices(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("ArrayIndices(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ArrayIndices(%q) = %v, want %v", tc.in, got, tc.want)
				break
			}
		}
	}
}

func TestValidateBasicShape(t *testing.T) {
	valid := JobSpec{
		SchemaVersion: "slurmflow.pipeline.v1",
		Name:          "pannagram-chr5",
		Partition:     "cpu",
		TimeLimit:     24 * time.Hour,
		Stages: []Stage{
			{Name: "align", Command: "pannagram", Enabled: true},
		},
	}
	if err := valid.ValidateBasicShape(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missingName := valid
	missingName.Name = " "
	if err := missingName.ValidateBasicShape(); err == nil {
		t.Fatal("expected error for missing name")
	}

	noStages := valid
	noStages.Stages = nil
	if err := noStages.ValidateBasicShape(); err == nil {
		t.Fatal("expected error for empty stages")
	}

	blankCommand := valid
	blankCommand.Stages = []Stage{{Name: "align", Command: ""}}
	if err := blankCommand.ValidateBasicShape(); err == nil {
		t.Fatal("expected error for blank stage command")
	}
}

func TestEnabledStages(t *testing.T) {
	spec := JobSpec{
		Stages: []Stage{
			{Name: "align", Command: "pannagram", Enabled: false},
			{Name: "features", Command: "features", Enabled: true},
		},
	}
	got := spec.EnabledStages()
	if len(got) != 1 || got[0].Name != "features" {
		t.Fatalf("expected only the enabled stage, got %+v", got)
	}
}

func TestSubmissionStatusTerminal(t *testing.T) {
	terminal := []SubmissionStatus{StatusSucceeded, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []SubmissionStatus{StatusPending, StatusSubmitted, StatusRunning} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
