package domain

// Stage is one external command invocation within a pipeline. Stages execute
// strictly in declared order inside a single allocation; a stage's inputs may
// reference a prior stage's outputs by path convention only.
type Stage struct {
	Name    string
	Command string
	Args    []string
	Enabled bool
	Outputs []string
}

// CommandLine returns the command followed by its arguments, unmodified.
// Flag semantics belong to the external tool; the submitter only assembles
// and passes them through.
func (s Stage) CommandLine() []string {
	out := make([]string, 0, len(s.Args)+1)
	out = append(out, s.Command)
	out = append(out, s.Args...)
	return out
}
