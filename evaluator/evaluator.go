package evaluator

import (
	"errors"
	"strings"
)

// Verdict is the outcome of one test case.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictWrongAnswer  Verdict = "wrong_answer"
	VerdictRuntimeError Verdict = "runtime_error"
	VerdictTimeout      Verdict = "timeout"
)

// ErrNoTestCases is returned when a score is requested for zero test cases.
var ErrNoTestCases = errors.New("at least one test case is required")

// Normalization controls how actual and expected outputs are compared.
type Normalization struct {
	TrimSpace  bool `json:"trim_space" yaml:"trim_space"`
	IgnoreCase bool `json:"ignore_case" yaml:"ignore_case"`
}

// DefaultNormalization trims surrounding whitespace and compares case-sensitively.
var DefaultNormalization = Normalization{TrimSpace: true}

// TestCase is one input with its expected output.
type TestCase struct {
	Input          string         `json:"input"`
	ExpectedOutput string         `json:"expected_output"`
	Normalization  *Normalization `json:"normalization,omitempty"`
}

// Actual is what a run produced.
type Actual struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Evaluate classifies a run. Timeout wins over everything, then a non-zero exit or any
// stderr output is a runtime error; only then are outputs compared.
func Evaluate(actual Actual, tc TestCase) Verdict {
	switch {
	case actual.TimedOut:
		return VerdictTimeout
	case actual.ExitCode != 0, actual.Stderr != "":
		return VerdictRuntimeError
	}

	norm := DefaultNormalization
	if tc.Normalization != nil {
		norm = *tc.Normalization
	}
	if Normalize(actual.Stdout, norm) == Normalize(tc.ExpectedOutput, norm) {
		return VerdictPass
	}
	return VerdictWrongAnswer
}

// Normalize applies n to s. Line endings are always unified to \n.
func Normalize(s string, n Normalization) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if n.TrimSpace {
		s = strings.TrimSpace(s)
	}
	if n.IgnoreCase {
		s = strings.ToLower(s)
	}
	return s
}

// Score is the aggregate over a request's test cases.
type Score struct {
	Passed int     `json:"passed"`
	Total  int     `json:"total"`
	Value  float64 `json:"score"`
}

// Aggregate computes passed/total.
func Aggregate(verdicts []Verdict) (Score, error) {
	if len(verdicts) == 0 {
		return Score{}, ErrNoTestCases
	}
	passed := 0
	for _, v := range verdicts {
		if v == VerdictPass {
			passed++
		}
	}
	return Score{
		Passed: passed,
		Total:  len(verdicts),
		Value:  float64(passed) / float64(len(verdicts)),
	}, nil
}
