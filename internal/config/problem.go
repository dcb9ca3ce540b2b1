package config

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ProblemKind classifies a configuration problem.
type ProblemKind string

const (
	MissingKey         ProblemKind = "missing_key"
	InvalidValue       ProblemKind = "invalid_value"
	UnmetDependency    ProblemKind = "unmet_dependency"
	IncompatibleValues ProblemKind = "incompatible_values"
	UnexpectedKey      ProblemKind = "unexpected_key"
	// SkippedTest means a dependency check could not run because a value it
	// depends on is itself invalid.
	SkippedTest ProblemKind = "skipped_test"
)

// Problem is one finding about a configuration section.
type Problem struct {
	Section string
	Kind    ProblemKind
	Key     string
	Message string
}

func (p *Problem) Error() string {
	msg := string(p.Kind)
	if p.Section != "" {
		msg = fmt.Sprintf("[%s] %s", p.Section, msg)
	}
	if p.Key != "" {
		msg += fmt.Sprintf(" %q", p.Key)
	}
	if p.Message != "" {
		msg += ": " + p.Message
	}
	return msg
}

// Problems extracts every *Problem from err, which is typically a
// *multierror.Error returned by a decode or check function.
func Problems(err error) []*Problem {
	if err == nil {
		return nil
	}

	var merr *multierror.Error
	if errors.As(err, &merr) {
		var out []*Problem
		for _, e := range merr.Errors {
			out = append(out, Problems(e)...)
		}
		return out
	}

	var p *Problem
	if errors.As(err, &p) {
		return []*Problem{p}
	}
	return nil
}

// problemList accumulates problems for one section.
type problemList struct {
	section string
	err     *multierror.Error
}

func (l *problemList) add(kind ProblemKind, key, format string, args ...any) {
	l.err = multierror.Append(l.err, &Problem{
		Section: l.section,
		Kind:    kind,
		Key:     key,
		Message: fmt.Sprintf(format, args...),
	})
}

func (l *problemList) empty() bool {
	return l.err == nil || len(l.err.Errors) == 0
}

func (l *problemList) errorOrNil() error {
	if l.err == nil {
		return nil
	}
	l.err.ErrorFormat = formatProblems
	return l.err.ErrorOrNil()
}

func formatProblems(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	msg := fmt.Sprintf("%d configuration problems:", len(errs))
	for _, err := range errs {
		msg += "\n  * " + err.Error()
	}
	return msg
}
