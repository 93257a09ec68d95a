// Package task runs import jobs.
//
// A job is an ordered list of tasks sharing one record cache. A task declares its
// capabilities by implementing small interfaces: a [RowTask] processes the rows of a
// source, a [Runnable] does one-shot work, and either may add [BeforeHook] and
// [AfterHook]. Every job ends with a [Flush] task that writes the staged records to
// the durable store.
//
// Row-level problems are reported through [Outcome] values and never abort the job.
// Failures outside the row loop, and explicit [Abort] outcomes, stop the job; tasks
// that already ran are not rolled back.
package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/Amsterdam/bag-services/internal/record"
	"github.com/Amsterdam/bag-services/internal/source"
)

// Task is the unit of work in a job.
type Task interface {
	Name() string
}

// BeforeHook runs before the task's main work.
type BeforeHook interface {
	Before(ctx context.Context, env *Env) error
}

// AfterHook runs after the task's main work completed without a fatal error.
type AfterHook interface {
	After(ctx context.Context, env *Env) error
}

// RowTask processes every row of its source.
type RowTask interface {
	Task
	Source() source.Source
	Process(ctx context.Context, env *Env, row source.Row) Outcome
}

// Binder resolves field handles against the schema of the opened source.
// A missing field is a fatal error for the task.
type Binder interface {
	Bind(schema *source.Schema) error
}

// Runnable performs one-shot work.
type Runnable interface {
	Task
	Run(ctx context.Context, env *Env) error
}

// OutcomeKind classifies the result of processing one row.
type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota
	OutcomeSkipped
	OutcomeError
	OutcomeAbort
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeError:
		return "error"
	case OutcomeAbort:
		return "abort"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of processing one row.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

// Accepted reports a row that produced a create or merge.
func Accepted() Outcome { return Outcome{Kind: OutcomeAccepted} }

// Skipped reports a row that was filtered out on purpose, such as an expired version.
func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }

// SkippedWithError reports a row that was dropped because of bad data. It is logged
// at error level and counted as an error.
func SkippedWithError(reason string) Outcome { return Outcome{Kind: OutcomeError, Reason: reason} }

// Abort stops the job.
func Abort(err error) Outcome {
	if err == nil {
		err = errors.New("aborted")
	}
	return Outcome{Kind: OutcomeAbort, Reason: err.Error(), Err: err}
}

// Job is a named, ordered list of tasks over one catalog of entity types.
type Job struct {
	Name    string
	Catalog *record.Catalog
	Tasks   []Task
}

// Validate checks the task list: non-empty, unique names, terminated by a flush task.
func (j Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job has no name")
	}
	if j.Catalog == nil {
		return fmt.Errorf("job %s has no catalog", j.Name)
	}
	if len(j.Tasks) == 0 {
		return fmt.Errorf("job %s has no tasks", j.Name)
	}
	seen := make(map[string]bool, len(j.Tasks))
	for i, t := range j.Tasks {
		if t == nil {
			return fmt.Errorf("job %s: task %d is nil", j.Name, i)
		}
		if seen[t.Name()] {
			return fmt.Errorf("job %s: duplicate task name %q", j.Name, t.Name())
		}
		seen[t.Name()] = true
		_, isRow := t.(RowTask)
		_, isRun := t.(Runnable)
		if !isRow && !isRun {
			return fmt.Errorf("job %s: task %q has nothing to run", j.Name, t.Name())
		}
	}
	if _, ok := j.Tasks[len(j.Tasks)-1].(*flushTask); !ok {
		return fmt.Errorf("job %s: last task must be a flush task, got %q", j.Name, j.Tasks[len(j.Tasks)-1].Name())
	}
	return nil
}
