package task

import (
	"fmt"
	"time"

	"github.com/Amsterdam/bag-services/internal/cache"
	"github.com/Amsterdam/bag-services/internal/resolve"
)

// DefaultMaxMessages is the number of messages a report keeps when the runner sets no limit.
const DefaultMaxMessages = 10000

// Level is the severity of a report message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is a noteworthy event of a run.
type Message struct {
	Level Level
	Task  string
	File  string
	Line  int
	Text  string
}

func (m Message) String() string {
	if m.File != "" {
		return fmt.Sprintf("[%s] %s %s:%d: %s", m.Level, m.Task, m.File, m.Line, m.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", m.Level, m.Task, m.Text)
}

// TaskReport holds the row counters of one task.
//
// Processed counts every row read, including malformed ones. Created counts accepted
// rows. Skipped counts every row that was not accepted; Errors is the subset that was
// dropped because of bad data.
type TaskReport struct {
	Name        string
	Processed   int
	Created     int
	Skipped     int
	Errors      int
	SkipReasons map[string]int
	Duration    time.Duration
}

func (t *TaskReport) skip(reason string) {
	t.Skipped++
	if t.SkipReasons == nil {
		t.SkipReasons = make(map[string]int)
	}
	t.SkipReasons[reason]++
}

// Report is the result of a job run.
type Report struct {
	Job             string
	RunID           string
	Started         time.Time
	Duration        time.Duration
	Tasks           []TaskReport
	Messages        []Message
	DroppedMessages int
	Unresolved      []resolve.Count
	Flush           cache.FlushStats
	Fatal           error
	FailedTask      string

	maxMessages int
}

// OK reports whether the job ran to completion.
func (r *Report) OK() bool { return r.Fatal == nil }

// Task returns the report of the named task.
func (r *Report) Task(name string) (TaskReport, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskReport{}, false
}

// Count returns the number of kept messages at the given level.
func (r *Report) Count(level Level) int {
	n := 0
	for _, m := range r.Messages {
		if m.Level == level {
			n++
		}
	}
	return n
}

// Totals sums the task counters.
func (r *Report) Totals() TaskReport {
	total := TaskReport{Name: r.Job, Duration: r.Duration}
	for _, t := range r.Tasks {
		total.Processed += t.Processed
		total.Created += t.Created
		total.Skipped += t.Skipped
		total.Errors += t.Errors
	}
	return total
}

func (r *Report) add(m Message) {
	limit := r.maxMessages
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	if len(r.Messages) >= limit {
		r.DroppedMessages++
		return
	}
	r.Messages = append(r.Messages, m)
}
