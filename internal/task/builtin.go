package task

import (
	"context"
	"fmt"

	"github.com/Amsterdam/bag-services/internal/logging"
	"github.com/Amsterdam/bag-services/internal/record"
)

// FlushName is the name of the terminal flush task.
const FlushName = "flush"

type flushTask struct{}

// Flush returns the terminal task that writes all staged records to the store.
func Flush() Task { return &flushTask{} }

func (*flushTask) Name() string { return FlushName }

func (*flushTask) Run(ctx context.Context, env *Env) error {
	staged := env.Cache.Stats()
	for _, s := range staged {
		logging.FromContext(ctx).Info("flushing", "entity_type", s.Type, "creates", s.Creates, "merges", s.Merges)
	}

	stats, err := env.Cache.Flush(ctx)
	env.report.Flush = stats
	if err != nil {
		return err
	}
	for _, m := range stats.Missing {
		env.record(Message{
			Level: LevelWarning,
			Task:  FlushName,
			Text:  fmt.Sprintf("update of %s %q matched no record", m.Type, m.ID),
		})
	}
	logging.FromContext(ctx).Info("flush complete",
		"created", stats.Created(),
		"merged", stats.Merged(),
		"missing", len(stats.Missing),
		"duration", stats.Duration,
	)
	return nil
}

type deleteAllTask struct {
	name  string
	types []string
}

// DeleteAll returns a task that removes every persisted record of the given entity
// types, children before parents. Without types it clears every type of the catalog
// marked ReplaceEachRun.
func DeleteAll(name string, types ...string) Task {
	return &deleteAllTask{name: name, types: types}
}

func (t *deleteAllTask) Name() string { return t.name }

func (t *deleteAllTask) Run(ctx context.Context, env *Env) error {
	want := make(map[string]bool, len(t.types))
	for _, name := range t.types {
		if _, ok := env.Catalog().Lookup(name); !ok {
			return fmt.Errorf("delete: unknown entity type %q", name)
		}
		want[name] = true
	}

	var targets []*record.EntityType
	for _, et := range env.Catalog().DeleteOrder() {
		if want[et.Name] || (len(want) == 0 && et.ReplaceEachRun) {
			targets = append(targets, et)
		}
	}

	for _, et := range targets {
		n, err := env.DeleteAll(ctx, et.Name)
		if err != nil {
			return err
		}
		env.Info(ctx, "deleted %d records of %s", n, et.Name)
	}
	return nil
}

type funcTask struct {
	name string
	fn   func(ctx context.Context, env *Env) error
}

// Func wraps a function as a one-shot task.
func Func(name string, fn func(ctx context.Context, env *Env) error) Task {
	return &funcTask{name: name, fn: fn}
}

func (t *funcTask) Name() string { return t.name }

func (t *funcTask) Run(ctx context.Context, env *Env) error { return t.fn(ctx, env) }
