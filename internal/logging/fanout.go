package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Output names, as used in Config.Outputs.
const (
	OutputStdout  = "stdout"
	OutputJournal = "journal"
	OutputBuffer  = "buffer"
)

var (
	failuresMu sync.Mutex
	failures   = make(map[string]*atomic.Uint64)
)

// failureCounter returns the process-wide failure counter of an output, so
// counts survive Initialize rebuilding the chain.
func failureCounter(name string) *atomic.Uint64 {
	failuresMu.Lock()
	defer failuresMu.Unlock()
	c, ok := failures[name]
	if !ok {
		c = &atomic.Uint64{}
		failures[name] = c
	}
	return c
}

// OutputFailures returns how many records each output failed to write.
func OutputFailures() map[string]uint64 {
	failuresMu.Lock()
	defer failuresMu.Unlock()
	out := make(map[string]uint64, len(failures))
	for name, c := range failures {
		out[name] = c.Load()
	}
	return out
}

// output is one destination of the chain with its own minimum level. Module
// levels are applied before a record gets here, so an output level can only
// narrow what a destination receives.
type output struct {
	name    string
	handler slog.Handler
	level   slog.Level
	failed  *atomic.Uint64
}

func newOutput(name string, h slog.Handler, level slog.Level) output {
	return output{name: name, handler: h, level: level, failed: failureCounter(name)}
}

func (o output) enabled(ctx context.Context, level slog.Level) bool {
	return level >= o.level && o.handler.Enabled(ctx, level)
}

// fanout writes each record to every output that admits it. A failing output
// does not keep the record from the others.
type fanout struct {
	outputs []output
}

func newFanout(outputs ...output) *fanout {
	return &fanout{outputs: outputs}
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, o := range f.outputs {
		if o.enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, o := range f.outputs {
		if !o.enabled(ctx, r.Level) {
			continue
		}
		if err := o.handler.Handle(ctx, r.Clone()); err != nil {
			o.failed.Add(1)
			errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) derive(fn func(slog.Handler) slog.Handler) *fanout {
	outputs := make([]output, len(f.outputs))
	for i, o := range f.outputs {
		o.handler = fn(o.handler)
		outputs[i] = o
	}
	return &fanout{outputs: outputs}
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *fanout) WithGroup(name string) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}
