// Package syncer runs the source adapters concurrently, bounds each one with
// a timeout, and reports a result per platform.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

const (
	otelScope      = "peekr/syncer"
	spanSyncAll    = "sync.all"
	spanAdapter    = "sync.adapter"
	metricItems    = "peekr.sync.items"
	metricErrors   = "peekr.sync.errors"
	metricDuration = "peekr.sync.duration"

	DefaultTimeout = 2 * time.Minute
	recordTimeout  = 5 * time.Second
)

// ErrUnknownPlatform is returned by SyncOne for a platform with no adapter.
var ErrUnknownPlatform = errors.New("unknown platform")

// Result is the outcome of one adapter invocation. Err is nil on success.
type Result struct {
	Platform source.Platform
	Count    int
	Err      error
	Duration time.Duration
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Recorder keeps a history of adapter runs.
type Recorder interface {
	RecordSyncRun(ctx context.Context, run store.SyncRun) error
}

// Orchestrator owns the set of adapters. Create one with New.
type Orchestrator struct {
	adapters []source.Adapter
	timeout  time.Duration
	log      *slog.Logger
	recorder Recorder
	now      func() time.Time

	tracer      trace.Tracer
	cntItems    metric.Int64Counter
	cntErrors   metric.Int64Counter
	histSeconds metric.Float64Histogram

	// flight joins concurrent runs of the same platform.
	flight singleflight.Group

	// wg tracks adapter goroutines, including ones abandoned at their deadline.
	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout bounds each adapter invocation.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithRecorder stores a SyncRun after every adapter invocation.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an orchestrator over adapters. Later adapters for an already
// registered platform are ignored.
func New(adapters []source.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		timeout: DefaultTimeout,
		log:     slog.Default(),
		now:     time.Now,
		tracer:  otel.Tracer(otelScope),
	}
	for _, opt := range opts {
		opt(o)
	}

	seen := make(map[source.Platform]bool, len(adapters))
	for _, a := range adapters {
		if a == nil || seen[a.Platform()] {
			continue
		}
		seen[a.Platform()] = true
		o.adapters = append(o.adapters, a)
	}

	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			o.log.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	o.cntItems = mustCounter(metricItems, "Number of items stored by adapters")
	o.cntErrors = mustCounter(metricErrors, "Number of failed adapter invocations")

	hist, err := meter.Float64Histogram(metricDuration,
		metric.WithDescription("Duration of adapter invocations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		o.log.Error("creating OTel histogram", "name", metricDuration, "error", err)
		hist = noop.Float64Histogram{}
	}
	o.histSeconds = hist
	return o
}

// Platforms lists the registered platforms in registration order.
func (o *Orchestrator) Platforms() []source.Platform {
	out := make([]source.Platform, 0, len(o.adapters))
	for _, a := range o.adapters {
		out = append(out, a.Platform())
	}
	return out
}

// SyncAll runs every ready adapter concurrently and returns one result per
// launched adapter. Adapters that are not ready are left out.
func (o *Orchestrator) SyncAll(ctx context.Context) map[source.Platform]Result {
	cycle := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, spanSyncAll, trace.WithAttributes(attribute.String("sync.cycle", cycle)))
	defer span.End()
	log := o.log.With("cycle", cycle)

	results := make(chan Result, len(o.adapters))
	launched := 0
	for _, a := range o.adapters {
		if !a.Ready(ctx) {
			log.Debug("adapter not ready", "platform", a.Platform())
			continue
		}
		launched++
		go func(a source.Adapter) {
			results <- o.join(ctx, a, log)
		}(a)
	}

	out := make(map[source.Platform]Result, launched)
	failed := 0
	for range launched {
		r := <-results
		out[r.Platform] = r
		if !r.OK() {
			failed++
		}
	}

	span.SetAttributes(
		attribute.Int("sync.adapters", launched),
		attribute.Int("sync.failed", failed),
	)
	log.Info("sync cycle finished", "adapters", launched, "failed", failed)
	return out
}

// SyncOne runs the adapter for platform whether or not it reports ready, so
// the caller sees why it cannot sync.
func (o *Orchestrator) SyncOne(ctx context.Context, platform source.Platform) Result {
	for _, a := range o.adapters {
		if a.Platform() == platform {
			return o.join(ctx, a, o.log.With("cycle", uuid.NewString()))
		}
	}
	return Result{Platform: platform, Err: fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)}
}

// Wait blocks until every adapter goroutine has returned, including those
// that outlived their deadline.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// join runs a, or waits for the run of the same platform already in flight
// and returns its result. The joined run keeps the first caller's context.
func (o *Orchestrator) join(ctx context.Context, a source.Adapter, log *slog.Logger) Result {
	v, _, shared := o.flight.Do(string(a.Platform()), func() (any, error) {
		return o.run(ctx, a, log), nil
	})
	if shared {
		log.Debug("joined sync in flight", "platform", a.Platform())
	}
	return v.(Result)
}

func (o *Orchestrator) run(ctx context.Context, a source.Adapter, log *slog.Logger) Result {
	platform := a.Platform()
	ctx, span := o.tracer.Start(ctx, spanAdapter, trace.WithAttributes(attribute.String("sync.platform", string(platform))))
	defer span.End()

	start := o.now()
	actx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan Result, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		n, err := invoke(actx, a)
		done <- Result{Count: n, Err: err}
	}()

	var r Result
	select {
	case r = <-done:
	case <-actx.Done():
		select {
		case r = <-done:
		default:
			r = Result{Err: deadlineError(ctx, platform, o.timeout)}
		}
	}
	r.Platform = platform
	r.Duration = o.now().Sub(start)
	if r.Err != nil {
		r.Count = 0
	}

	o.observe(ctx, span, r, log)
	o.record(ctx, start, r, log)
	return r
}

func deadlineError(parent context.Context, platform source.Platform, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", platform, source.ErrProviderUnreachable, err)
	}
	return fmt.Errorf("%s: %w: timed out after %s", platform, source.ErrProviderUnreachable, timeout)
}

// invoke calls Sync, turning a panic into an error.
func invoke(ctx context.Context, a source.Adapter) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			n, err = 0, fmt.Errorf("%s: adapter panic: %v", a.Platform(), p)
		}
	}()
	return a.Sync(ctx)
}

func (o *Orchestrator) observe(ctx context.Context, span trace.Span, r Result, log *slog.Logger) {
	attrs := metric.WithAttributes(attribute.String("platform", string(r.Platform)))
	o.histSeconds.Record(ctx, r.Duration.Seconds(), attrs)

	span.SetAttributes(attribute.Int("sync.count", r.Count))
	if r.Err != nil {
		kind := source.Kind(r.Err)
		o.cntErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("platform", string(r.Platform)),
			attribute.String("kind", kind),
		))
		span.RecordError(r.Err)
		span.SetStatus(codes.Error, kind)
		log.Warn("adapter failed", "platform", r.Platform, "kind", kind, "error", r.Err, "duration", r.Duration)
		return
	}
	if r.Count > 0 {
		o.cntItems.Add(ctx, int64(r.Count), attrs)
	}
	log.Info("adapter synced", "platform", r.Platform, "count", r.Count, "duration", r.Duration)
}

func (o *Orchestrator) record(ctx context.Context, start time.Time, r Result, log *slog.Logger) {
	if o.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	run := store.SyncRun{
		Platform:  string(r.Platform),
		StartedAt: start,
		Duration:  r.Duration,
		Count:     r.Count,
	}
	if r.Err != nil {
		run.ErrKind = source.Kind(r.Err)
		run.Error = r.Err.Error()
	}
	if err := o.recorder.RecordSyncRun(rctx, run); err != nil {
		log.Warn("record sync run", "platform", r.Platform, "error", err)
	}
}
