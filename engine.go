package casesync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/theplant/appkit/errornotifier"
	"github.com/theplant/appkit/logtracing"
)

const (
	DefaultChunkDays   = 5
	DefaultOverlapDays = 2
	DefaultPacing      = time.Second
)

// DefaultEpoch is where an empty table starts syncing from.
var DefaultEpoch = time.Date(2022, time.January, 1, 0, 0, 0, 0, time.UTC)

// Config wires one resource's sync run.
type Config struct {
	Resource *Resource
	Source   Source
	Store    Store

	// ChunkDays is the length of each window in days. Defaults to
	// DefaultChunkDays.
	ChunkDays int

	// OverlapDays sizes the boundary overlap: adjacent windows share
	// OverlapDays - 1 days, and the resume point steps OverlapDays back
	// from the last stored timestamp. Defaults to DefaultOverlapDays.
	OverlapDays int

	// Epoch is the earliest date ever synced; an empty table starts here.
	// Defaults to DefaultEpoch.
	Epoch time.Time

	// Location fixes the business-day boundary for window math and the
	// upstream date filter. Defaults to time.UTC.
	Location *time.Location

	// Pacing is the idle delay between consecutive windows, a courtesy to
	// the upstream. Zero means DefaultPacing; negative disables pacing.
	Pacing time.Duration

	// End overrides the upper bound of the run. Zero means yesterday in
	// Location, the newest day guaranteed complete upstream.
	End time.Time

	// Events receives engine milestones. Defaults to NopEvents.
	Events Events

	// Notifier, when set, receives errors worth a human's attention
	// (failed windows, failed schema changes). Optional.
	Notifier errornotifier.Notifier
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.Resource.Validate(); err != nil {
		return errors.Wrap(err, "invalid Resource")
	}
	if c.Source == nil {
		return errors.New("Source is required")
	}
	if c.Store == nil {
		return errors.New("Store is required")
	}
	if c.ChunkDays < 0 {
		return errors.New("ChunkDays must not be negative")
	}
	if c.OverlapDays < 0 {
		return errors.New("OverlapDays must not be negative")
	}
	return nil
}

// Engine synchronizes one resource's table from its upstream endpoint. A
// single Engine value is good for repeated Runs; each Run re-derives its
// range from the stored data, so runs are naturally incremental.
type Engine struct {
	*Config
}

func New(conf *Config) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if conf.ChunkDays == 0 {
		conf.ChunkDays = DefaultChunkDays
	}
	if conf.OverlapDays == 0 {
		conf.OverlapDays = DefaultOverlapDays
	}
	if conf.Location == nil {
		conf.Location = time.UTC
	}
	if conf.Epoch.IsZero() {
		conf.Epoch = DefaultEpoch
	}
	if conf.Pacing == 0 {
		conf.Pacing = DefaultPacing
	}
	if conf.Events == nil {
		conf.Events = NopEvents{}
	}
	return &Engine{Config: conf}, nil
}

// Summary is the aggregate outcome of one Run. It is always returned, even
// when the run ends early on cancellation or a startup failure.
type Summary struct {
	Resource string

	// Resumed is the start of the walked range, after the checkpoint and
	// overlap step-back.
	Resumed  time.Time
	Started  time.Time
	Finished time.Time

	// Windows counts windows actually processed; WindowsFailed the subset
	// whose fetch exhausted its retries.
	Windows       int
	WindowsFailed int

	Fetched    int64
	Inserted   int64
	Updated    int64
	NoChange   int64
	Failed     int64
	Duplicates int64

	APICalls       int64
	FailedAPICalls int64

	StubsCreated    int64
	ParentsRepaired int64
	ColumnsAdded    int64
	SchemaErrors    int64

	FailuresByReason map[FailureReason]int64
}

func (s *Summary) add(ws WindowStats) {
	s.Windows++
	if ws.HardFailed {
		s.WindowsFailed++
	}
	s.Fetched += ws.Fetched
	s.Inserted += ws.Inserted
	s.Updated += ws.Updated
	s.NoChange += ws.NoChange
	s.Failed += ws.Failed
	s.Duplicates += ws.Duplicates
	s.APICalls += ws.APICalls
	s.FailedAPICalls += ws.FailedAPICalls
	s.StubsCreated += ws.StubsCreated
	s.ParentsRepaired += ws.ParentsRepaired
	s.ColumnsAdded += ws.ColumnsAdded
	s.SchemaErrors += ws.SchemaErrors
	for reason, n := range ws.Reasons {
		if s.FailuresByReason == nil {
			s.FailuresByReason = make(map[FailureReason]int64)
		}
		s.FailuresByReason[reason] += n
	}
}

// KVs flattens the summary for structured logging.
func (s *Summary) KVs() map[string]any {
	kvs := map[string]any{
		"resource":         s.Resource,
		"windows":          s.Windows,
		"windows_failed":   s.WindowsFailed,
		"fetched":          s.Fetched,
		"inserted":         s.Inserted,
		"updated":          s.Updated,
		"no_change":        s.NoChange,
		"failed":           s.Failed,
		"duplicates":       s.Duplicates,
		"api_calls":        s.APICalls,
		"failed_api_calls": s.FailedAPICalls,
		"stubs_created":    s.StubsCreated,
		"parents_repaired": s.ParentsRepaired,
		"columns_added":    s.ColumnsAdded,
		"schema_errors":    s.SchemaErrors,
	}
	if !s.Resumed.IsZero() {
		kvs["resumed_from"] = s.Resumed.Format(DateLayout)
	}
	if !s.Finished.IsZero() {
		kvs["duration"] = s.Finished.Sub(s.Started).String()
	}
	for reason, n := range s.FailuresByReason {
		kvs["failed_"+string(reason)] = n
	}
	return kvs
}

// Run walks the pending date range window by window and merges every
// fetched record into the target table. Only two things abort a run: an
// unreachable store at startup and cancellation, which is honored between
// windows so the one in flight completes. Everything else degrades to
// counters on the summary.
func (e *Engine) Run(ctx context.Context) (summary *Summary, xerr error) {
	ctx, span := logtracing.StartSpan(ctx, "casesync.run/"+e.Resource.Name)
	summary = &Summary{Resource: e.Resource.Name, Started: time.Now()}
	defer func() {
		summary.Finished = time.Now()
		for k, v := range summary.KVs() {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, xerr)
	}()

	if err := e.Store.Ping(ctx); err != nil {
		return summary, errors.Wrap(err, "target store is unreachable")
	}

	schema, err := loadSchema(ctx, e.Store, e.Resource.Table)
	if err != nil {
		return summary, err
	}

	start, end, err := e.planRange(ctx)
	if err != nil {
		return summary, err
	}
	summary.Resumed = start

	windows, err := Windows(start, end, e.ChunkDays, e.OverlapDays)
	if err != nil {
		return summary, err
	}
	span.AppendKVs("windows_planned", len(windows))

	for i, w := range windows {
		if i > 0 {
			if err := e.pace(ctx); err != nil {
				return summary, err
			}
		}
		summary.add(e.runWindow(ctx, w, schema))
		if err := ctx.Err(); err != nil {
			return summary, errors.Wrap(err, "sync canceled")
		}
	}
	return summary, nil
}

// planRange computes the date range a run should walk. The lower bound is
// the last stored provenance timestamp stepped back by the overlap, so a
// crashed or partial prior run is re-covered rather than skipped; an empty
// table starts at the Epoch. The upper bound defaults to yesterday in the
// configured location.
func (e *Engine) planRange(ctx context.Context) (start, end time.Time, err error) {
	end = e.End
	if end.IsZero() {
		end = time.Now().In(e.Location).AddDate(0, 0, -1)
	}
	end = TruncateDay(end, e.Location)

	start = TruncateDay(e.Epoch, e.Location)
	if cols := e.Resource.provenanceColumns(); len(cols) > 0 {
		last, ok, lerr := e.Store.LastTimestamp(ctx, e.Resource.Table, cols)
		if lerr != nil {
			return start, end, errors.Wrap(lerr, "failed to load resume checkpoint")
		}
		if ok {
			resumed := TruncateDay(last, e.Location).AddDate(0, 0, -e.OverlapDays)
			if resumed.After(start) {
				start = resumed
			}
		}
	}
	if start.After(end) {
		start = end
	}
	return start, end, nil
}

// runWindow fetches one window and pushes its records through the
// pipeline. Nothing here escalates: a fetch that exhausts its retries
// marks the window hard-failed and the run moves on.
func (e *Engine) runWindow(ctx context.Context, w Window, schema *tableSchema) (ws WindowStats) {
	var fetchErr error
	ctx, span := logtracing.StartSpan(ctx, "casesync.window/"+e.Resource.Name)
	spanKVs := map[string]any{
		"window.from": w.FromDate(),
		"window.to":   w.ToDate(),
	}
	defer func() {
		for k, v := range spanKVs {
			span.AppendKVs(k, v)
		}
		logtracing.EndSpan(ctx, fetchErr)
	}()

	e.Events.WindowStarted(ctx, e.Resource.Table, w)

	res, fetchErr := e.Source.FetchWindow(ctx, e.Resource.Endpoint, w)
	e.tallyFetch(&ws, res, fetchErr)
	if fetchErr != nil {
		ws.HardFailed = true
		e.Events.WindowFailed(ctx, e.Resource.Table, w, res.Attempts, fetchErr)
		e.notify(errors.Wrapf(fetchErr, "window %s of %s failed after %d attempts", w, e.Resource.Name, res.Attempts), map[string]any{
			"table":       e.Resource.Table,
			"window.from": w.FromDate(),
			"window.to":   w.ToDate(),
		})
		return ws
	}

	ws.Fetched = int64(len(res.Records))
	spanKVs["fetched"] = len(res.Records)

	dups := newDuplicates()
	for i, raw := range res.Records {
		if i == 0 {
			added, schemaErrs := e.reconcileSchema(ctx, schema, raw)
			ws.ColumnsAdded += int64(len(added))
			ws.SchemaErrors += schemaErrs
		}
		e.processRecord(ctx, raw, schema, dups, &ws)
	}

	ws.Duplicates = dups.count()
	if keys := dups.keys(); len(keys) > 0 {
		spanKVs["duplicate_keys"] = keys
	}

	e.Events.WindowCompleted(ctx, e.Resource.Table, w, ws)
	return ws
}

// processRecord runs one raw record through transform, resolve and upsert,
// folding whatever happened into the window counters. Failures stop this
// record only.
func (e *Engine) processRecord(ctx context.Context, raw RawRecord, schema *tableSchema, dups *duplicates, ws *WindowStats) {
	rec, err := transform(e.Resource, raw, schema, e.Location)
	if err != nil {
		e.recordFailure(ctx, ws, "", err)
		return
	}

	// Repeats are observed once the key is known but still processed in
	// full; the merge rule makes re-deliveries additive.
	dups.observe(rec.Key)

	if err := e.resolve(ctx, e.Resource, rec, ws); err != nil {
		e.recordFailure(ctx, ws, rec.Key, err)
		return
	}

	out := e.upsertInto(ctx, e.Resource, rec)
	switch out.Op {
	case OpInserted:
		ws.Inserted++
	case OpUpdated:
		ws.Updated++
	case OpNoChange:
		ws.NoChange++
	case OpFailed:
		e.recordFailure(ctx, ws, rec.Key, Failure(out.Reason, rec.Key, out.Err))
	}
}

func (e *Engine) recordFailure(ctx context.Context, ws *WindowStats, key string, err error) {
	reason := ReasonTransientIO
	if fe, ok := AsFailure(err); ok {
		reason = fe.Reason
		if key == "" {
			key = fe.Key
		}
	}
	ws.countFailure(reason)
	e.Events.RecordFailed(ctx, e.Resource.Table, key, reason, err)
}

// tallyFetch folds one upstream call's attempt count into the window
// counters. A call that eventually succeeded still pays for the attempts
// it burned.
func (e *Engine) tallyFetch(ws *WindowStats, res FetchResult, err error) {
	ws.APICalls += int64(res.Attempts)
	if err != nil {
		ws.FailedAPICalls += int64(res.Attempts)
	} else if res.Attempts > 0 {
		ws.FailedAPICalls += int64(res.Attempts - 1)
	}
}

func (e *Engine) pace(ctx context.Context) error {
	if e.Pacing <= 0 {
		return nil
	}
	t := time.NewTimer(e.Pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sync canceled")
	case <-t.C:
		return nil
	}
}

func (e *Engine) notify(err error, kvs map[string]any) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Notify(err, nil, kvs)
}
