package casesync

import "context"

// WindowStats are the per-window outcome counters reported through Events
// and folded into the run Summary.
type WindowStats struct {
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

	// HardFailed is set when the window's fetch exhausted its retries and
	// no record was processed.
	HardFailed bool

	Reasons map[FailureReason]int64
}

func (ws *WindowStats) countFailure(reason FailureReason) {
	ws.Failed++
	if ws.Reasons == nil {
		ws.Reasons = make(map[FailureReason]int64)
	}
	ws.Reasons[reason]++
}

// Events receives engine milestones. Implementations must be cheap and must
// not block: the engine calls them inline from the run goroutine. Whether
// they end up in logs, metrics or files is the implementation's business.
type Events interface {
	WindowStarted(ctx context.Context, table string, w Window)
	WindowCompleted(ctx context.Context, table string, w Window, stats WindowStats)
	WindowFailed(ctx context.Context, table string, w Window, attempts int, err error)
	RecordFailed(ctx context.Context, table, key string, reason FailureReason, err error)
	ColumnAdded(ctx context.Context, table, column, sqlType string)
	StubCreated(ctx context.Context, table, key string)
	ParentRepaired(ctx context.Context, table, key string)
}

// NopEvents discards all events.
type NopEvents struct{}

var _ Events = NopEvents{}

func (NopEvents) WindowStarted(context.Context, string, Window)                      {}
func (NopEvents) WindowCompleted(context.Context, string, Window, WindowStats)       {}
func (NopEvents) WindowFailed(context.Context, string, Window, int, error)           {}
func (NopEvents) RecordFailed(context.Context, string, string, FailureReason, error) {}
func (NopEvents) ColumnAdded(context.Context, string, string, string)                {}
func (NopEvents) StubCreated(context.Context, string, string)                        {}
func (NopEvents) ParentRepaired(context.Context, string, string)                     {}
