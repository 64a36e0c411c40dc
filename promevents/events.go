// Package promevents exports engine milestones as Prometheus metrics. All
// series carry the target table as a label, so one scrape covers every
// resource a process syncs.
package promevents

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/theplant/casesync"
)

// Events implements casesync.Events on Prometheus counters.
type Events struct {
	lastStarted   *prometheus.GaugeVec
	windows       *prometheus.CounterVec
	records       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	apiCalls      *prometheus.CounterVec
	columnsAdded  *prometheus.CounterVec
	stubRows      *prometheus.CounterVec
	parentRepairs *prometheus.CounterVec
}

var _ casesync.Events = (*Events)(nil)

// New registers the metric set on reg, or on the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) *Events {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Events{
		lastStarted: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "casesync_window_last_started_timestamp_seconds",
				Help: "Unix time the most recent window started processing",
			},
			[]string{"table"},
		),
		windows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casesync_windows_total",
				Help: "Sync windows processed",
			},
			[]string{"table", "status"}, // completed, failed
		),
		records: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casesync_records_total",
				Help: "Records pushed through the pipeline by outcome",
			},
			[]string{"table", "outcome"}, // inserted, updated, no_change, failed
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casesync_record_failures_total",
				Help: "Record failures by classified reason",
			},
			[]string{"table", "reason"},
		),
		duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casesync_duplicates_total",
				Help: "Repeated natural keys observed within a window",
			},
			[]string{"table"},
		),
		apiCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casesync_api_calls_total",
				Help: "Upstream HTTP requests issued",
			},
			[]string{"table", "status"}, // success, failure
		),
		columnsAdded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casesync_columns_added_total",
				Help: "Columns added by schema drift reconciliation",
			},
			[]string{"table"},
		),
		stubRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casesync_stub_rows_total",
				Help: "Placeholder parent rows inserted",
			},
			[]string{"table"},
		),
		parentRepairs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "casesync_parent_repairs_total",
				Help: "Missing parent rows fetched and upserted",
			},
			[]string{"table"},
		),
	}
}

func (e *Events) WindowStarted(_ context.Context, table string, _ casesync.Window) {
	e.lastStarted.WithLabelValues(table).SetToCurrentTime()
}

func (e *Events) WindowCompleted(_ context.Context, table string, _ casesync.Window, stats casesync.WindowStats) {
	e.windows.WithLabelValues(table, "completed").Inc()
	e.records.WithLabelValues(table, "inserted").Add(float64(stats.Inserted))
	e.records.WithLabelValues(table, "updated").Add(float64(stats.Updated))
	e.records.WithLabelValues(table, "no_change").Add(float64(stats.NoChange))
	e.records.WithLabelValues(table, "failed").Add(float64(stats.Failed))
	e.duplicates.WithLabelValues(table).Add(float64(stats.Duplicates))
	e.apiCalls.WithLabelValues(table, "success").Add(float64(stats.APICalls - stats.FailedAPICalls))
	e.apiCalls.WithLabelValues(table, "failure").Add(float64(stats.FailedAPICalls))
}

func (e *Events) WindowFailed(_ context.Context, table string, _ casesync.Window, attempts int, _ error) {
	e.windows.WithLabelValues(table, "failed").Inc()
	e.apiCalls.WithLabelValues(table, "failure").Add(float64(attempts))
}

func (e *Events) RecordFailed(_ context.Context, table, _ string, reason casesync.FailureReason, _ error) {
	e.failures.WithLabelValues(table, string(reason)).Inc()
}

func (e *Events) ColumnAdded(_ context.Context, table, _, _ string) {
	e.columnsAdded.WithLabelValues(table).Inc()
}

func (e *Events) StubCreated(_ context.Context, table, _ string) {
	e.stubRows.WithLabelValues(table).Inc()
}

func (e *Events) ParentRepaired(_ context.Context, table, _ string) {
	e.parentRepairs.WithLabelValues(table).Inc()
}
