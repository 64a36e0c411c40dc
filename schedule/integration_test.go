package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/qor5/go-bus"
	"github.com/qor5/go-que/pg"
	"github.com/qor5/x/v3/gormx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theplant/casesync"
	"github.com/theplant/casesync/schedule"
)

// cycleRecorder collects runner executions across cycles and signals once
// enough have been seen.
type cycleRecorder struct {
	mu      sync.Mutex
	want    int
	entries []string
	done    chan struct{}
}

func newCycleRecorder(want int) *cycleRecorder {
	return &cycleRecorder{want: want, done: make(chan struct{})}
}

func (r *cycleRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, name)
	if len(r.entries) == r.want {
		close(r.done)
	}
}

func (r *cycleRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

type stubRunner struct {
	name string
	rec  *cycleRecorder
}

func (s *stubRunner) Run(ctx context.Context) (*casesync.Summary, error) {
	s.rec.record(s.name)
	return &casesync.Summary{Fetched: 2, Inserted: 1, NoChange: 1}, nil
}

func TestSchedulerRunsRecurringCycles(t *testing.T) {
	ctx := context.Background()

	queueSuite := gormx.MustStartTestSuite(ctx)
	t.Cleanup(func() { _ = queueSuite.Stop(context.Background()) })
	t.Logf("QueueDB: %s", queueSuite.DSN())

	queueDB, err := queueSuite.DB().DB()
	require.NoError(t, err, "Failed to get sql.DB from queue database")
	require.NoError(t, pg.Migrate(queueDB), "Failed to migrate queue database")

	// Two full cycles of three runners each.
	rec := newCycleRecorder(6)
	stages := []schedule.Stage{
		{&stubRunner{name: "cases", rec: rec}, &stubRunner{name: "firs", rec: rec}},
		{&stubRunner{name: "accused", rec: rec}},
	}

	sched, err := schedule.New(&schedule.Config{
		QueueDB:     queueDB,
		QueueName:   "casesync_cycles_test",
		Stages:      stages,
		Interval:    time.Second, // Shorter interval for faster testing
		RetryPolicy: bus.DefaultRetryPolicyFactory(),
	})
	require.NoError(t, err, "Failed to create scheduler")

	controller, err := sched.Start(ctx)
	require.NoError(t, err, "Failed to start scheduler")
	defer func() { _ = controller.Stop(ctx) }()

	select {
	case <-rec.done:
	case <-time.After(30 * time.Second):
		t.Fatalf("saw only %d runner executions before the deadline", len(rec.snapshot()))
	}

	entries := rec.snapshot()[:6]
	for i := 0; i < len(entries); i += 3 {
		cycle := entries[i : i+3]
		assert.ElementsMatch(t, []string{"cases", "firs"}, cycle[:2], "parent stage should open cycle %d", i/3+1)
		assert.Equal(t, "accused", cycle[2], "child stage should close cycle %d", i/3+1)
	}
	t.Log("✅ Scheduler completed two cycles with stages in order")

	// A second scheduler on the same queue tolerates the already pending
	// cycle instead of double-enqueueing it.
	standby, err := schedule.New(&schedule.Config{
		QueueDB:     queueDB,
		QueueName:   "casesync_cycles_test",
		Stages:      stages,
		Interval:    time.Second,
		RetryPolicy: bus.DefaultRetryPolicyFactory(),
	})
	require.NoError(t, err, "Failed to create standby scheduler")

	standbyController, err := standby.Start(ctx)
	require.NoError(t, err, "standby scheduler should start against a pending cycle")
	_ = standbyController.Stop(ctx)
	t.Log("✅ Standby scheduler attached without double-enqueueing the cycle")
}
