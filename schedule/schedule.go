// Package schedule runs sync engines on a recurring cadence backed by a
// PostgreSQL job queue. One queue job is one cycle: the configured stages
// run in order, runners inside a stage run concurrently, and the next
// cycle is enqueued on the interval grid whether the current one succeeded
// or not, so a bad cycle delays nothing but itself.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/qor5/go-bus/quex"
	"github.com/qor5/go-que"
	"github.com/qor5/go-que/pg"
	"github.com/qor5/x/v3/goquex"
	"github.com/qor5/x/v3/sqlx"
	"github.com/samber/lo"
	"github.com/theplant/appkit/errornotifier"
	"github.com/theplant/appkit/logtracing"
	"github.com/theplant/casesync"
	"golang.org/x/sync/errgroup"
)

// Runner is one schedulable unit of sync work. *casesync.Engine satisfies
// it.
type Runner interface {
	Run(ctx context.Context) (*casesync.Summary, error)
}

var _ Runner = (*casesync.Engine)(nil)

// Stage groups runners that may execute concurrently because they target
// disjoint tables. Stages run strictly in order, so a child resource's
// stage can rely on its parents' stage having finished.
type Stage []Runner

// Config contains configuration for the scheduler
type Config struct {
	// Database and queue configuration
	QueueDB   *sql.DB
	QueueName string

	// Stages run in declaration order each cycle.
	Stages []Stage

	// Interval is the cycle cadence. The next cycle lands on the next
	// interval boundary, not Interval after completion, so processing
	// time does not push the schedule later and later.
	Interval time.Duration

	RetryPolicy *que.RetryPolicy

	// Optional configurations
	Notifier errornotifier.Notifier
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.QueueDB == nil {
		return errors.New("QueueDB is required")
	}

	if c.QueueName == "" {
		return errors.New("QueueName is required")
	}

	if len(c.Stages) == 0 {
		return errors.New("at least one stage is required")
	}
	for i, stage := range c.Stages {
		if len(stage) == 0 {
			return errors.Errorf("stage %d is empty", i)
		}
		for j, runner := range stage {
			if runner == nil {
				return errors.Errorf("runner %d of stage %d is nil", j, i)
			}
		}
	}

	if c.Interval <= 0 {
		return errors.New("Interval must be greater than 0")
	}

	if c.RetryPolicy == nil {
		return errors.New("RetryPolicy is required")
	}

	return nil
}

// Scheduler drives recurring sync cycles through the job queue.
type Scheduler struct {
	*Config
	queue que.Queue
}

// New creates a new Scheduler instance
func New(conf *Config) (*Scheduler, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	queue, err := pg.NewWithOptions(pg.Options{DB: conf.QueueDB, DBMigrate: false})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create queue")
	}

	return &Scheduler{
		Config: conf,
		queue:  queue,
	}, nil
}

// Start enqueues the first cycle and starts the worker that processes
// cycles as they come due.
func (s *Scheduler) Start(ctx context.Context) (quex.WorkerController, error) {
	if err := s.enqueueSeedCycle(ctx); err != nil {
		return nil, err
	}

	worker, err := quex.StartWorker(ctx, que.WorkerOptions{
		Mutex:   s.queue.Mutex(),
		Queue:   s.QueueName,
		Perform: goquex.PerformWithTracing(s.Notifier)(s.Process),
	})
	if err != nil {
		return nil, err
	}

	return worker, nil
}

// enqueueSeedCycle enqueues the initial cycle. A unique id keeps exactly
// one pending cycle however many processes start.
func (s *Scheduler) enqueueSeedCycle(ctx context.Context) error {
	err := sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		return s.enqueueCycle(ctx, tx, time.Now())
	})
	if err != nil && !errors.Is(err, que.ErrViolateUniqueConstraint) {
		return errors.Wrap(err, "failed to enqueue seed cycle")
	}
	return nil
}

var UniqueID = "casesync_cycle"

// cycleArgs is the payload of one scheduled cycle.
type cycleArgs struct {
	ScheduledAt time.Time `json:"scheduledAt"`
}

func (s *Scheduler) enqueueCycle(ctx context.Context, tx *sql.Tx, runAt time.Time) error {
	now := time.Now()
	if runAt.Before(now) {
		runAt = now
	}

	plan := que.Plan{
		Queue:           s.QueueName,
		Args:            que.Args(&cycleArgs{ScheduledAt: runAt}),
		RunAt:           runAt,
		RetryPolicy:     *s.RetryPolicy,
		UniqueID:        &UniqueID,
		UniqueLifecycle: que.Lockable,
	}

	jobIDs, err := s.queue.Enqueue(ctx, tx, plan)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue cycle")
	}

	if len(jobIDs) != 1 {
		return errors.New("unexpected number of job IDs returned")
	}

	return nil
}

// nextRunAt aligns the next cycle to the interval grid.
func (s *Scheduler) nextRunAt(now time.Time) time.Time {
	return now.Truncate(s.Interval).Add(s.Interval)
}

// Process executes one sync cycle
func (s *Scheduler) Process(ctx context.Context, job que.Job) error {
	var args cycleArgs
	if _, err := que.ParseArgs(job.Plan().Args, &args); err != nil {
		return errors.Wrap(err, "failed to parse cycle args from job args")
	}
	logtracing.AppendSpanKVs(ctx, "scheduled_at", args.ScheduledAt.Format(time.RFC3339))

	if err := s.runStages(ctx); err != nil {
		return s.handleFailure(ctx, job, err)
	}

	return s.handleSuccess(ctx, job)
}

// runStages executes the stages in order, stopping at the first stage with
// a failed runner. A failed parent stage usually dooms its children to
// foreign-key misses anyway, so the rest of the cycle is not attempted.
func (s *Scheduler) runStages(ctx context.Context) error {
	var summaries []*casesync.Summary
	defer func() {
		logtracing.AppendSpanKVs(ctx,
			"runs", len(summaries),
			"fetched", lo.SumBy(summaries, func(s *casesync.Summary) int64 { return s.Fetched }),
			"inserted", lo.SumBy(summaries, func(s *casesync.Summary) int64 { return s.Inserted }),
			"updated", lo.SumBy(summaries, func(s *casesync.Summary) int64 { return s.Updated }),
			"failed_records", lo.SumBy(summaries, func(s *casesync.Summary) int64 { return s.Failed }),
			"failed_windows", lo.SumBy(summaries, func(s *casesync.Summary) int64 { return int64(s.WindowsFailed) }),
		)
	}()

	for i, stage := range s.Stages {
		g, gctx := errgroup.WithContext(ctx)
		results := make([]*casesync.Summary, len(stage))
		for j, runner := range stage {
			g.Go(func() error {
				summary, err := runner.Run(gctx)
				results[j] = summary
				return err
			})
		}
		err := g.Wait()
		for _, summary := range results {
			if summary != nil {
				summaries = append(summaries, summary)
			}
		}
		if err != nil {
			return errors.Wrapf(err, "stage %d failed", i)
		}
	}

	return nil
}

// handleFailure handles cycle failure with appropriate retry/skip logic
func (s *Scheduler) handleFailure(ctx context.Context, job que.Job, runErr error) error {
	_, hasMoreRetries := job.Plan().RetryPolicy.NextInterval(job.RetryCount())

	if hasMoreRetries {
		// Let goque handle the retry naturally
		return runErr
	}

	// No more retries - skip this cycle and enqueue the next one
	return sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		job.In(tx)
		defer job.In(nil)

		if err := job.Expire(ctx, runErr); err != nil {
			return errors.Wrap(err, "failed to expire job")
		}

		nextRunAt := s.nextRunAt(time.Now())
		if err := s.enqueueCycle(ctx, tx, nextRunAt); err != nil {
			return errors.Wrap(err, "failed to enqueue next cycle after failure")
		}

		logtracing.AppendSpanKVs(ctx,
			"cycle_skipped", true,
			"process_error", fmt.Sprintf("%+v", runErr),
			"next_run_at", nextRunAt.Format(time.RFC3339),
		)

		if s.Notifier != nil {
			// TODO: Pass current span key-values to notifier
			s.Notifier.Notify(errors.Wrap(runErr, "sync cycle skipped after exhausting retries"), nil, map[string]any{
				"next_run_at": nextRunAt.Format(time.RFC3339),
			})
		}

		return nil
	})
}

// handleSuccess handles completion of a successful cycle
func (s *Scheduler) handleSuccess(ctx context.Context, job que.Job) error {
	return sqlx.Transaction(ctx, s.QueueDB, func(ctx context.Context, tx *sql.Tx) error {
		job.In(tx)
		defer job.In(nil)

		if err := job.Destroy(ctx); err != nil {
			return errors.Wrap(err, "failed to mark job as done")
		}

		nextRunAt := s.nextRunAt(time.Now())
		if err := s.enqueueCycle(ctx, tx, nextRunAt); err != nil {
			return errors.Wrap(err, "failed to enqueue next cycle")
		}

		logtracing.AppendSpanKVs(ctx,
			"cycle_completed", true,
			"next_run_at", nextRunAt.Format(time.RFC3339),
		)

		return nil
	})
}
