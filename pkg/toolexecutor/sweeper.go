package toolexecutor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/edenartlab/eden2-sub000/internal/observability"
	"github.com/edenartlab/eden2-sub000/pkg/task"
)

const (
	DefaultSweepSchedule = "*/5 * * * *"
	DefaultStaleAfter    = 2 * time.Hour
)

// SweeperConfig configures the sweeper
type SweeperConfig struct {
	// Schedule is a five-field cron expression
	Schedule string
	// StaleAfter is the minimum age of a task before it is swept. Tools with a
	// longer max_duration get their own max_duration plus StaleAfter.
	StaleAfter  time.Duration
	Concurrency int
}

// Sweeper settles tasks whose poller died: it cancels abandoned in-flight tasks
// and refunds tasks that reached a terminal state but were never settled.
type Sweeper struct {
	exec  *Executor
	cfg   SweeperConfig
	cron  *cron.Cron
	group singleflight.Group
}

// NewSweeper creates a sweeper for exec
func NewSweeper(exec *Executor, cfg SweeperConfig) (*Sweeper, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule: %w", err)
	}

	return &Sweeper{
		exec: exec,
		cfg:  cfg,
		cron: cron.New(cron.WithParser(parser)),
	}, nil
}

// Start runs Sweep on the configured schedule until ctx is done or Stop is called
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.exec.logger.Error().Err(err).Msg("Sweep failed")
			return
		}
		if n > 0 {
			s.exec.logger.Info().Int("settled", n).Msg("Swept stale tasks")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep settles every stale unsettled task once and returns how many it settled.
// Concurrent calls share one pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	v, err, _ := s.group.Do("sweep", func() (interface{}, error) {
		return s.sweep(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	now := s.exec.now()
	tasks, err := s.exec.tasks.ListUnsettled(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}

	var settled atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, t := range tasks {
		if s.exec.polling(t.ID) || !s.stale(t, now) {
			continue
		}
		g.Go(func() error {
			ok, err := s.settle(gctx, t)
			if err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
			if ok {
				settled.Add(1)
			}
			return nil
		})
	}

	err = g.Wait()
	n := int(settled.Load())
	observability.RecordSwept(n)
	return n, err
}

func (s *Sweeper) stale(t *task.Task, now time.Time) bool {
	def, err := s.exec.tools.Get(t.Tool)
	if err != nil || def.MaxDuration <= 0 {
		return true
	}
	return t.CreatedAt.Add(def.MaxDuration + s.cfg.StaleAfter).Before(now)
}

func (s *Sweeper) settle(ctx context.Context, t *task.Task) (bool, error) {
	out := task.Outcome{Status: t.Status, Result: t.Result, Error: t.Error}
	if !t.Status.Terminal() {
		if t.HandlerID != "" {
			if adapter, err := s.exec.adapters.For(t.Tool); err == nil {
				s.exec.cancelRemote(ctx, adapter, t)
			}
		}
		out = task.Outcome{Status: task.StatusFailed, Error: "abandoned: no live poller"}
	}

	_, claimed, err := s.exec.claim(ctx, t.ID, out)
	return claimed, err
}
