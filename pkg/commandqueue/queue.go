package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/edenartlab/eden2-sub000/internal/observability"
	"github.com/edenartlab/eden2-sub000/internal/tracing"
)

const tracerName = "eden.commandqueue"

var (
	// ErrClosed is returned when enqueueing on a closed queue
	ErrClosed = errors.New("command queue closed")
	// ErrLaneCleared is returned to queued jobs dropped by ClearLane or ResetLane
	ErrLaneCleared = errors.New("lane cleared")
)

// Job is a unit of work run inside a lane
type Job func(ctx context.Context) (interface{}, error)

// Options configures one enqueue
type Options struct {
	// WarnAfter logs (and calls OnWait) when the job is still queued after this long
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type jobRecord struct {
	id         string
	job        Job
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    Options
	result     chan jobResult
}

type jobResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*jobRecord
	running     int
}

// EventHandler handles queue events
type EventHandler func(event Event)

// Event is emitted synchronously on "enqueued" and "completed"
type Event struct {
	Type  string
	Lane  string
	JobID string
	Data  map[string]interface{}
}

// Queue serializes jobs per lane
type Queue struct {
	mu     sync.RWMutex
	lanes  map[string]*laneState
	seq    int
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventMu  sync.RWMutex
	handlers map[string][]EventHandler
}

// New creates an empty queue. Lanes are created on first use with concurrency 1.
func New() *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:    make(map[string]*laneState),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]EventHandler),
	}
}

func (q *Queue) lane(name string) *laneState {
	q.mu.RLock()
	ls, ok := q.lanes[name]
	q.mu.RUnlock()
	if ok {
		return ls
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[name]; ok {
		return ls
	}
	ls = &laneState{concurrency: 1}
	q.lanes[name] = ls
	return ls
}

// Enqueue adds job to lane and blocks until it has run. If ctx ends while the
// job is still queued, the job is dropped and ctx's error returned.
func (q *Queue) Enqueue(ctx context.Context, lane string, job Job, options *Options) (interface{}, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.seq++
	id := fmt.Sprintf("%s-%d", lane, q.seq)
	q.mu.Unlock()

	opts := Options{}
	if options != nil {
		opts = *options
	}

	ls := q.lane(lane)
	ls.mu.Lock()
	record := &jobRecord{
		id:         id,
		job:        job,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan jobResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("job_id", id).
		Int("queue_size", queueSize).
		Msg("Job enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)
	q.emit(Event{Type: "enqueued", Lane: lane, JobID: id, Data: map[string]interface{}{"queueSize": queueSize}})

	if opts.WarnAfter > 0 {
		go q.warnAfter(lane, record)
	}
	q.process(lane)

	var res jobResult
	select {
	case res = <-record.result:
	case <-ctx.Done():
		if q.remove(lane, record) {
			res = jobResult{err: ctx.Err()}
		} else {
			// already running; it sees the same cancellation
			res = <-record.result
		}
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.value, res.err
}

// remove drops a still-queued record. Returns false if it already started.
func (q *Queue) remove(lane string, record *jobRecord) bool {
	ls := q.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			observability.SetQueueSize(lane, len(ls.queue))
			return true
		}
	}
	return false
}

func (q *Queue) process(lane string) {
	ls := q.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- jobResult{err: ErrLaneCleared}
			continue
		}

		ls.running++
		q.wg.Add(1)
		go q.execute(lane, record)
	}
}

func (q *Queue) execute(lane string, record *jobRecord) {
	defer q.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, tracerName, "commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("job_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := q.run(runCtx, record.job)
	duration := time.Since(start)

	ls := q.lane(lane)
	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- jobResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Str("lane", lane).Str("job_id", record.id).Dur("duration", duration).Msg("Job failed")
	} else {
		logger.Debug().Str("lane", lane).Str("job_id", record.id).Dur("duration", duration).Msg("Job completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)
	q.emit(Event{
		Type:  "completed",
		Lane:  lane,
		JobID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	q.process(lane)
}

func (q *Queue) run(ctx context.Context, job Job) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}

func (q *Queue) warnAfter(lane string, record *jobRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-q.ctx.Done():
		return
	}

	ls := q.lane(lane)
	ls.mu.Lock()
	pos := -1
	for i, r := range ls.queue {
		if r == record {
			pos = i
			break
		}
	}
	ls.mu.Unlock()
	if pos < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	log.Warn().Str("lane", lane).Str("job_id", record.id).Dur("wait", wait).Int("queue_pos", pos).
		Msg("Job waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, pos)
	}
}

// Stats returns queued, running and concurrency per lane
func (q *Queue) Stats() map[string]map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := make(map[string]map[string]int, len(q.lanes))
	for name, ls := range q.lanes {
		ls.mu.Lock()
		stats[name] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects every queued job in lane with ErrLaneCleared. Running jobs are not affected.
func (q *Queue) ClearLane(lane string) int {
	ls := q.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- jobResult{err: ErrLaneCleared}
	}
	ls.queue = nil

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetQueueSize(lane, 0)
	return count
}

// ResetLane clears lane and bumps its generation
func (q *Queue) ResetLane(lane string) {
	ls := q.lane(lane)
	ls.mu.Lock()
	ls.generation++
	ls.mu.Unlock()
	q.ClearLane(lane)
}

// SetConcurrency updates how many jobs of lane may run at once
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := q.lane(lane)
	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	if concurrency > old {
		q.process(lane)
	}
}

// WaitForActive waits until no job is running or timeout elapses
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		idle := true
		q.mu.RLock()
		for _, ls := range q.lanes {
			ls.mu.Lock()
			if ls.running > 0 {
				idle = false
			}
			ls.mu.Unlock()
		}
		q.mu.RUnlock()

		if idle {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active jobs")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running jobs, rejects queued ones and waits for workers to exit
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	names := make([]string, 0, len(q.lanes))
	for name := range q.lanes {
		names = append(names, name)
	}
	q.mu.Unlock()

	q.cancel()
	for _, name := range names {
		q.ClearLane(name)
	}
	q.wg.Wait()
	return nil
}

// On registers a handler for an event type
func (q *Queue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.handlers[eventType] = append(q.handlers[eventType], handler)
}

// Off removes every handler for an event type
func (q *Queue) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	delete(q.handlers, eventType)
}

func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.handlers[event.Type]
	q.eventMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
