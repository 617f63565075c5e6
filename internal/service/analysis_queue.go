package service

import (
	"context"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/metrics"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
)

// Analyzer processes one finished recording.
type Analyzer interface {
	Analyze(ctx context.Context, meetingID, recordingPath string) error
}

type AnalysisQueueConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Ticket tracks one queued analysis. Done is closed when the job finished;
// Err is valid afterwards.
type Ticket struct {
	MeetingID string
	done      chan struct{}
	err       error
}

func newTicket(meetingID string) *Ticket {
	return &Ticket{MeetingID: meetingID, done: make(chan struct{})}
}

func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the analysis finished or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) finish(err error) {
	t.err = err
	close(t.done)
}

type analysisJob struct {
	meetingID string
	path      string
	ticket    *Ticket
}

// AnalysisQueue is a bounded hand-off between finished sessions and the
// analysis workers. Submit never blocks.
type AnalysisQueue struct {
	analyzer Analyzer
	cfg      AnalysisQueueConfig
	metrics  *metrics.Metrics
	jobs     chan analysisJob

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewAnalysisQueue(analyzer Analyzer, cfg AnalysisQueueConfig, m *metrics.Metrics) *AnalysisQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &AnalysisQueue{
		analyzer: analyzer,
		cfg:      cfg,
		metrics:  m,
		jobs:     make(chan analysisJob, cfg.QueueSize),
	}
}

func (q *AnalysisQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Submit queues a recording for analysis. It fails with ErrQueueFull when
// the queue is at capacity.
func (q *AnalysisQueue) Submit(meetingID, recordingPath string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, appErr.ErrUnavailable
	}
	ticket := newTicket(meetingID)
	select {
	case q.jobs <- analysisJob{meetingID: meetingID, path: recordingPath, ticket: ticket}:
		q.metrics.RecordAnalysisQueued(true)
		return ticket, nil
	default:
		q.metrics.RecordAnalysisQueued(false)
		return nil, appErr.ErrQueueFull
	}
}

// Len is the number of jobs waiting for a worker.
func (q *AnalysisQueue) Len() int {
	return len(q.jobs)
}

// Stop stops accepting jobs and waits for queued ones to drain.
func (q *AnalysisQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()
	if !started {
		for job := range q.jobs {
			job.ticket.finish(appErr.ErrUnavailable)
		}
		return
	}
	q.wg.Wait()
	q.cancel()
}

func (q *AnalysisQueue) worker(ctx context.Context, idx int) {
	defer q.wg.Done()
	logger := logutil.GetLogger(ctx).With(zap.Int("worker", idx))
	for job := range q.jobs {
		job.ticket.finish(q.run(ctx, job))
		logger.Debug("analysis job done", zap.String("meeting_id", job.meetingID))
	}
}

func (q *AnalysisQueue) run(ctx context.Context, job analysisJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logutil.GetLogger(ctx).Error("analysis panic recovered",
				zap.String("meeting_id", job.meetingID), zap.Any("panic", r))
			err = appErr.ErrInternal
		}
	}()
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}
	return q.analyzer.Analyze(ctx, job.meetingID, job.path)
}
