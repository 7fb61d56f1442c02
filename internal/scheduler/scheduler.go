// Package scheduler runs the pipeline on a cron schedule without overlapping runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
)

// LockResource is the distributed lock name guarding scheduled runs
const LockResource = "scheduled-run"

// RunFunc performs one pipeline run
type RunFunc func(ctx context.Context) error

// Locker is a cross-host mutual exclusion lock, such as the redis cache
type Locker interface {
	AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
}

// Status describes the scheduler's recent activity
type Status struct {
	Schedule   string    `json:"schedule"`
	Running    bool      `json:"running"`
	Runs       int       `json:"runs"`
	Skipped    int       `json:"skipped"`
	LastStart  time.Time `json:"last_start,omitempty"`
	LastFinish time.Time `json:"last_finish,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Next       time.Time `json:"next,omitempty"`
}

// Scheduler triggers RunFunc on a cron schedule. A tick that fires while a run
// is still in progress is skipped.
type Scheduler struct {
	spec    string
	cron    *cron.Cron
	entry   cron.EntryID
	run     RunFunc
	locker  Locker
	lockTTL time.Duration
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLocker makes every run hold a distributed lock for at most ttl
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		s.lockTTL = ttl
	}
}

// New creates a scheduler for a standard five-field cron spec. An empty spec
// creates a manual scheduler that only runs on Trigger or TriggerAsync.
func New(spec string, run RunFunc, logger *logging.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		spec:    spec,
		run:     run,
		lockTTL: 6 * time.Hour,
		logger:  logger.WithStage("schedule"),
		ctx:     ctx,
		cancel:  cancel,
		status:  Status{Schedule: spec},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))
	if spec == "" {
		return s, nil
	}
	id, err := s.cron.AddFunc(spec, func() { s.Trigger(s.ctx) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule run: %w", err)
	}
	s.entry = id
	return s, nil
}

// Start begins firing ticks in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithFields(map[string]interface{}{
		"schedule": s.spec,
		"next":     s.Next(),
	}).Info("Scheduler started")
}

// Stop cancels the in-flight run and waits for it to return or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the time of the next scheduled tick, or the zero time for a
// manual scheduler
func (s *Scheduler) Next() time.Time {
	if s.entry == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Status returns a snapshot of the scheduler's activity
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Next = s.Next()
	return st
}

// Trigger performs one run unless another is in progress. It reports whether
// a run actually happened.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if !s.begin() {
		s.logger.Warn("Previous run still in progress, skipping tick")
		return false
	}
	return s.execute(ctx)
}

// TriggerAsync claims the run slot and performs the run in the background on
// the scheduler's own context. It returns false when a run is already going.
func (s *Scheduler) TriggerAsync() bool {
	if !s.begin() {
		s.logger.Warn("Previous run still in progress, rejecting manual run")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx)
	}()
	return true
}

// execute runs once the slot is claimed. It reports whether the run happened.
func (s *Scheduler) execute(ctx context.Context) bool {
	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, LockResource, s.lockTTL)
		if err != nil || !ok {
			s.abort()
			if err != nil {
				s.logger.WarnWithErr("Failed to acquire run lock, skipping tick", err)
			} else {
				s.logger.Warn("Run lock held by another host, skipping tick")
			}
			return false
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), LockResource); err != nil {
				s.logger.WarnWithErr("Failed to release run lock", err)
			}
		}()
	}

	start := time.Now()
	s.logger.Info("Scheduled run starting")
	err := s.run(ctx)
	s.finish(err)

	log := s.logger.WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		log.ErrorWithErr("Scheduled run failed", err)
	} else {
		log.Info("Scheduled run finished")
	}
	return true
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Running {
		s.status.Skipped++
		return false
	}
	s.status.Running = true
	s.status.LastStart = time.Now()
	return true
}

func (s *Scheduler) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Running = false
	s.status.Skipped++
}

func (s *Scheduler) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Running = false
	s.status.Runs++
	s.status.LastFinish = time.Now()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
}

// cronLogger adapts the application logger to cron.Logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kv(keysAndValues)).ErrorWithErr(msg, err)
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
