// Package scheduler drives the background jobs: refreshing the daily source
// image and purging the derivative cache on cron schedules evaluated in the
// configured time zone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/wallhub/wallhub/internal/config"
	"github.com/wallhub/wallhub/internal/logging"
	"github.com/wallhub/wallhub/internal/metrics"
)

const (
	JobRefresh = "refresh"
	JobPurge   = "purge"
)

var jobRuns = metrics.MustRegisterCounterVec(
	metrics.Namespace, "scheduler", "job_runs_total",
	"Scheduled job executions, by job and result.", "job", "result")

// Job 是一个定时任务的执行体。
type Job func(ctx context.Context) error

// Options 描述调度器的 cron 表达式、时区与任务。
type Options struct {
	RefreshCron      string
	PurgeCron        string
	RefreshOnStartup bool
	Location         *time.Location
	// JobTimeout 限制单次任务时长，<= 0 表示不限制。
	JobTimeout time.Duration
	Refresh    Job
	Purge      Job
	Logger     *logrus.Logger
}

// OptionsFromConfig 根据配置填充 cron 相关字段，任务由调用方补充。
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := cfg.Global.Location()
	if err != nil {
		return Options{}, err
	}
	return Options{
		RefreshCron:      cfg.Schedule.RefreshCron,
		PurgeCron:        cfg.Schedule.PurgeCron,
		RefreshOnStartup: cfg.Schedule.RefreshOnStartup,
		Location:         loc,
		JobTimeout:       2 * cfg.Global.UpstreamTimeout.DurationValue(),
	}, nil
}

// Scheduler 持有 cron 实例；Start/Stop 显式管理生命周期。
type Scheduler struct {
	cron    *cron.Cron
	opts    Options
	logger  *logrus.Entry
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	started  bool
	wg       sync.WaitGroup
	stopped  chan struct{}
	stopOnce sync.Once
}

// New 创建调度器并注册任务；空的 cron 表达式表示禁用该任务。
func New(opts Options) (*Scheduler, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	logger := logging.Component(opts.Logger, "scheduler")

	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(config.CronParser),
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		opts:     opts,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
		stopped:  make(chan struct{}),
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	if err := s.register(JobRefresh, opts.RefreshCron, opts.Refresh); err != nil {
		return nil, err
	}
	if err := s.register(JobPurge, opts.PurgeCron, opts.Purge); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) register(name, spec string, job Job) error {
	if spec == "" || job == nil {
		s.logger.WithFields(logrus.Fields{"action": "schedule_register", "job": name}).Info("job disabled")
		return nil
	}
	id, err := s.cron.AddFunc(spec, func() {
		s.run(name, job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}
	s.entryIDs[name] = id
	s.logger.WithFields(logrus.Fields{
		"action":   "schedule_register",
		"job":      name,
		"schedule": spec,
	}).Info("job registered")
	return nil
}

// Start 启动 cron，并在 RefreshOnStartup 时异步执行一次刷新。
// ctx 结束时自动 Stop。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"action": "schedule_start",
		"jobs":   len(s.entryIDs),
	}).Info("scheduler started")

	if s.opts.RefreshOnStartup && s.opts.Refresh != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(JobRefresh, s.opts.Refresh)
		}()
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()
	return nil
}

// Stop 停止调度并等待正在运行的任务结束，可重复调用。
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		s.wg.Wait()
		close(s.stopped)
		s.logger.WithField("action", "schedule_stop").Info("scheduler stopped")
	})
}

// Done 在调度器完全停止后关闭。
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// Entries 返回已注册任务的下一次触发时间。
func (s *Scheduler) Entries() map[string]time.Time {
	out := make(map[string]time.Time, len(s.entryIDs))
	for name, id := range s.entryIDs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// RunNow 立即同步执行指定任务。
func (s *Scheduler) RunNow(name string) error {
	switch name {
	case JobRefresh:
		return s.run(name, s.opts.Refresh)
	case JobPurge:
		return s.run(name, s.opts.Purge)
	default:
		return fmt.Errorf("unknown job %q", name)
	}
}

func (s *Scheduler) run(name string, job Job) error {
	if job == nil {
		return fmt.Errorf("job %q not configured", name)
	}
	ctx := s.baseCtx
	if s.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
	}

	started := time.Now()
	err := job(ctx)
	fields := logrus.Fields{
		"action":     "schedule_run",
		"job":        name,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if err != nil {
		jobRuns.WithLabelValues(name, metrics.ResultFailure).Inc()
		s.logger.WithError(err).WithFields(fields).Error("job failed")
		return err
	}
	jobRuns.WithLabelValues(name, metrics.ResultSuccess).Inc()
	s.logger.WithFields(fields).Info("job finished")
	return nil
}
