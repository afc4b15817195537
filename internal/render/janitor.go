package render

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/wallhub/wallhub/internal/cache"
	"github.com/wallhub/wallhub/internal/errs"
	"github.com/wallhub/wallhub/internal/logging"
	"github.com/wallhub/wallhub/internal/metrics"
)

var (
	purgeRuns = metrics.MustRegisterCounterVec(
		metrics.Namespace, "render", "purge_runs_total",
		"Derivative cache purges, by result.", "result")
	purgeFiles = metrics.MustRegisterCounterVec(
		metrics.Namespace, "render", "purged_files_total",
		"Files handled by derivative cache purges, by result.", "result")
)

// Janitor 清空派生图目录（保留占位文件），供定时任务、手动接口与轮换使用。
type Janitor struct {
	store    cache.Store
	resolver *Resolver
	logger   *logrus.Entry
}

// NewJanitor 构造清理器；resolver 可为 nil。
func NewJanitor(store cache.Store, resolver *Resolver, logger *logrus.Logger) *Janitor {
	return &Janitor{
		store:    store,
		resolver: resolver,
		logger:   logging.Component(logger, "cache_janitor"),
	}
}

// ClearAll 删除全部派生图并返回删除数量。单个文件失败只记录与计数。
func (j *Janitor) ClearAll(ctx context.Context) (int, error) {
	if j.resolver != nil {
		j.resolver.invalidate()
	}
	report, err := j.store.Clear(ctx)
	if err != nil {
		purgeRuns.WithLabelValues(metrics.ResultFailure).Inc()
		j.logger.WithError(err).WithField("action", "cache_purge").Error("cache purge failed")
		return report.Deleted, errs.WrapIO("clear", j.store.Dir(), err)
	}
	if j.resolver != nil {
		j.resolver.forget()
	}

	purgeRuns.WithLabelValues(metrics.ResultSuccess).Inc()
	purgeFiles.WithLabelValues(metrics.ResultSuccess).Add(float64(report.Deleted))
	purgeFiles.WithLabelValues(metrics.ResultFailure).Add(float64(len(report.Failed)))

	entry := j.logger.WithFields(logrus.Fields{
		"action":  "cache_purge",
		"deleted": report.Deleted,
	})
	if len(report.Failed) > 0 {
		entry.WithField("failed", report.Failed).Warn("cache purge incomplete")
	} else {
		entry.Info("cache purged")
	}
	return report.Deleted, nil
}
