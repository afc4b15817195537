package source

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/wallhub/wallhub/internal/logging"
	"github.com/wallhub/wallhub/internal/metrics"
)

var rotationsTotal = metrics.MustRegisterCounterVec(
	metrics.Namespace, "source", "rotation_removed_total",
	"Superseded source files handled by the rotation janitor, by result.", "result")

// Invalidator 清空派生图缓存，render.Janitor 实现了它。
type Invalidator interface {
	ClearAll(ctx context.Context) (int, error)
}

// RotationJanitor 在每次获取成功后删除旧日期的原图；
// 配置了 Invalidator 时，新的一天还会清空派生图缓存。
type RotationJanitor struct {
	store       *Store
	invalidator Invalidator
	logger      *logrus.Entry
}

// NewRotationJanitor 构造轮换器，invalidator 可以为 nil。
func NewRotationJanitor(store *Store, invalidator Invalidator, logger *logrus.Logger) *RotationJanitor {
	return &RotationJanitor{
		store:       store,
		invalidator: invalidator,
		logger:      logging.Component(logger, "rotation_janitor"),
	}
}

// Attach 将轮换器注册为 store 的获取回调。
func (j *RotationJanitor) Attach() {
	j.store.OnAcquire(j.AfterAcquire)
}

// AfterAcquire 处理一次获取结果。错误只记录，不回传给获取方。
func (j *RotationJanitor) AfterAcquire(ctx context.Context, acq *Acquisition) {
	if acq == nil {
		return
	}

	report, err := j.store.Rotate(acq.Image.Date)
	if err != nil {
		j.logger.WithError(err).WithField("action", "source_rotate").Warn("rotation failed")
	}
	rotationsTotal.WithLabelValues(metrics.ResultSuccess).Add(float64(len(report.Deleted)))
	rotationsTotal.WithLabelValues(metrics.ResultFailure).Add(float64(len(report.Failed)))
	if len(report.Deleted) > 0 || len(report.Failed) > 0 {
		j.logger.WithFields(logrus.Fields{
			"action":  "source_rotate",
			"kept":    report.Kept,
			"deleted": report.Deleted,
			"failed":  report.Failed,
		}).Info("superseded sources removed")
	}

	if !acq.NewDay || j.invalidator == nil {
		return
	}
	deleted, err := j.invalidator.ClearAll(ctx)
	fields := logrus.Fields{"action": "cache_invalidate", "date": acq.Image.Date, "deleted": deleted}
	if err != nil {
		j.logger.WithError(err).WithFields(fields).Warn("derivative invalidation failed")
		return
	}
	j.logger.WithFields(fields).Info("derivatives invalidated for new source")
}
