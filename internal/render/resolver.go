// Package render resolves transform requests against the derivative cache:
// a hit is answered straight from disk, a miss is computed exactly once per
// key (concurrent callers share the flight) and written through cache.Store.
package render

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/wallhub/wallhub/internal/cache"
	"github.com/wallhub/wallhub/internal/errs"
	"github.com/wallhub/wallhub/internal/logging"
	"github.com/wallhub/wallhub/internal/metrics"
	"github.com/wallhub/wallhub/internal/transform"
)

// maxComputeAttempts 限制转换期间遇到缓存清空时的重算次数。
const maxComputeAttempts = 3

var (
	cacheLookups = metrics.MustRegisterCounterVec(
		metrics.Namespace, "render", "lookups_total",
		"Derivative cache lookups, by outcome (hit, miss, shared).", "outcome")
	transformDuration = metrics.MustRegisterHistogramVec(
		metrics.Namespace, "render", "transform_duration_seconds",
		"Time spent transforming and storing a derivative, by format.",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}, "format")
	transformsInProgress = metrics.MustRegisterGauge(
		metrics.Namespace, "render", "transforms_in_progress",
		"Transforms currently holding a worker slot.")
)

// SourceProvider 提供当天原图路径，必要时由实现方完成获取。
type SourceProvider interface {
	GetCurrentPath(ctx context.Context) (string, error)
}

// Transformer 将原图转换为目标格式字节。
type Transformer interface {
	Transform(ctx context.Context, sourcePath string, req transform.Request) ([]byte, error)
}

// Result 描述一个已落盘的派生图。
type Result struct {
	Key        string
	Path       string
	Filename   string
	SizeBytes  int64
	ModTime    time.Time
	SourceDate string
	Cached     bool
	Request    transform.Request
}

// Options 描述 Resolver 的依赖。
type Options struct {
	Store   cache.Store
	Source  SourceProvider
	Engine  Transformer
	Workers int
	Logger  *logrus.Logger
}

// Resolver 实现缓存命中/未命中解析，并保证同一 key 不会并发转换。
type Resolver struct {
	store   cache.Store
	source  SourceProvider
	engine  Transformer
	workers *semaphore.Weighted
	logger  *logrus.Entry

	flight singleflight.Group
	// dates 记录本进程内生成的 key 对应的原图日期。
	dates sync.Map
	// generation 在每次清空缓存前递增，写入期间发生变化的产物会被丢弃重算。
	generation atomic.Uint64
}

// NewResolver 校验依赖并返回 Resolver。
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Source == nil {
		return nil, errors.New("source provider required")
	}
	if opts.Engine == nil {
		return nil, errors.New("transformer required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Resolver{
		store:   opts.Store,
		source:  opts.Source,
		engine:  opts.Engine,
		workers: semaphore.NewWeighted(int64(workers)),
		logger:  logging.Component(opts.Logger, "render"),
	}, nil
}

// Resolve 返回 req 对应的派生图，未命中时生成并写入缓存。
// 参数非法时在任何磁盘或网络 I/O 之前返回 *errs.ValidationError。
func (r *Resolver) Resolve(ctx context.Context, req transform.Request) (*Result, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := cache.Key(req.Width, req.Height, string(req.Fit), string(req.Format))

	if res, err := r.lookup(ctx, key, req); err != nil || res != nil {
		if res != nil {
			cacheLookups.WithLabelValues("hit").Inc()
		}
		return res, err
	}
	cacheLookups.WithLabelValues("miss").Inc()

	// 计算在脱离调用方取消的 ctx 上执行，等待方超时不会留下半成品
	detached := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(key, func() (any, error) {
		return r.compute(detached, key, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		if out.Shared {
			cacheLookups.WithLabelValues("shared").Inc()
		}
		if out.Err != nil {
			return nil, out.Err
		}
		res := *out.Val.(*Result)
		return &res, nil
	}
}

// lookup 检查缓存；未命中时返回 (nil, nil)。
func (r *Resolver) lookup(ctx context.Context, key string, req transform.Request) (*Result, error) {
	entry, err := r.store.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, errs.WrapIO("stat", key, err)
	}
	return r.result(entry, req, true), nil
}

func (r *Resolver) compute(ctx context.Context, key string, req transform.Request) (*Result, error) {
	// 排队期间可能已有其他 flight 完成写入
	if res, err := r.lookup(ctx, key, req); err != nil || res != nil {
		return res, err
	}

	for attempt := 1; ; attempt++ {
		generation := r.generation.Load()
		res, err := r.produce(ctx, key, req)
		if err != nil {
			return nil, err
		}
		if r.generation.Load() == generation || attempt == maxComputeAttempts {
			r.dates.Store(key, res.SourceDate)
			return res, nil
		}

		// 转换期间缓存被清空，产物可能来自已轮换掉的原图
		if err := r.store.Remove(ctx, key); err != nil {
			return nil, errs.WrapIO("remove stale derivative", key, err)
		}
		r.logger.WithFields(logging.ResolveFields(key, req.Width, req.Height, string(req.Format), string(req.Fit), false)).
			WithFields(logrus.Fields{"action": "transform", "attempt": attempt}).
			Warn("cache invalidated during transform, recomputing")
	}
}

// produce 取当天原图、转换并写入缓存。
func (r *Resolver) produce(ctx context.Context, key string, req transform.Request) (*Result, error) {
	sourcePath, err := r.source.GetCurrentPath(ctx)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	body, err := r.runTransform(ctx, sourcePath, req)
	if errors.Is(err, fs.ErrNotExist) {
		// 取得路径后原图被轮换删除，重新取一次
		if sourcePath, err = r.source.GetCurrentPath(ctx); err != nil {
			return nil, err
		}
		body, err = r.runTransform(ctx, sourcePath, req)
	}
	if err != nil {
		r.logger.WithError(err).WithFields(logging.ResolveFields(key, req.Width, req.Height, string(req.Format), string(req.Fit), false)).
			WithField("action", "transform").Error("transform failed")
		return nil, err
	}

	entry, err := r.store.Put(ctx, key, bytes.NewReader(body), cache.PutOptions{})
	if err != nil {
		return nil, errs.WrapIO("write derivative", key, err)
	}
	transformDuration.WithLabelValues(string(req.Format)).Observe(time.Since(started).Seconds())

	res := r.result(entry, req, false)
	res.SourceDate = sourceDate(sourcePath)
	r.logger.WithFields(logging.ResolveFields(key, req.Width, req.Height, string(req.Format), string(req.Fit), false)).
		WithFields(logrus.Fields{
			"action":     "transform",
			"size_bytes": res.SizeBytes,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("derivative stored")
	return res, nil
}

func (r *Resolver) runTransform(ctx context.Context, sourcePath string, req transform.Request) ([]byte, error) {
	if err := r.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.workers.Release(1)
	transformsInProgress.Inc()
	defer transformsInProgress.Dec()
	return r.engine.Transform(ctx, sourcePath, req)
}

func (r *Resolver) result(entry *cache.Entry, req transform.Request, cached bool) *Result {
	res := &Result{
		Key:       entry.Key,
		Path:      entry.FilePath,
		Filename:  entry.Key,
		SizeBytes: entry.SizeBytes,
		ModTime:   entry.ModTime,
		Cached:    cached,
		Request:   req,
	}
	if date, ok := r.dates.Load(entry.Key); ok {
		res.SourceDate = date.(string)
	}
	return res
}

// Open 解析请求并打开派生图用于流式输出，调用方负责关闭 Reader。
func (r *Resolver) Open(ctx context.Context, req transform.Request) (*Result, *cache.ReadResult, error) {
	res, err := r.Resolve(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	read, err := r.store.Get(ctx, res.Key)
	if errors.Is(err, cache.ErrNotFound) {
		// 解析与打开之间被清理，重新生成一次
		if res, err = r.Resolve(ctx, req); err != nil {
			return nil, nil, err
		}
		read, err = r.store.Get(ctx, res.Key)
	}
	if err != nil {
		return nil, nil, errs.WrapIO("open derivative", res.Key, err)
	}
	return res, read, nil
}

// OpenKey 打开一个已存在的派生图，不触发生成。
func (r *Resolver) OpenKey(ctx context.Context, key string) (*cache.ReadResult, error) {
	read, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrInvalidKey) {
			return nil, err
		}
		return nil, errs.WrapIO("open derivative", key, err)
	}
	return read, nil
}

// invalidate 在清空缓存前调用，使进行中的转换结果作废。
func (r *Resolver) invalidate() {
	r.generation.Add(1)
}

// forget 在缓存清空后重置日期记录。
func (r *Resolver) forget() {
	r.dates.Range(func(key, _ any) bool {
		r.dates.Delete(key)
		return true
	})
}

// sourceDate 从 <YYYYMMDD>_xxx 形式的原图文件名中取出日期。
func sourceDate(path string) string {
	date, _, found := strings.Cut(filepath.Base(path), "_")
	if !found {
		return ""
	}
	return date
}
