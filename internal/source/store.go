// Package source owns the directory holding the canonical daily wallpaper.
// At most one dated file lives there at a time: acquisitions land through a
// temp file + rename and the rotation janitor removes superseded days.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/wallhub/wallhub/internal/errs"
	"github.com/wallhub/wallhub/internal/logging"
	"github.com/wallhub/wallhub/internal/metrics"
	"github.com/wallhub/wallhub/internal/provider"
)

const (
	// DateLayout 是原图文件名中的本地日期格式。
	DateLayout = "20060102"
	// FileSuffix 是原图文件名后缀。
	FileSuffix = "_UHD.jpg"
	// Placeholder 是目录占位文件，轮换时保留。
	Placeholder = ".gitkeep"

	tempPattern = ".source-*"
	flightKey   = "acquire"
)

var (
	acquisitionsTotal = metrics.MustRegisterCounterVec(
		metrics.Namespace, "source", "acquisitions_total",
		"Number of source acquisitions, by result.", "result")
	acquisitionDuration = metrics.MustRegisterHistogramVec(
		metrics.Namespace, "source", "acquisition_duration_seconds",
		"Time spent fetching and storing the daily source image.", nil, "result")
)

// Fetcher 是 Store 对远端壁纸服务的最小依赖，provider.Client 实现了它。
type Fetcher interface {
	FetchLatest(ctx context.Context, q provider.Query) (*provider.Metadata, error)
	Download(ctx context.Context, rawURL string, dst io.Writer) (int64, error)
}

// Image 描述磁盘上的一张原图。URL/Title 仅在本进程完成过获取后可用。
type Image struct {
	Date  string `json:"date"`
	URL   string `json:"url,omitempty"`
	Path  string `json:"-"`
	Name  string `json:"filename"`
	Title string `json:"title,omitempty"`
}

// Acquisition 是一次成功获取的结果。NewDay 表示获取前当天文件并不存在。
type Acquisition struct {
	Image    Image
	Metadata *provider.Metadata
	Bytes    int64
	NewDay   bool
}

// AcquireHook 在每次成功获取后同步执行。
type AcquireHook func(ctx context.Context, acq *Acquisition)

// Options 控制 Store 的目录、时区与依赖。
type Options struct {
	Dir      string
	Location *time.Location
	Fetcher  Fetcher
	Logger   *logrus.Logger
	// Now 用于测试注入时钟，默认 time.Now。
	Now func() time.Time
}

// Store 管理原图目录：判断当天文件是否存在、按需获取、轮换旧文件。
type Store struct {
	dir     string
	loc     *time.Location
	now     func() time.Time
	fetcher Fetcher
	logger  *logrus.Entry

	flight singleflight.Group

	// mu 保护目录中的 rename/删除 与路径查询，以及 latest。
	mu     sync.RWMutex
	latest *Image

	hooksMu sync.Mutex
	hooks   []AcquireHook
}

// NewStore 创建原图目录并返回 Store。
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("source dir required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve source dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create source dir: %w", err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		dir:     abs,
		loc:     loc,
		now:     now,
		fetcher: opts.Fetcher,
		logger:  logging.Component(opts.Logger, "source"),
	}, nil
}

// Dir 返回原图目录。
func (s *Store) Dir() string {
	return s.dir
}

// OnAcquire 注册获取成功后的回调，按注册顺序执行。
func (s *Store) OnAcquire(hook AcquireHook) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hooksMu.Unlock()
}

// Today 返回配置时区下的本地日期字符串。
func (s *Store) Today() string {
	return s.now().In(s.loc).Format(DateLayout)
}

// FileName 返回指定日期的原图文件名。
func FileName(date string) string {
	return date + FileSuffix
}

// HasCurrent 判断当天原图是否已在磁盘上。
func (s *Store) HasCurrent() bool {
	_, ok := s.Current()
	return ok
}

// Current 返回当天原图信息，不触发网络请求。
func (s *Store) Current() (Image, bool) {
	date := s.Today()
	name := FileName(date)
	path := filepath.Join(s.dir, name)

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Image{}, false
	}

	img := Image{Date: date, Path: path, Name: name}
	if s.latest != nil && s.latest.Date == date {
		img.URL = s.latest.URL
		img.Title = s.latest.Title
	}
	return img, true
}

// GetCurrentPath 返回当天原图路径，缺失时先完成一次获取。
// 并发调用共享同一次获取；调用方 ctx 结束时提前返回，但获取本身继续完成。
func (s *Store) GetCurrentPath(ctx context.Context) (string, error) {
	if img, ok := s.Current(); ok {
		return img.Path, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(flightKey, func() (any, error) {
		if img, ok := s.Current(); ok {
			return img.Path, nil
		}
		acq, err := s.Acquire(detached, provider.Query{})
		if err != nil {
			return "", err
		}
		return acq.Image.Path, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Acquire 查询远端元数据并下载原图，原子地写入 <今日>_UHD.jpg。
// 同一天重复获取会覆盖当天文件。成功后依次执行 AcquireHook。
func (s *Store) Acquire(ctx context.Context, q provider.Query) (*Acquisition, error) {
	started := time.Now()
	acq, err := s.acquire(ctx, q)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultFailure
	}
	acquisitionsTotal.WithLabelValues(result).Inc()
	acquisitionDuration.WithLabelValues(result).Observe(time.Since(started).Seconds())
	if err != nil {
		s.logger.WithError(err).WithField("action", "source_acquire").Error("source acquisition failed")
		return nil, err
	}

	s.logger.WithFields(logging.SourceFields("source_acquire", acq.Image.Date, acq.Image.URL)).
		WithFields(logrus.Fields{
			"provider_date": acq.Metadata.StartDate,
			"bytes":         acq.Bytes,
			"new_day":       acq.NewDay,
			"elapsed_ms":    time.Since(started).Milliseconds(),
		}).Info("source acquired")

	s.hooksMu.Lock()
	hooks := append([]AcquireHook(nil), s.hooks...)
	s.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(ctx, acq)
	}
	return acq, nil
}

func (s *Store) acquire(ctx context.Context, q provider.Query) (*Acquisition, error) {
	meta, err := s.fetcher.FetchLatest(ctx, q)
	if err != nil {
		return nil, err
	}

	// 使用本地日期而不是上游 startdate，避免服务器与上游的时区差异
	date := s.Today()
	name := FileName(date)
	finalPath := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return nil, errs.WrapIO("create temp", s.dir, err)
	}
	tmpName := tmp.Name()

	written, err := s.fetcher.Download(ctx, meta.ImageURL, tmp)
	if err == nil {
		err = errs.WrapIO("sync", tmpName, tmp.Sync())
	}
	if closeErr := tmp.Close(); err == nil {
		err = errs.WrapIO("close", tmpName, closeErr)
	}
	if err != nil {
		os.Remove(tmpName)
		return nil, err
	}

	s.mu.Lock()
	_, statErr := os.Stat(finalPath)
	newDay := errors.Is(statErr, fs.ErrNotExist)
	if err := os.Rename(tmpName, finalPath); err != nil {
		s.mu.Unlock()
		os.Remove(tmpName)
		return nil, errs.WrapIO("rename", finalPath, err)
	}
	img := Image{
		Date:  date,
		URL:   meta.ImageURL,
		Path:  finalPath,
		Name:  name,
		Title: meta.DisplayTitle(),
	}
	s.latest = &img
	s.mu.Unlock()

	return &Acquisition{
		Image:    img,
		Metadata: meta,
		Bytes:    written,
		NewDay:   newDay,
	}, nil
}

// RotationReport 记录一次轮换的结果。
type RotationReport struct {
	Kept    string
	Deleted []string
	Failed  []string
}

// Rotate 删除除 <date>_UHD.jpg 外的全部原图。占位文件与隐藏临时文件保留，
// 单个文件删除失败只记录，不中断轮换。
func (s *Store) Rotate(date string) (RotationReport, error) {
	keep := FileName(date)
	report := RotationReport{Kept: keep}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return report, errs.WrapIO("read dir", s.dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == keep || strings.HasPrefix(name, ".") || !entry.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "source_rotate",
				"file":   name,
			}).Warn("remove superseded source failed")
			report.Failed = append(report.Failed, name)
			continue
		}
		report.Deleted = append(report.Deleted, name)
	}
	return report, nil
}
