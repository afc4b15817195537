package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wallhub/wallhub/internal/cache"
	"github.com/wallhub/wallhub/internal/source"
	"github.com/wallhub/wallhub/internal/version"
)

// SourceInspector 描述当前原图，source.Store 实现了它。
type SourceInspector interface {
	Current() (source.Image, bool)
	Dir() string
}

// CacheLister 列出派生图目录，cache.Store 实现了它。
type CacheLister interface {
	List(ctx context.Context) ([]cache.Entry, error)
	Dir() string
}

// ScheduleInspector 返回各定时任务的下一次触发时间。
type ScheduleInspector interface {
	Entries() map[string]time.Time
}

// Diagnostics 汇总 /health 与 /-/ 诊断路由的依赖，字段均可为空。
type Diagnostics struct {
	Source   SourceInspector
	Cache    CacheLister
	Schedule ScheduleInspector
}

// RegisterDiagnosticsRoutes 暴露 /health、/-/metrics 与 /-/status。
func RegisterDiagnosticsRoutes(app *fiber.App, diag Diagnostics) {
	if app == nil {
		return
	}

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"message":   "服务运行正常",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload, err := diag.status(c.Context())
		if err != nil {
			return err
		}
		return c.JSON(payload)
	})
}

type sourceStatus struct {
	Dir     string        `json:"dir"`
	Current *source.Image `json:"current"`
}

type cacheStatus struct {
	Dir        string `json:"dir"`
	Files      int    `json:"files"`
	TotalBytes int64  `json:"total_bytes"`
}

type statusPayload struct {
	Version  string               `json:"version"`
	Source   *sourceStatus        `json:"source,omitempty"`
	Cache    *cacheStatus         `json:"cache,omitempty"`
	Schedule map[string]time.Time `json:"schedule,omitempty"`
}

func (d Diagnostics) status(ctx context.Context) (statusPayload, error) {
	payload := statusPayload{Version: version.Full()}

	if d.Source != nil {
		st := &sourceStatus{Dir: d.Source.Dir()}
		if img, ok := d.Source.Current(); ok {
			st.Current = &img
		}
		payload.Source = st
	}

	if d.Cache != nil {
		entries, err := d.Cache.List(ctx)
		if err != nil {
			return payload, err
		}
		st := &cacheStatus{Dir: d.Cache.Dir(), Files: len(entries)}
		for _, e := range entries {
			st.TotalBytes += e.SizeBytes
		}
		payload.Cache = st
	}

	if d.Schedule != nil {
		payload.Schedule = d.Schedule.Entries()
	}
	return payload, nil
}
