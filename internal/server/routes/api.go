package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/wallhub/wallhub/internal/cache"
	"github.com/wallhub/wallhub/internal/errs"
	"github.com/wallhub/wallhub/internal/provider"
	"github.com/wallhub/wallhub/internal/render"
	"github.com/wallhub/wallhub/internal/server"
	"github.com/wallhub/wallhub/internal/source"
	"github.com/wallhub/wallhub/internal/transform"
)

// ViewCacheControl 是预览接口与静态派生图的缓存头。
const ViewCacheControl = "public, max-age=3600"

// Renderer 解析派生图请求，render.Resolver 实现了它。
type Renderer interface {
	Resolve(ctx context.Context, req transform.Request) (*render.Result, error)
	Open(ctx context.Context, req transform.Request) (*render.Result, *cache.ReadResult, error)
	OpenKey(ctx context.Context, key string) (*cache.ReadResult, error)
}

// Purger 清空派生图缓存，render.Janitor 实现了它。
type Purger interface {
	ClearAll(ctx context.Context) (int, error)
}

// Acquirer 手动获取原图并描述当前原图，source.Store 实现了它。
type Acquirer interface {
	Acquire(ctx context.Context, q provider.Query) (*source.Acquisition, error)
	Current() (source.Image, bool)
}

// API 汇总 /api 路由依赖。
type API struct {
	Renderer Renderer
	Purger   Purger
	Source   Acquirer
}

// RegisterAPIRoutes 注册 /api/* 与 /processed/:name。
func RegisterAPIRoutes(app *fiber.App, api API) {
	if app == nil {
		return
	}

	group := app.Group("/api")
	if api.Source != nil {
		group.Get("/wallpaper", api.fetchWallpaper)
	}
	if api.Renderer != nil {
		group.Get("/image/process", api.processImage)
		group.Get("/image/view", api.viewImage)
		app.Get("/processed/:name", api.serveProcessed)
	}
	if api.Purger != nil {
		group.Delete("/image/cache", api.clearCache)
	}
}

type downloadedImage struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Date     string `json:"date"`
	Title    string `json:"title"`
}

type wallpaperPayload struct {
	APIData         json.RawMessage `json:"apiData,omitempty"`
	DownloadedImage downloadedImage `json:"downloadedImage"`
	ProviderDate    string          `json:"providerDate"`
	NewDay          bool            `json:"newDay"`
}

func (api API) fetchWallpaper(c fiber.Ctx) error {
	idx, err := optionalInt(c, "idx", 0, 7)
	if err != nil {
		return err
	}
	n, err := optionalInt(c, "n", 1, 8)
	if err != nil {
		return err
	}

	acq, err := api.Source.Acquire(c.Context(), provider.Query{
		Index:  idx,
		Count:  n,
		Market: strings.TrimSpace(c.Query("mkt")),
	})
	if err != nil {
		return err
	}

	return server.OK(c, "获取壁纸成功", wallpaperPayload{
		APIData: acq.Metadata.Raw,
		DownloadedImage: downloadedImage{
			URL:      acq.Image.URL,
			Filename: acq.Image.Name,
			Date:     acq.Image.Date,
			Title:    acq.Image.Title,
		},
		ProviderDate: acq.Metadata.StartDate,
		NewDay:       acq.NewDay,
	})
}

type sizePayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type processPayload struct {
	URL        string      `json:"url"`
	Filename   string      `json:"filename"`
	Size       sizePayload `json:"size"`
	Format     string      `json:"format"`
	Fit        string      `json:"fit"`
	FileSize   string      `json:"fileSize"`
	SizeBytes  int64       `json:"sizeBytes"`
	Cached     bool        `json:"cached"`
	SourceDate string      `json:"sourceDate,omitempty"`
}

func (api API) processImage(c fiber.Ctx) error {
	req, err := parseTransformRequest(c)
	if err != nil {
		return err
	}
	res, err := api.Renderer.Resolve(c.Context(), req)
	if err != nil {
		return err
	}

	message := "图片处理成功"
	if res.Cached {
		message = "返回缓存图片"
	}
	return server.OK(c, message, processPayload{
		URL:      strings.TrimRight(c.BaseURL(), "/") + "/processed/" + res.Filename,
		Filename: res.Filename,
		Size: sizePayload{
			Width:  res.Request.Width,
			Height: res.Request.Height,
		},
		Format:     string(res.Request.Format),
		Fit:        string(res.Request.Fit),
		FileSize:   formatKB(res.SizeBytes),
		SizeBytes:  res.SizeBytes,
		Cached:     res.Cached,
		SourceDate: res.SourceDate,
	})
}

func (api API) viewImage(c fiber.Ctx) error {
	req, err := parseTransformRequest(c)
	if err != nil {
		return err
	}
	res, read, err := api.Renderer.Open(c.Context(), req)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, res.Request.Format.ContentType())
	c.Set(fiber.HeaderCacheControl, ViewCacheControl)
	c.Set("X-Cache", cacheHeader(res.Cached))
	return streamEntry(c, read)
}

func (api API) serveProcessed(c fiber.Ctx) error {
	name := c.Params("name")
	read, err := api.Renderer.OpenKey(c.Context(), name)
	if err != nil {
		return err
	}

	format := transform.Format(strings.TrimPrefix(path.Ext(name), "."))
	c.Set(fiber.HeaderContentType, format.ContentType())
	c.Set(fiber.HeaderCacheControl, ViewCacheControl)
	return streamEntry(c, read)
}

// streamEntry 将派生图写入响应体并关闭文件。
func streamEntry(c fiber.Ctx, read *cache.ReadResult) error {
	defer read.Reader.Close()
	c.Response().Header.SetContentLength(int(read.Entry.SizeBytes))
	if _, err := io.Copy(c.Response().BodyWriter(), read.Reader); err != nil {
		return errs.WrapIO("stream", read.Entry.FilePath, err)
	}
	return nil
}

func (api API) clearCache(c fiber.Ctx) error {
	deleted, err := api.Purger.ClearAll(c.Context())
	if err != nil {
		return err
	}
	return server.OK(c, "缓存清理成功", fiber.Map{"deletedCount": deleted})
}

// parseTransformRequest 读取 width/height/format/fit。缺省值由 Normalize 填充，
// 非数字的尺寸直接拒绝。
func parseTransformRequest(c fiber.Ctx) (transform.Request, error) {
	width, err := optionalInt(c, "width", 1, transform.MaxDimension)
	if err != nil {
		return transform.Request{}, err
	}
	height, err := optionalInt(c, "height", 1, transform.MaxDimension)
	if err != nil {
		return transform.Request{}, err
	}
	return transform.Request{
		Width:  width,
		Height: height,
		Format: transform.Format(c.Query("format")),
		Fit:    transform.Fit(c.Query("fit")),
	}, nil
}

// optionalInt 解析可选整数参数，缺省返回 0。
func optionalInt(c fiber.Ctx, name string, minValue, maxValue int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Invalid(name, raw, "must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, errs.Invalid(name, raw, fmt.Sprintf("must be between %d and %d", minValue, maxValue))
	}
	return value, nil
}

func formatKB(size int64) string {
	return strconv.FormatFloat(float64(size)/1024, 'f', 2, 64) + " KB"
}

func cacheHeader(cached bool) string {
	if cached {
		return "HIT"
	}
	return "MISS"
}
