// Package provider talks to the Bing HPImageArchive endpoint: it resolves the
// metadata of the daily wallpaper and downloads the full-resolution image.
// Callers own the shared http.Client (see server.NewUpstreamClient).
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wallhub/wallhub/internal/config"
	"github.com/wallhub/wallhub/internal/errs"
)

const archivePath = "/HPImageArchive.aspx"

// maxMetadataBytes 限制元数据响应体大小，避免异常上游撑爆内存。
const maxMetadataBytes = 1 << 20

// Query 描述一次元数据请求。零值字段使用 Client 的默认配置。
type Query struct {
	Index  int
	Count  int
	Market string
}

// Metadata 是从 images[0] 中解析出的壁纸信息。
type Metadata struct {
	URLBase   string          `json:"urlbase"`
	StartDate string          `json:"startdate"`
	Title     string          `json:"title"`
	Copyright string          `json:"copyright"`
	ImageURL  string          `json:"imageUrl"`
	Raw       json.RawMessage `json:"-"`
}

// DisplayTitle 返回 title，缺失时取 copyright 第一个 "(" 之前的部分。
func (m Metadata) DisplayTitle() string {
	if t := strings.TrimSpace(m.Title); t != "" {
		return t
	}
	head, _, _ := strings.Cut(m.Copyright, "(")
	return strings.TrimSpace(head)
}

type archiveImage struct {
	URLBase   string `json:"urlbase"`
	URL       string `json:"url"`
	StartDate string `json:"startdate"`
	EndDate   string `json:"enddate"`
	Title     string `json:"title"`
	Copyright string `json:"copyright"`
}

type archiveResponse struct {
	Images []archiveImage `json:"images"`
}

// Client 封装 Bing 元数据查询与原图下载。
type Client struct {
	http     *http.Client
	host     string
	defaults Query
	suffix   string
}

// New 基于 Provider 配置构造 Client。httpClient 为 nil 时使用 http.DefaultClient。
func New(httpClient *http.Client, cfg config.ProviderConfig) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	count := cfg.Count
	if count <= 0 {
		count = 1
	}
	return &Client{
		http: httpClient,
		host: strings.TrimRight(cfg.Host, "/"),
		defaults: Query{
			Index:  cfg.Index,
			Count:  count,
			Market: cfg.Market,
		},
		suffix: cfg.ImageSuffix,
	}
}

// Defaults 返回配置中的默认查询参数。
func (c *Client) Defaults() Query {
	return c.defaults
}

// FetchLatest 请求 HPImageArchive 并返回 images[0] 的元数据。
func (c *Client) FetchLatest(ctx context.Context, q Query) (*Metadata, error) {
	endpoint := c.archiveURL(c.merge(q))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &errs.FetchError{Op: "metadata", URL: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.FetchError{Op: "metadata", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &errs.FetchError{Op: "metadata", URL: endpoint, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, &errs.FetchError{Op: "metadata", URL: endpoint, Status: resp.StatusCode, Err: err}
	}

	var payload archiveResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &errs.FetchError{Op: "metadata", URL: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(payload.Images) == 0 || strings.TrimSpace(payload.Images[0].URLBase) == "" {
		return nil, &errs.FetchError{Op: "metadata", URL: endpoint, Status: resp.StatusCode, Err: errors.New("response has no images")}
	}

	first := payload.Images[0]
	return &Metadata{
		URLBase:   first.URLBase,
		StartDate: first.StartDate,
		Title:     first.Title,
		Copyright: first.Copyright,
		ImageURL:  c.ImageURL(first.URLBase),
		Raw:       raw,
	}, nil
}

// ImageURL 拼接原图地址：host + urlbase + 后缀。
func (c *Client) ImageURL(urlBase string) string {
	if !strings.HasPrefix(urlBase, "/") {
		urlBase = "/" + urlBase
	}
	return c.host + urlBase + c.suffix
}

// Download 将 rawURL 的响应体写入 dst，返回写入字节数。空响应视为失败。
func (c *Client) Download(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &errs.FetchError{Op: "image", URL: rawURL, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &errs.FetchError{Op: "image", URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &errs.FetchError{Op: "image", URL: rawURL, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	written, err := io.Copy(dst, resp.Body)
	if err != nil {
		return written, &errs.FetchError{Op: "image", URL: rawURL, Status: resp.StatusCode, Err: err}
	}
	if written == 0 {
		return 0, &errs.FetchError{Op: "image", URL: rawURL, Status: resp.StatusCode, Err: errors.New("empty body")}
	}
	return written, nil
}

func (c *Client) merge(q Query) Query {
	merged := c.defaults
	if q.Index > 0 {
		merged.Index = q.Index
	}
	if q.Count > 0 {
		merged.Count = q.Count
	}
	if strings.TrimSpace(q.Market) != "" {
		merged.Market = q.Market
	}
	return merged
}

func (c *Client) archiveURL(q Query) string {
	values := url.Values{}
	values.Set("format", "js")
	values.Set("idx", strconv.Itoa(q.Index))
	values.Set("n", strconv.Itoa(q.Count))
	values.Set("mkt", q.Market)
	return c.host + archivePath + "?" + values.Encode()
}
