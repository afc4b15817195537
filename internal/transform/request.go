package transform

import (
	"strconv"
	"strings"

	"github.com/wallhub/wallhub/internal/errs"
)

// Format 是派生图的输出编码。
type Format string

const (
	FormatJPG  Format = "jpg"
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
)

// Fit 决定原图宽高比如何映射到目标尺寸。
type Fit string

const (
	// FitCover 等比缩放覆盖目标区域并居中裁剪。
	FitCover Fit = "cover"
	// FitContain 等比缩放置于目标区域内，空白处填充黑色。
	FitContain Fit = "contain"
	// FitFill 忽略宽高比直接拉伸。
	FitFill Fit = "fill"
	// FitInside 等比缩放，使两边都不超过目标尺寸。
	FitInside Fit = "inside"
	// FitOutside 等比缩放，使两边都不小于目标尺寸。
	FitOutside Fit = "outside"
)

const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
	DefaultFormat = FormatJPG
	DefaultFit    = FitCover

	// MaxDimension 限制单边像素，避免一次请求耗尽内存。
	MaxDimension = 8192
)

var (
	formats = []Format{FormatJPG, FormatJPEG, FormatPNG, FormatWebP, FormatAVIF}
	fits    = []Fit{FitCover, FitContain, FitFill, FitInside, FitOutside}
)

// Request 描述一次派生图请求的参数。零值字段在 Normalize 时填充默认值。
type Request struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format Format `json:"format"`
	Fit    Fit    `json:"fit"`
}

// Normalize 填充默认值并将 format/fit 统一为小写，不做任何合法性修正。
func (r Request) Normalize() Request {
	if r.Width == 0 {
		r.Width = DefaultWidth
	}
	if r.Height == 0 {
		r.Height = DefaultHeight
	}
	r.Format = Format(strings.ToLower(strings.TrimSpace(string(r.Format))))
	if r.Format == "" {
		r.Format = DefaultFormat
	}
	r.Fit = Fit(strings.ToLower(strings.TrimSpace(string(r.Fit))))
	if r.Fit == "" {
		r.Fit = DefaultFit
	}
	return r
}

// Validate 校验已归一化的请求，非法值返回 *errs.ValidationError。
func (r Request) Validate() error {
	if r.Width <= 0 || r.Width > MaxDimension {
		return errs.Invalid("width", strconv.Itoa(r.Width), "must be between 1 and "+strconv.Itoa(MaxDimension))
	}
	if r.Height <= 0 || r.Height > MaxDimension {
		return errs.Invalid("height", strconv.Itoa(r.Height), "must be between 1 and "+strconv.Itoa(MaxDimension))
	}
	if !r.Format.Valid() {
		return errs.Invalid("format", string(r.Format), "supported: "+joinFormats())
	}
	if !r.Fit.Valid() {
		return errs.Invalid("fit", string(r.Fit), "supported: "+joinFits())
	}
	return nil
}

// Valid 判断是否为受支持的输出格式。
func (f Format) Valid() bool {
	for _, candidate := range formats {
		if f == candidate {
			return true
		}
	}
	return false
}

// ContentType 返回格式对应的 MIME 类型。
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	default:
		return "image/jpeg"
	}
}

// Valid 判断是否为受支持的缩放模式。
func (f Fit) Valid() bool {
	for _, candidate := range fits {
		if f == candidate {
			return true
		}
	}
	return false
}

func joinFormats() string {
	parts := make([]string, len(formats))
	for i, f := range formats {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}

func joinFits() string {
	parts := make([]string, len(fits))
	for i, f := range fits {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}
