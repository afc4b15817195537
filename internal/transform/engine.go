package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"

	"github.com/wallhub/wallhub/internal/errs"
)

// DefaultQuality 是有损格式的固定输出质量。
const DefaultQuality = 90

// background 用于 contain 模式的留白区域。
var background = color.NRGBA{R: 0, G: 0, B: 0, A: 255}

// Engine 将原图按 Request 缩放并重新编码，本身不做缓存也不写磁盘。
type Engine struct {
	quality int
	filter  imaging.ResampleFilter
}

// NewEngine 构造转换引擎，quality <= 0 时使用 DefaultQuality。
func NewEngine(quality int) *Engine {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Engine{quality: quality, filter: imaging.Lanczos}
}

// Transform 读取 sourcePath 并返回编码后的字节。req 必须已经通过 Validate。
func (e *Engine) Transform(ctx context.Context, sourcePath string, req Request) ([]byte, error) {
	src, err := decodeFile(sourcePath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resized := e.resize(src, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := e.encode(&buf, resized, req.Format); err != nil {
		return nil, &errs.EncodeError{Op: "encode", Format: string(req.Format), Err: err}
	}
	return buf.Bytes(), nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.IOError{Op: "open source", Path: path, Err: err}
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &errs.EncodeError{Op: "decode", Err: err}
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, &errs.EncodeError{Op: "decode", Err: fmt.Errorf("empty image %dx%d", bounds.Dx(), bounds.Dy())}
	}
	return img, nil
}

func (e *Engine) resize(img image.Image, req Request) image.Image {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	switch req.Fit {
	case FitContain:
		w, h := ScaleToBox(srcW, srcH, req.Width, req.Height, false)
		canvas := imaging.New(req.Width, req.Height, background)
		return imaging.PasteCenter(canvas, imaging.Resize(img, w, h, e.filter))
	case FitFill:
		return imaging.Resize(img, req.Width, req.Height, e.filter)
	case FitInside:
		w, h := ScaleToBox(srcW, srcH, req.Width, req.Height, false)
		return imaging.Resize(img, w, h, e.filter)
	case FitOutside:
		w, h := ScaleToBox(srcW, srcH, req.Width, req.Height, true)
		return imaging.Resize(img, w, h, e.filter)
	default:
		return imaging.Fill(img, req.Width, req.Height, imaging.Center, e.filter)
	}
}

// ScaleToBox 计算等比缩放后的尺寸。cover 为 false 时结果落在目标框内，
// 为 true 时结果覆盖目标框；两种情况都允许放大。
func ScaleToBox(srcW, srcH, boxW, boxH int, cover bool) (int, int) {
	scaleW := float64(boxW) / float64(srcW)
	scaleH := float64(boxH) / float64(srcH)

	scale := math.Min(scaleW, scaleH)
	if cover {
		scale = math.Max(scaleW, scaleH)
	}

	w := int(math.Round(float64(srcW) * scale))
	h := int(math.Round(float64(srcH) * scale))
	// 取整误差不能让结果越过目标框的约束方向
	if !cover {
		w, h = min(w, boxW), min(h, boxH)
	} else {
		w, h = max(w, boxW), max(h, boxH)
	}
	return max(w, 1), max(h, 1)
}

func (e *Engine) encode(w io.Writer, img image.Image, format Format) error {
	switch format {
	case FormatJPG, FormatJPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(e.quality))
	case FormatPNG:
		return imaging.Encode(w, img, imaging.PNG)
	case FormatWebP:
		return webp.Encode(w, img, webp.Options{Quality: e.quality, Method: 4})
	case FormatAVIF:
		return avif.Encode(w, img, avif.Options{Quality: e.quality, QualityAlpha: e.quality, Speed: 8})
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
