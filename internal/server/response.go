package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/wallhub/wallhub/internal/cache"
	"github.com/wallhub/wallhub/internal/errs"
)

// Envelope 是所有 JSON 接口统一的响应结构。
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK 以 200 返回成功响应。
func OK(c fiber.Ctx, message string, data any) error {
	return c.JSON(Envelope{Success: true, Message: message, Data: data})
}

// Classify 将错误映射为 HTTP 状态码与面向用户的提示。
func Classify(err error) (int, string) {
	var (
		validationErr *errs.ValidationError
		fetchErr      *errs.FetchError
		encodeErr     *errs.EncodeError
		ioErr         *errs.IOError
		fiberErr      *fiber.Error
	)
	switch {
	case errors.As(err, &validationErr):
		return fiber.StatusBadRequest, "请求参数无效"
	case errors.As(err, &fetchErr):
		return fiber.StatusBadGateway, "获取壁纸失败"
	case errors.As(err, &encodeErr):
		return fiber.StatusInternalServerError, "图片处理失败"
	case errors.As(err, &ioErr):
		return fiber.StatusInternalServerError, "磁盘读写失败"
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrInvalidKey):
		return fiber.StatusNotFound, "文件不存在"
	case errors.As(err, &fiberErr):
		if fiberErr.Code == fiber.StatusNotFound {
			return fiberErr.Code, "接口不存在"
		}
		return fiberErr.Code, fiberErr.Message
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusInternalServerError, "请求超时或已取消"
	default:
		return fiber.StatusInternalServerError, "服务器内部错误"
	}
}

// ErrorHandler 输出统一的错误 JSON，5xx 记录为 error 日志。
func ErrorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status, message := Classify(err)
		fields := logrus.Fields{
			"action":     "http_error",
			"request_id": RequestID(c),
			"path":       c.Path(),
			"status":     status,
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithError(err).WithFields(fields).Error(message)
		} else {
			logger.WithError(err).WithFields(fields).Debug(message)
		}

		body := Envelope{Success: false, Message: message}
		var fiberErr *fiber.Error
		if !errors.As(err, &fiberErr) {
			body.Error = err.Error()
		}
		return c.Status(status).JSON(body)
	}
}
