package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/wallhub/wallhub/internal/cache"
	"github.com/wallhub/wallhub/internal/errs"
)

func TestRouterSetsRequestID(t *testing.T) {
	app := newTestApp(t)
	app.Get("/ping", func(c fiber.Ctx) error {
		if RequestID(c) == "" {
			t.Errorf("request id missing in handler")
		}
		return OK(c, "pong", nil)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturnsJSON404ForUnknownRoute(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/nope", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body := decodeEnvelope(t, resp.Body)
	if body.Success || body.Message != "接口不存在" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestErrorHandlerMapsTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", errs.Invalid("format", "bmp", "unsupported"), fiber.StatusBadRequest},
		{"fetch", &errs.FetchError{Op: "metadata", Status: 503}, fiber.StatusBadGateway},
		{"encode", &errs.EncodeError{Op: "decode", Err: errors.New("corrupt")}, fiber.StatusInternalServerError},
		{"io", &errs.IOError{Op: "write", Path: "/x", Err: errors.New("disk full")}, fiber.StatusInternalServerError},
		{"missing", cache.ErrNotFound, fiber.StatusNotFound},
		{"other", errors.New("boom"), fiber.StatusInternalServerError},
	}

	app := newTestApp(t)
	for _, tc := range cases {
		err := tc.err
		app.Get("/"+tc.name, func(c fiber.Ctx) error { return err })
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", "/"+tc.name, nil))
			if err != nil {
				t.Fatalf("app.Test failed: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			body := decodeEnvelope(t, resp.Body)
			if body.Success || body.Error == "" {
				t.Fatalf("error envelope expected, got %+v", body)
			}
		})
	}
}

func TestRouterRecoversFromPanic(t *testing.T) {
	app := newTestApp(t)
	app.Get("/panic", func(c fiber.Ctx) error {
		panic("kaboom")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/panic", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestNewAppRequiresLogger(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("logger 为空时应返回错误")
	}
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{Logger: logger})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

func decodeEnvelope(t *testing.T, r io.Reader) Envelope {
	t.Helper()
	var body Envelope
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}
