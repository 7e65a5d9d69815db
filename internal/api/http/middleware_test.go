package http

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spec-kit/consultation-sync/internal/observability"
	apperrors "github.com/spec-kit/consultation-sync/pkg/util"
)

func TestRequestIDIsEchoedOrAssigned(t *testing.T) {
	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), observability.NewMetrics(), 0)
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString(observability.RequestID(c)) })

	req := httptest.NewRequest(fiber.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "req-1")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := resp.Header.Get(requestIDHeader); got != "req-1" {
		t.Fatalf("request id = %q", got)
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/ping", nil), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := resp.Header.Get(requestIDHeader); len(got) != 36 {
		t.Fatalf("expected generated uuid, got %q", got)
	}
}

func TestFailedRequestLogNamesResource(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	app := fiber.New()
	RegisterMiddlewares(app, zap.New(core), observability.NewMetrics(), 0)
	app.Get("/internal/consultations/:id", func(*fiber.Ctx) error {
		return apperrors.NewInternalError(errors.New("pool closed"))
	})
	app.Post("/internal/jobs/:name/run", func(*fiber.Ctx) error {
		return apperrors.NewConflict("job already running", nil)
	})

	req := httptest.NewRequest(fiber.MethodGet, "/internal/consultations/c-1", nil)
	req.Header.Set(requestIDHeader, "req-2")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status %d", resp.StatusCode)
	}
	failed := logs.FilterMessage("request failed").All()
	if len(failed) != 1 {
		t.Fatalf("expected one failure log, got %d", len(failed))
	}
	fields := failed[0].ContextMap()
	if fields["consultation_id"] != "c-1" || fields["request_id"] != "req-2" || fields["code"] != "INTERNAL_ERROR" {
		t.Fatalf("unexpected fields %v", fields)
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodPost, "/internal/jobs/calls/run", nil), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status %d", resp.StatusCode)
	}
	rejected := logs.FilterMessage("request rejected").All()
	if len(rejected) != 1 || rejected[0].ContextMap()["job"] != "calls" {
		t.Fatalf("unexpected rejection logs %+v", rejected)
	}
}
