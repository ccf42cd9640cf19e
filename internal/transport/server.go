// Package transport binds registered actions to HTTP.
package transport

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Mryrghb/todosWithLesan/internal/action"
	"github.com/Mryrghb/todosWithLesan/internal/engine"
	"github.com/Mryrghb/todosWithLesan/internal/instrument"
	"github.com/Mryrghb/todosWithLesan/internal/logger"
)

const traceHeader = "X-Request-ID"

type Options struct {
	Actions      *action.Registry
	Instrumenter instrument.Instrumenter
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Log      logger.Logger
}

// New builds the fiber app:
//
//	POST /api/:schema/:act  {"set": {...}, "get": {...}}
//	GET  /health
//	GET  /metrics
func New(opts Options) *fiber.App {
	if opts.Instrumenter == nil {
		opts.Instrumenter = &instrument.NoopInstrumenter{}
	}
	h := &handler{opts: opts}

	app := fiber.New(fiber.Config{
		ErrorHandler:          h.errorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(h.accessLog)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if opts.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	app.Post("/api/:schema/:act", h.invoke)
	return app
}

type handler struct {
	opts Options
}

func (h *handler) invoke(c *fiber.Ctx) error {
	var body action.Payload
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
		}
	}

	headers := map[string]string{}
	c.Request().Header.VisitAll(func(k, v []byte) {
		headers[string(k)] = string(v)
	})

	ctx := instrument.WithInstrumenter(c.UserContext(), h.opts.Instrumenter)
	traceID, _ := c.Locals("trace_id").(string)
	ctx = instrument.WithTraceID(ctx, traceID)

	result, err := h.opts.Actions.Invoke(ctx, c.Params("schema"), c.Params("act"), headers, body)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": result})
}

func (h *handler) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	traceID := c.Get(traceHeader)
	if traceID == "" {
		traceID = uuid.New().String()
	}
	c.Locals("trace_id", traceID)
	c.Set(traceHeader, traceID)

	err := c.Next()
	if err != nil {
		if herr := c.App().ErrorHandler(c, err); herr != nil {
			_ = c.SendStatus(fiber.StatusInternalServerError)
		}
	}
	h.opts.Log.Debug("request",
		zap.String("trace_id", traceID),
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}

func (h *handler) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		return c.Status(code).JSON(engine.ErrorResponse{Error: &engine.AppError{Code: "HTTP_ERROR", Message: fiberErr.Message}})
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		status := appErr.Status
		if status == 0 {
			status = code
		}
		return c.Status(status).JSON(engine.ErrorResponse{Error: appErr})
	}

	h.opts.Log.Error("unhandled error", zap.Error(err))
	return c.Status(code).JSON(engine.ErrorResponse{Error: engine.InternalError(err)})
}
