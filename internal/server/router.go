package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for serving a range
// request against the resolved origin. It allows injecting fake handlers
// during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *UpstreamRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *UpstreamRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *UpstreamRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Resolver   *UpstreamResolver
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRoute     = "_videocache_route"
	contextKeyRequestID = "_videocache_request_id"
)

// NewApp builds a Fiber application with upstream resolution middleware and
// structured error handling. Diagnostics routes under /-/ are registered by
// the caller after construction.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("upstream resolver is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead:
		default:
			c.Set(fiber.HeaderAllow, "GET, HEAD")
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{
				"error": "method_not_allowed",
			})
		}
		route, _ := getRouteFromContext(c)
		if route == nil {
			return renderUpstreamMissing(c, opts.Logger, "", ErrUpstreamMissing)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并根据 RealHostParam 解析源站。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(c.Query(RealHostParam))
		route, err := opts.Resolver.Resolve(rawHost)
		if err != nil {
			return renderUpstreamMissing(c, opts.Logger, rawHost, err)
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

func renderUpstreamMissing(c fiber.Ctx, logger *logrus.Logger, host string, err error) error {
	fields := logrus.Fields{
		"action": "upstream_lookup",
		"host":   host,
		"path":   string(c.Request().URI().Path()),
	}
	logger.WithFields(fields).WithError(err).Warn("upstream unresolved")

	if errors.Is(err, ErrUpstreamMissing) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "upstream_missing",
		})
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "upstream_invalid",
	})
}

func getRouteFromContext(c fiber.Ctx) (*UpstreamRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*UpstreamRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
