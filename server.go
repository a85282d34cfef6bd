package gocapnweb

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gocapnweb/internal/capnweb"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for simplicity
	},
}

// ServerOptions configures SetupRpcEndpoint. Kept as an explicit
// struct rather than a config file, since SetupEchoServer itself
// takes no arguments for its own fixed set of middleware.
type ServerOptions struct {
	SessionOptions capnweb.SessionOptions
}

// MainFactory builds a fresh main capability per connection/batch, so
// stateful demos (like a per-session Counter) don't leak across
// clients.
type MainFactory func() capnweb.Target

// SetupRpcEndpoint mounts both a WebSocket endpoint and an HTTP POST
// batch endpoint at path, each driving its own capnweb.Session against
// a freshly built main capability.
func SetupRpcEndpoint(e *echo.Echo, path string, newMain MainFactory, opts ServerOptions) {
	e.GET(path, func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return err
		}
		defer conn.Close()

		transport := capnweb.NewWebSocketTransport(conn)
		session := capnweb.NewSession(transport, newMain(), opts.SessionOptions)
		log.Printf("WebSocket connection opened on %s", path)
		if err := session.Run(c.Request().Context()); err != nil {
			log.Printf("WebSocket session ended: %v", err)
		}
		session.Close(context.Background())
		log.Printf("WebSocket connection closed on %s", path)
		return nil
	})

	e.POST(path, func(c echo.Context) error {
		c.Response().Header().Set("Content-Type", "text/plain")
		defer c.Request().Body.Close()

		transport := capnweb.NewHTTPBatchTransport(c.Request().Body)
		session := capnweb.NewSession(transport, newMain(), opts.SessionOptions)

		err := session.Run(c.Request().Context())
		if err != nil && !capnweb.IsBatchComplete(err) {
			log.Printf("Error processing HTTP batch: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "error reading request body")
		}
		if drainErr := session.Drain(c.Request().Context()); drainErr != nil {
			log.Printf("Error draining HTTP batch: %v", drainErr)
		}
		session.Close(context.Background())

		return c.String(http.StatusOK, string(transport.ResponseBody()))
	})
}

// SetupEchoServer creates and configures an Echo server with common middleware.
func SetupEchoServer() *echo.Echo {
	e := echo.New()

	// Add middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Hide Echo banner for cleaner output
	e.HideBanner = true

	return e
}
