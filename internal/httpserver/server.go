// Package httpserver exposes the Twilio webhooks, the call-control API and
// the Media Streams websocket over echo.
package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	twiliomw "github.com/chadiek/voicecall/internal/middleware"
)

// New creates a configured Echo server instance with every route mounted.
func New(h *Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(twiliomw.TwilioAuth(h.twilioAuthToken, h.publicURL))
	h.Register(e)
	return e
}

// NewHTTPServer wraps e with the timeouts used in production.
func NewHTTPServer(addr string, e *echo.Echo) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
