// Package defaults implements the two default challenge callbacks: an
// HTTP-01 server backed by gin, and a DNS-01 callback backed by
// miekg/dns that polls for propagation instead of only printing
// guidance.
package defaults

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HTTPFileCallback serves /.well-known/acme-challenge/<token> for every
// token currently deployed, using gin for routing rather than a
// hand-rolled net/http.ServeMux.
type HTTPFileCallback struct {
	Addr string
	Log  *zap.Logger

	mu      sync.Mutex
	tokens  map[string]string
	srv     *http.Server
	started bool
}

// NewHTTPFileCallback builds a callback listening on addr (e.g. ":80").
func NewHTTPFileCallback(addr string, log *zap.Logger) *HTTPFileCallback {
	return &HTTPFileCallback{Addr: addr, Log: log, tokens: map[string]string{}}
}

// Deploy registers the token/value pair and starts the server on first
// use. selector is the raw token, value is the key authorization.
func (c *HTTPFileCallback) Deploy(domain, selector, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[selector] = value
	if !c.started {
		if err := c.start(); err != nil {
			return err
		}
		c.started = true
	}
	if c.Log != nil {
		c.Log.Info("http-01 challenge file deployed", zap.String("domain", domain), zap.String("token", selector))
	}
	return nil
}

// Cleanup removes the token so later requests for it 404, regardless of
// the terminal status.
func (c *HTTPFileCallback) Cleanup(domain, selector, value, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, selector)
	if c.Log != nil {
		c.Log.Info("http-01 challenge file removed", zap.String("domain", domain), zap.String("token", selector), zap.String("status", status))
	}
	return nil
}

// Shutdown stops the underlying HTTP server, if running.
func (c *HTTPFileCallback) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	srv := c.srv
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (c *HTTPFileCallback) start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/.well-known/acme-challenge/:token", func(ctx *gin.Context) {
		token := ctx.Param("token")
		c.mu.Lock()
		value, ok := c.tokens[token]
		c.mu.Unlock()
		if !ok {
			ctx.Status(http.StatusNotFound)
			return
		}
		ctx.Data(http.StatusOK, "application/octet-stream", []byte(value))
	})

	c.srv = &http.Server{Addr: c.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("defaults: http-01 server: %w", err)
	default:
		return nil
	}
}
