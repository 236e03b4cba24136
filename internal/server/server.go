// Package server exposes the conversation store and response coordinator
// over a local HTTP API, with server-sent events for live views.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/palaver/internal/coordinator"
	"github.com/zulandar/palaver/internal/index"
	"github.com/zulandar/palaver/internal/ledger"
	"github.com/zulandar/palaver/internal/livequery"
)

// Opts holds configuration for the API server.
type Opts struct {
	Ledger      *ledger.Ledger
	Bus         *livequery.Bus
	Completer   coordinator.Completer
	Credentials coordinator.Credentials

	Collection    string
	ContextWindow int
	Watchdog      time.Duration

	Port      int
	Out       io.Writer
	Logger    *zerolog.Logger
	Now       func() time.Time // defaults to time.Now
	Heartbeat time.Duration    // SSE keep-alive interval, defaults to 15s
	ViewIdle  time.Duration    // how long an unused view stays open, defaults to 1m
}

// Server serves the API. It keeps one coordinator view per conversation
// in use, closing views that sit idle.
type Server struct {
	opts   Opts
	index  *index.Index
	router *gin.Engine
	logger zerolog.Logger

	mu       sync.Mutex
	views    map[string]*viewEntry
	closed   bool
	retiring sync.WaitGroup
}

// New validates opts and builds the router.
func New(opts Opts) (*Server, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("server: ledger is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("server: bus is required")
	}
	if opts.Completer == nil || opts.Credentials == nil {
		return nil, fmt.Errorf("server: completer and credentials are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8787
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.ViewIdle <= 0 {
		opts.ViewIdle = time.Minute
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "server").Logger()
	}

	s := &Server{
		opts:   opts,
		index:  index.New(opts.Ledger),
		logger: logger,
		views:  make(map[string]*viewEntry),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes(router)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on the configured port. It blocks until ctx is cancelled,
// then shuts down gracefully and closes every open view.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		s.shutdown(srv, 5*time.Second)
	}()

	if s.opts.Out != nil {
		fmt.Fprintf(s.opts.Out, "Palaver API listening on http://localhost:%d\n", s.opts.Port)
	}

	err := srv.ListenAndServe()
	s.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// shutdown stops srv, giving open requests up to timeout to finish.
func (s *Server) shutdown(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
}

// Close closes every open view and waits for in-flight replies to be
// stored.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	entries := make([]*viewEntry, 0, len(s.views))
	for _, e := range s.views {
		if e.timer != nil {
			e.timer.Stop()
		}
		entries = append(entries, e)
	}
	s.views = make(map[string]*viewEntry)
	s.mu.Unlock()

	for _, e := range entries {
		e.view.Close()
	}
	for _, e := range entries {
		e.view.Wait()
	}
	s.retiring.Wait()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
