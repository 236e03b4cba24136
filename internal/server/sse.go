package server

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// latest holds the most recent value for a slow reader. Setting it twice
// before a read keeps only the second value.
type latest[T any] struct {
	mu    sync.Mutex
	v     T
	ok    bool
	ready chan struct{}
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ready: make(chan struct{}, 1)}
}

func (l *latest[T]) set(v T) {
	l.mu.Lock()
	l.v, l.ok = v, true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest[T]) take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.v, l.ok
	var zero T
	l.v, l.ok = zero, false
	return v, ok
}

// streamSSE writes each value placed in slot as an SSE event until the
// client goes away.
func streamSSE[T any](c *gin.Context, event string, slot *latest[T], heartbeatEvery time.Duration) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-slot.ready:
			v, ok := slot.take()
			if !ok {
				continue
			}
			writeSSE(c.Writer, event, v)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
