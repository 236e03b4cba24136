package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zulandar/palaver/internal/coordinator"
)

var errClosed = errors.New("server: shutting down")

// viewEntry is an open coordinator view plus the event streams watching it.
type viewEntry struct {
	id   string
	view *coordinator.View

	// Guarded by Server.mu.
	refs  int
	timer *time.Timer

	mu   sync.Mutex
	subs map[*latest[coordinator.Snapshot]]struct{}
}

func (e *viewEntry) publish(snap coordinator.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for slot := range e.subs {
		slot.set(snap)
	}
}

func (e *viewEntry) subscribe() *latest[coordinator.Snapshot] {
	slot := newLatest[coordinator.Snapshot]()
	e.mu.Lock()
	e.subs[slot] = struct{}{}
	e.mu.Unlock()
	slot.set(e.view.Snapshot())
	return slot
}

func (e *viewEntry) unsubscribe(slot *latest[coordinator.Snapshot]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, slot)
}

// acquire returns the open view for a conversation, opening it on first
// use. Every acquire is paired with a release.
func (s *Server) acquire(conversationID string) (*viewEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	if e, ok := s.views[conversationID]; ok {
		e.refs++
		return e, nil
	}

	e := &viewEntry{id: conversationID, subs: make(map[*latest[coordinator.Snapshot]]struct{})}
	v, err := coordinator.Open(context.Background(), coordinator.Opts{
		Ledger:         s.opts.Ledger,
		Bus:            s.opts.Bus,
		Completer:      s.opts.Completer,
		Credentials:    s.opts.Credentials,
		ConversationID: conversationID,
		Collection:     s.opts.Collection,
		ContextWindow:  s.opts.ContextWindow,
		Watchdog:       s.opts.Watchdog,
		Logger:         &s.logger,
		OnChange:       e.publish,
	})
	if err != nil {
		return nil, err
	}
	e.view = v
	e.refs = 1
	s.views[conversationID] = e
	return e, nil
}

// release drops a reference. A view nobody holds is closed once it has
// been idle for ViewIdle and owes no reply.
func (s *Server) release(e *viewEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs > 0 || s.closed {
		return
	}
	if e.timer == nil {
		e.timer = time.AfterFunc(s.opts.ViewIdle, func() { s.evictIdle(e) })
		return
	}
	e.timer.Reset(s.opts.ViewIdle)
}

func (s *Server) evictIdle(e *viewEntry) {
	s.mu.Lock()
	if s.closed || e.refs > 0 || s.views[e.id] != e {
		s.mu.Unlock()
		return
	}
	if e.view.Busy() {
		e.timer.Reset(s.opts.ViewIdle)
		s.mu.Unlock()
		return
	}
	delete(s.views, e.id)
	s.retiring.Add(1)
	s.mu.Unlock()

	s.logger.Debug().Str("conversation_id", e.id).Msg("closing idle view")
	s.retire(e)
}

// evict closes the views of the given conversations, or of every
// conversation when ids is empty. Views with open event streams stay.
func (s *Server) evict(ids ...string) {
	s.mu.Lock()
	var gone []*viewEntry
	drop := func(e *viewEntry) {
		if e.refs > 0 {
			return
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.views, e.id)
		s.retiring.Add(1)
		gone = append(gone, e)
	}
	if len(ids) == 0 {
		for _, e := range s.views {
			drop(e)
		}
	}
	for _, id := range ids {
		if e, ok := s.views[id]; ok {
			drop(e)
		}
	}
	s.mu.Unlock()

	for _, e := range gone {
		s.retire(e)
	}
}

// retire closes a view removed from s.views. The caller has counted it in
// s.retiring while holding s.mu. A reply already in flight is still stored.
func (s *Server) retire(e *viewEntry) {
	go func() {
		defer s.retiring.Done()
		e.view.Close()
		e.view.Wait()
	}()
}

func (s *Server) openViews() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}
