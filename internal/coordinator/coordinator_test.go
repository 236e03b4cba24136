package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/palaver/internal/auth"
	"github.com/zulandar/palaver/internal/completion"
	"github.com/zulandar/palaver/internal/config"
	"github.com/zulandar/palaver/internal/db"
	"github.com/zulandar/palaver/internal/ledger"
	"github.com/zulandar/palaver/internal/livequery"
	"github.com/zulandar/palaver/internal/models"
)

const waitFor = 2 * time.Second

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeLedger struct {
	mu       sync.Mutex
	appended []ledger.TurnInput
	err      error
}

func (f *fakeLedger) Append(_ context.Context, in ledger.TurnInput) (uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, &ledger.StorageFault{Op: "append", Err: f.err}
	}
	f.appended = append(f.appended, in)
	return uint(100 + len(f.appended)), nil
}

func (f *fakeLedger) ListByConversation(context.Context, string, string) ([]models.Turn, error) {
	return nil, nil
}

func (f *fakeLedger) all() []ledger.TurnInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.TurnInput(nil), f.appended...)
}

// fakeCompleter records requests. When release is non-nil each call waits
// for a value on it (or for its context).
type fakeCompleter struct {
	mu       sync.Mutex
	requests []completion.Request
	release  chan struct{}
	resp     *completion.Response
	err      error
}

func (f *fakeCompleter) Chat(ctx context.Context, req completion.Request) (*completion.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	release, resp, err := f.release, f.resp, f.err
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, &completion.RemoteCallFault{Message: ctx.Err().Error(), Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &completion.Response{AIResponse: "reply to " + req.UserMessage, MessageID: "m-" + req.UserMessage}
	}
	return resp, nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeCompleter) last() completion.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type snapshots struct {
	mu   sync.Mutex
	list []Snapshot
}

func (s *snapshots) record(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, snap)
}

func (s *snapshots) latest() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.list) == 0 {
		return Snapshot{}, false
	}
	return s.list[len(s.list)-1], true
}

func userTurn(id uint, content string) models.Turn {
	return models.Turn{ID: id, Role: models.RoleUser, Content: content, UserID: "u", ConversationID: "c1"}
}

func assistantTurn(id uint, content string) models.Turn {
	return models.Turn{ID: id, Role: models.RoleAssistant, Content: content, UserID: "u", ConversationID: "c1"}
}

func openView(t *testing.T, l Ledger, c Completer, mutate func(*Opts)) *View {
	t.Helper()
	opts := Opts{
		Ledger:         l,
		Completer:      c,
		Credentials:    auth.NewStatic("u", "token"),
		ConversationID: "c1",
		Collection:     "general_knowledge",
	}
	if mutate != nil {
		mutate(&opts)
	}
	v, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		v.Close()
		v.Wait()
	})
	return v
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "awaiting_user_input", StateAwaitingUserInput.String())
	assert.Equal(t, "request_in_flight", StateRequestInFlight.String())
	assert.Equal(t, "state(9)", State(9).String())

	text, err := StateRequestInFlight.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "request_in_flight", string(text))
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Opts{Completer: &fakeCompleter{}, Credentials: auth.NewStatic("u", "t")})
	assert.ErrorContains(t, err, "ledger is required")
	_, err = Open(context.Background(), Opts{Ledger: &fakeLedger{}, Credentials: auth.NewStatic("u", "t")})
	assert.ErrorContains(t, err, "completer is required")
	_, err = Open(context.Background(), Opts{Ledger: &fakeLedger{}, Completer: &fakeCompleter{}})
	assert.ErrorContains(t, err, "credentials are required")
}

// ---------------------------------------------------------------------------
// buildRequest
// ---------------------------------------------------------------------------

func TestBuildRequest_ContextWindow(t *testing.T) {
	var turns []models.Turn
	for i := 1; i <= 15; i++ {
		if i%2 == 1 {
			turns = append(turns, userTurn(uint(i), fmt.Sprintf("t%d", i)))
		} else {
			turns = append(turns, assistantTurn(uint(i), fmt.Sprintf("t%d", i)))
		}
	}

	req := buildRequest(turns, 10, "col", "u")

	assert.Equal(t, "t15", req.UserMessage)
	assert.Equal(t, "col", req.CollectionName)
	assert.Equal(t, "u", req.UserID)
	require.Len(t, req.PastMessages, 10)
	for i, m := range req.PastMessages {
		assert.Equal(t, fmt.Sprintf("t%d", i+5), m.Content)
	}
	assert.Equal(t, "user", req.PastMessages[0].Role)
	assert.Equal(t, "assistant", req.PastMessages[1].Role)
}

func TestBuildRequest_ShortHistory(t *testing.T) {
	req := buildRequest([]models.Turn{userTurn(1, "only")}, 10, "col", "u")
	assert.Equal(t, "only", req.UserMessage)
	assert.Empty(t, req.PastMessages)
}

func TestBuildRequest_KeepsLegacyModelRole(t *testing.T) {
	turns := []models.Turn{
		userTurn(1, "q"),
		{ID: 2, Role: models.RoleModel, Content: "old answer"},
		userTurn(3, "again"),
	}
	req := buildRequest(turns, 10, "col", "u")
	require.Len(t, req.PastMessages, 2)
	assert.Equal(t, "model", req.PastMessages[1].Role)
}

// ---------------------------------------------------------------------------
// Observe
// ---------------------------------------------------------------------------

func TestObserve_ReplayedDeliveryFiresOnce(t *testing.T) {
	l := &fakeLedger{}
	c := &fakeCompleter{release: make(chan struct{})}
	v := openView(t, l, c, nil)

	turns := []models.Turn{userTurn(1, "hi")}
	for i := 0; i < 5; i++ {
		v.Observe(turns)
	}
	close(c.release)
	v.Wait()
	for i := 0; i < 5; i++ {
		v.Observe(turns)
	}
	v.Wait()

	assert.Equal(t, 1, c.calls())
	require.Len(t, l.all(), 1)
	assert.Equal(t, models.RoleAssistant, l.all()[0].Role)
	assert.Equal(t, "reply to hi", l.all()[0].Content)
	assert.Equal(t, "m-hi", l.all()[0].RemoteID)
}

func TestObserve_ConcurrentReplaysFireOnce(t *testing.T) {
	c := &fakeCompleter{}
	v := openView(t, &fakeLedger{}, c, nil)

	turns := []models.Turn{userTurn(1, "hi")}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Observe(turns)
		}()
	}
	wg.Wait()
	v.Wait()
	assert.Equal(t, 1, c.calls())
}

func TestObserve_InFlightGuard(t *testing.T) {
	c := &fakeCompleter{release: make(chan struct{})}
	v := openView(t, &fakeLedger{}, c, nil)

	v.Observe([]models.Turn{userTurn(1, "first")})
	assert.Equal(t, StateRequestInFlight, v.Snapshot().State)

	v.Observe([]models.Turn{userTurn(1, "first"), userTurn(2, "second")})
	assert.Equal(t, StateRequestInFlight, v.Snapshot().State)
	assert.Len(t, v.Snapshot().Messages, 2)
	assert.Equal(t, 1, c.calls(), "second turn must wait for the first call")

	close(c.release)
	v.Wait()
	assert.Equal(t, 2, c.calls())
	assert.Equal(t, "second", c.last().UserMessage)
	assert.Equal(t, StateIdle, v.Snapshot().State)
}

func TestObserve_TurnQueuedDuringFailedCallDispatchedOnIdle(t *testing.T) {
	c := &fakeCompleter{
		release: make(chan struct{}),
		err:     &completion.RemoteCallFault{StatusCode: 502, Message: "bad gateway"},
	}
	v := openView(t, &fakeLedger{}, c, nil)

	v.Observe([]models.Turn{userTurn(1, "A")})
	v.Observe([]models.Turn{userTurn(1, "A"), userTurn(2, "B")})
	close(c.release)
	v.Wait()

	require.Equal(t, 2, c.calls())
	assert.Equal(t, "B", c.last().UserMessage)
	snap := v.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, uint(2), snap.Answered)
	assert.Zero(t, snap.ReplyID)

	// Both turns failed; neither is sent again.
	v.Observe([]models.Turn{userTurn(1, "A"), userTurn(2, "B")})
	v.Wait()
	assert.Equal(t, 2, c.calls())
}

func TestObserve_TurnCommittedBeforeIdleDispatched(t *testing.T) {
	l := &fakeLedger{}
	c := &fakeCompleter{release: make(chan struct{})}
	v := openView(t, l, c, nil)

	v.Observe([]models.Turn{userTurn(1, "A")})
	// The reply and the next user turn are both visible before the first
	// call has returned the view to Idle.
	v.Observe([]models.Turn{userTurn(1, "A"), assistantTurn(2, "reply to A"), userTurn(3, "B")})
	assert.Equal(t, 1, c.calls())

	close(c.release)
	v.Wait()

	require.Equal(t, 2, c.calls())
	assert.Equal(t, "B", c.last().UserMessage)
	assert.Equal(t, []completion.Message{
		{Role: "user", Content: "A"},
		{Role: "assistant", Content: "reply to A"},
	}, c.last().PastMessages)
	require.Len(t, l.all(), 2)
	assert.Equal(t, "reply to B", l.all()[1].Content)

	snap := v.Snapshot()
	assert.Equal(t, uint(3), snap.Answered)
	assert.Equal(t, uint(102), snap.ReplyID)
}

func TestObserve_AssistantLastTurnDoesNotFire(t *testing.T) {
	c := &fakeCompleter{}
	v := openView(t, &fakeLedger{}, c, nil)

	v.Observe([]models.Turn{userTurn(1, "hi"), assistantTurn(2, "hello")})
	v.Observe([]models.Turn{})
	v.Wait()

	assert.Zero(t, c.calls())
	assert.Equal(t, StateAwaitingUserInput, v.Snapshot().State)
}

func TestObserve_FailureLeavesNoOrphan(t *testing.T) {
	l := &fakeLedger{}
	c := &fakeCompleter{err: &completion.RemoteCallFault{StatusCode: 503, Message: "backend down"}}
	snaps := &snapshots{}
	v := openView(t, l, c, func(o *Opts) { o.OnChange = snaps.record })

	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()

	snap := v.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, "backend down", snap.Err)
	assert.Empty(t, l.all())
	last, ok := snaps.latest()
	require.True(t, ok)
	assert.Equal(t, "backend down", last.Err)

	// The failed turn is not retried on redelivery.
	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()
	assert.Equal(t, 1, c.calls())

	// A new user turn starts a fresh call.
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	v.Observe([]models.Turn{userTurn(1, "hi"), userTurn(2, "anyone?")})
	v.Wait()
	assert.Equal(t, 2, c.calls())
	assert.Equal(t, "anyone?", c.last().UserMessage)
	require.Len(t, l.all(), 1)
	assert.Empty(t, v.Snapshot().Err)
}

func TestObserve_GenericFailureMessage(t *testing.T) {
	c := &fakeCompleter{err: errors.New("dial tcp: refused")}
	v := openView(t, &fakeLedger{}, c, nil)

	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()
	assert.Equal(t, completion.GenericFailure, v.Snapshot().Err)
}

func TestObserve_ReplyStorageFailure(t *testing.T) {
	l := &fakeLedger{err: errors.New("disk full")}
	v := openView(t, l, &fakeCompleter{}, nil)

	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()
	assert.Equal(t, SaveFailedMessage, v.Snapshot().Err)
	assert.Equal(t, StateIdle, v.Snapshot().State)
}

func TestObserve_MissingMessageIDGetsGeneratedID(t *testing.T) {
	l := &fakeLedger{}
	c := &fakeCompleter{resp: &completion.Response{AIResponse: "ok"}}
	v := openView(t, l, c, nil)

	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()
	require.Len(t, l.all(), 1)
	assert.Len(t, l.all()[0].RemoteID, 36)
}

func TestObserve_SourcesPassedThrough(t *testing.T) {
	docs := []completion.SourceDocument{{Document: completion.Document{Content: "doc"}}}
	c := &fakeCompleter{resp: &completion.Response{AIResponse: "ok", MessageID: "m", SourceDocuments: docs}}
	v := openView(t, &fakeLedger{}, c, nil)

	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()
	assert.Equal(t, docs, v.Snapshot().Sources)
}

func TestObserve_Watchdog(t *testing.T) {
	c := &fakeCompleter{release: make(chan struct{})}
	v := openView(t, &fakeLedger{}, c, func(o *Opts) { o.Watchdog = 20 * time.Millisecond })

	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()

	snap := v.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, TimeoutMessage, snap.Err)
}

func TestObserve_AfterCloseIgnored(t *testing.T) {
	c := &fakeCompleter{}
	v := openView(t, &fakeLedger{}, c, nil)
	v.Close()

	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()
	assert.Zero(t, c.calls())
}

func TestClose_InFlightReplyStillStored(t *testing.T) {
	l := &fakeLedger{}
	c := &fakeCompleter{release: make(chan struct{})}
	v := openView(t, l, c, nil)

	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Close()
	close(c.release)
	v.Wait()
	assert.Len(t, l.all(), 1)
}

// ---------------------------------------------------------------------------
// SendMessage
// ---------------------------------------------------------------------------

func TestSendMessage_Preconditions(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		mutate func(*Opts)
		want   error
	}{
		{"empty", "", nil, ErrEmptyMessage},
		{"whitespace", "  \n\t", nil, ErrEmptyMessage},
		{"no conversation", "hi", func(o *Opts) { o.ConversationID = "" }, ErrNoConversation},
		{"signed out", "hi", func(o *Opts) { o.Credentials = auth.NewStatic("", "token") }, ErrNoCredential},
		{"no token", "hi", func(o *Opts) { o.Credentials = auth.NewStatic("u", "") }, ErrNoCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := &fakeLedger{}
			v := openView(t, l, &fakeCompleter{}, tc.mutate)
			_, err := v.SendMessage(context.Background(), tc.text)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrPrecondition)
			assert.Empty(t, l.all())
		})
	}
}

func TestSendMessage_AppendsUserTurn(t *testing.T) {
	l := &fakeLedger{}
	c := &fakeCompleter{}
	v := openView(t, l, c, nil)

	id, err := v.SendMessage(context.Background(), "hello there")
	require.NoError(t, err)
	assert.NotZero(t, id)
	require.Len(t, l.all(), 1)
	got := l.all()[0]
	assert.Equal(t, models.RoleUser, got.Role)
	assert.Equal(t, "hello there", got.Content)
	assert.Equal(t, "u", got.UserID)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Zero(t, c.calls(), "sending does not call the backend by itself")
}

func TestSendMessage_StorageFailure(t *testing.T) {
	l := &fakeLedger{err: errors.New("quota exceeded")}
	v := openView(t, l, &fakeCompleter{}, nil)

	_, err := v.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, ledger.IsStorageFault(err))
	assert.Equal(t, SaveFailedMessage, v.Snapshot().Err)
}

func TestSendMessage_BusyWhileInFlight(t *testing.T) {
	l := &fakeLedger{}
	c := &fakeCompleter{release: make(chan struct{})}
	v := openView(t, l, c, nil)

	v.Observe([]models.Turn{userTurn(1, "hi")})
	require.Equal(t, StateRequestInFlight, v.Snapshot().State)

	_, err := v.SendMessage(context.Background(), "too soon")
	require.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Empty(t, l.all())
	assert.True(t, v.Busy())

	close(c.release)
	v.Wait()
	assert.False(t, v.Busy())

	_, err = v.SendMessage(context.Background(), "now")
	require.NoError(t, err)
	assert.True(t, v.Busy(), "stored turn is not dispatched until it is observed")
}

func TestSendMessage_ClearsErrorSlot(t *testing.T) {
	c := &fakeCompleter{err: errors.New("boom")}
	v := openView(t, &fakeLedger{}, c, nil)
	v.Observe([]models.Turn{userTurn(1, "hi")})
	v.Wait()
	require.NotEmpty(t, v.Snapshot().Err)

	_, err := v.SendMessage(context.Background(), "retry")
	require.NoError(t, err)
	assert.Empty(t, v.Snapshot().Err)
}

// ---------------------------------------------------------------------------
// End to end over a real ledger and bus
// ---------------------------------------------------------------------------

func TestView_EndToEnd(t *testing.T) {
	store, err := db.Open(config.StoreConfig{Driver: config.DriverSQLite, Path: db.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := livequery.NewBus(zerolog.Nop())
	t.Cleanup(func() { bus.Close() })

	tick := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	l, err := ledger.New(ledger.Opts{DB: store.DB, Notifier: bus, Now: now})
	require.NoError(t, err)

	c := &fakeCompleter{}
	snaps := &snapshots{}
	v := openView(t, l, c, func(o *Opts) {
		o.Bus = bus
		o.OnChange = snaps.record
	})

	_, err = v.SendMessage(context.Background(), "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := snaps.latest()
		return ok && len(s.Messages) == 2 && s.State != StateRequestInFlight
	}, waitFor, 5*time.Millisecond)

	turns, err := l.ListByConversation(context.Background(), "u", "c1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Equal(t, "reply to hi", turns[1].Content)
	assert.Equal(t, "m-hi", turns[1].RemoteID)
	assert.Equal(t, 1, c.calls())

	// A second message gets its own reply with the first exchange as history.
	_, err = v.SendMessage(context.Background(), "more")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := snaps.latest()
		return ok && len(s.Messages) == 4 && s.State != StateRequestInFlight
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, c.calls())
	assert.Equal(t, []completion.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "reply to hi"},
	}, c.last().PastMessages)
}

func TestView_SendAfterReopenWaitsForPendingTurn(t *testing.T) {
	store, err := db.Open(config.StoreConfig{Driver: config.DriverSQLite, Path: db.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := livequery.NewBus(zerolog.Nop())
	t.Cleanup(func() { bus.Close() })

	l, err := ledger.New(ledger.Opts{DB: store.DB, Notifier: bus})
	require.NoError(t, err)

	ctx := context.Background()
	oldID, err := l.Append(ctx, ledger.TurnInput{Role: models.RoleUser, Content: "old", UserID: "u", ConversationID: "c1"})
	require.NoError(t, err)

	c := &fakeCompleter{release: make(chan struct{})}
	snaps := &snapshots{}
	v := openView(t, l, c, func(o *Opts) {
		o.Bus = bus
		o.OnChange = snaps.record
	})

	// Opening the view dispatches the unanswered turn, so a new message is
	// refused instead of landing ahead of that reply.
	_, err = v.SendMessage(ctx, "new")
	require.ErrorIs(t, err, ErrBusy)
	require.Eventually(t, func() bool { return c.calls() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "old", c.last().UserMessage)

	close(c.release)
	require.Eventually(t, func() bool {
		s, ok := snaps.latest()
		return ok && s.State != StateRequestInFlight && s.Answered == oldID && len(s.Messages) == 2
	}, waitFor, 5*time.Millisecond)

	newID, err := v.SendMessage(ctx, "new")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := snaps.latest()
		return ok && s.State != StateRequestInFlight && s.Answered == newID && s.ReplyID != 0
	}, waitFor, 5*time.Millisecond)

	turns, err := l.ListByConversation(ctx, "u", "c1")
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, []string{"old", "reply to old", "new", "reply to new"},
		[]string{turns[0].Content, turns[1].Content, turns[2].Content, turns[3].Content})
}
