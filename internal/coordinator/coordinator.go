// Package coordinator turns new user turns into completion calls. Each open
// conversation View watches its turns and issues at most one remote call per
// user turn, writing the reply back to the ledger.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/palaver/internal/completion"
	"github.com/zulandar/palaver/internal/ledger"
	"github.com/zulandar/palaver/internal/livequery"
	"github.com/zulandar/palaver/internal/models"
	"golang.org/x/oauth2"
)

// DefaultContextWindow is how many prior turns accompany a request.
const DefaultContextWindow = 10

// Ledger is the part of the message ledger a View uses.
type Ledger interface {
	Append(ctx context.Context, in ledger.TurnInput) (uint, error)
	ListByConversation(ctx context.Context, userID, conversationID string) ([]models.Turn, error)
}

// Completer performs the remote completion call.
type Completer interface {
	Chat(ctx context.Context, req completion.Request) (*completion.Response, error)
}

// Credentials identify the signed-in user.
type Credentials interface {
	UserID() string
	Token() (*oauth2.Token, error)
}

// Snapshot is what a view shows: its state, its turns and the error slot.
type Snapshot struct {
	State    State                       `json:"state"`
	Messages []models.Turn               `json:"messages"`
	Err      string                      `json:"error,omitempty"`
	Sources  []completion.SourceDocument `json:"source_documents,omitempty"`

	// Answered is the user turn whose remote call finished last, and
	// ReplyID the assistant turn stored for it (0 when the call failed).
	Answered uint `json:"answered_turn_id,omitempty"`
	ReplyID  uint `json:"reply_id,omitempty"`
}

// Opts holds parameters for opening a View.
type Opts struct {
	Ledger         Ledger
	Bus            *livequery.Bus // nil: the caller feeds turns through Observe
	Completer      Completer
	Credentials    Credentials
	ConversationID string
	Collection     string
	ContextWindow  int           // defaults to DefaultContextWindow
	Watchdog       time.Duration // 0 waits for the remote call indefinitely
	Logger         *zerolog.Logger

	// OnChange receives every new snapshot, in order. It must not call
	// SendMessage.
	OnChange func(Snapshot)
}

// View coordinates responses for one open conversation.
type View struct {
	ledger     Ledger
	completer  Completer
	creds      Credentials
	convID     string
	collection string
	window     int
	watchdog   time.Duration
	onChange   func(Snapshot)
	logger     zerolog.Logger

	// emitMu orders snapshot emission; it is always taken before mu.
	emitMu   sync.Mutex
	mu       sync.Mutex
	state    State
	marker   uint // ID of the last user turn dispatched
	sent     uint // ID of the last user turn stored by SendMessage
	answered uint
	replyID  uint
	messages []models.Turn
	errMsg   string
	sources  []completion.SourceDocument
	closed   bool

	inflight  sync.WaitGroup
	sub       *livequery.Subscription
	ready     chan struct{} // closed by the first delivery
	readyOnce sync.Once
}

// Open creates a View and, when a bus is given, subscribes it to the
// conversation's turns. The first delivery happens before Open returns
// or shortly after.
func Open(ctx context.Context, opts Opts) (*View, error) {
	if opts.Ledger == nil {
		return nil, errors.New("coordinator: ledger is required")
	}
	if opts.Completer == nil {
		return nil, errors.New("coordinator: completer is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("coordinator: credentials are required")
	}
	window := opts.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().
			Str("component", "coordinator").
			Str("conversation_id", opts.ConversationID).
			Logger()
	}

	v := &View{
		ledger:     opts.Ledger,
		completer:  opts.Completer,
		creds:      opts.Credentials,
		convID:     opts.ConversationID,
		collection: opts.Collection,
		window:     window,
		watchdog:   opts.Watchdog,
		onChange:   opts.OnChange,
		logger:     logger,
		messages:   []models.Turn{},
		ready:      make(chan struct{}),
	}

	userID := v.creds.UserID()
	if opts.Bus == nil || userID == "" || v.convID == "" {
		return v, nil
	}
	q := livequery.Query{UserID: userID, ConversationID: v.convID}
	fetch := func(ctx context.Context) ([]models.Turn, error) {
		return v.ledger.ListByConversation(ctx, userID, v.convID)
	}
	sub, err := livequery.Watch(ctx, opts.Bus, q, fetch, v.Observe)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open %s: %w", v.convID, err)
	}
	v.sub = sub
	return v, nil
}

// ConversationID returns the conversation this view is bound to.
func (v *View) ConversationID() string { return v.convID }

// Observe handles one live-query delivery of the conversation's turns. If
// the last turn is a user turn that has not been dispatched yet and no call
// is in flight, it records the turn as dispatched and starts the remote
// call. Replaying the same delivery is a no-op.
func (v *View) Observe(turns []models.Turn) {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.messages = turns
	call, dispatch := v.dispatchLocked()
	if !dispatch && v.state != StateRequestInFlight {
		v.state = StateAwaitingUserInput
	}
	snap := v.snapshotLocked()
	v.mu.Unlock()

	v.emit(snap)
	v.readyOnce.Do(func() { close(v.ready) })
	if dispatch {
		v.start(call)
	}
}

// pendingCall is a remote call claimed under mu and started after the lock
// is released.
type pendingCall struct {
	req     completion.Request
	trigger models.Turn
}

// dispatchLocked claims the last known turn for a remote call when it is an
// undispatched user turn and nothing is in flight. The marker is recorded
// before the call starts so redeliveries cannot dispatch the turn again.
func (v *View) dispatchLocked() (pendingCall, bool) {
	n := len(v.messages)
	if n == 0 || v.state == StateRequestInFlight {
		return pendingCall{}, false
	}
	last := v.messages[n-1]
	if last.Role != models.RoleUser || last.ID == v.marker {
		return pendingCall{}, false
	}
	v.marker = last.ID
	v.state = StateRequestInFlight
	v.inflight.Add(1)
	return pendingCall{
		req:     buildRequest(v.messages, v.window, v.collection, v.creds.UserID()),
		trigger: last,
	}, true
}

func (v *View) start(call pendingCall) {
	v.logger.Debug().Uint("turn_id", call.trigger.ID).Int("history", len(call.req.PastMessages)).Msg("requesting response")
	go v.respond(call.req, call.trigger)
}

// respond performs one remote call and appends the reply. The view always
// returns to Idle afterwards, then dispatches a user turn that arrived while
// the call was running.
func (v *View) respond(req completion.Request, trigger models.Turn) {
	defer v.inflight.Done()

	var (
		errMsg  string
		sources []completion.SourceDocument
		replyID uint
	)
	defer func() {
		v.emitMu.Lock()
		defer v.emitMu.Unlock()
		v.mu.Lock()
		v.state = StateIdle
		v.errMsg = errMsg
		v.sources = sources
		v.answered = trigger.ID
		v.replyID = replyID
		closed := v.closed
		var (
			next     pendingCall
			dispatch bool
		)
		if !closed {
			next, dispatch = v.dispatchLocked()
		}
		snap := v.snapshotLocked()
		v.mu.Unlock()
		if closed {
			return
		}
		v.emit(snap)
		if dispatch {
			v.start(next)
		}
	}()

	ctx := context.Background()
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if v.watchdog > 0 {
		callCtx, cancel = context.WithTimeout(ctx, v.watchdog)
	}
	defer cancel()

	start := time.Now()
	resp, err := v.completer.Chat(callCtx, req)
	if err != nil {
		errMsg = completion.UserMessage(err)
		if v.watchdog > 0 && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			errMsg = TimeoutMessage
		}
		v.logger.Warn().Err(err).Uint("turn_id", trigger.ID).Dur("took", time.Since(start)).Msg("completion failed")
		return
	}

	remoteID := resp.MessageID
	if remoteID == "" {
		remoteID = uuid.NewString()
	}
	id, err := v.ledger.Append(ctx, ledger.TurnInput{
		Role:           models.RoleAssistant,
		Content:        resp.AIResponse,
		UserID:         trigger.UserID,
		ConversationID: trigger.ConversationID,
		RemoteID:       remoteID,
	})
	if err != nil {
		errMsg = SaveFailedMessage
		v.logger.Error().Err(err).Uint("turn_id", trigger.ID).Msg("store reply")
		return
	}
	sources = resp.SourceDocuments
	replyID = id
	v.logger.Debug().Uint("turn_id", id).Str("remote_id", remoteID).Dur("took", time.Since(start)).Msg("reply stored")
}

// SendMessage appends a user turn and returns once it is stored. It does
// not wait for the reply. Rejected calls return an error wrapping
// ErrPrecondition and write nothing; ErrBusy means a reply is still pending.
func (v *View) SendMessage(ctx context.Context, text string) (uint, error) {
	if strings.TrimSpace(text) == "" {
		v.logger.Debug().Msg("ignoring empty message")
		return 0, ErrEmptyMessage
	}
	if v.convID == "" {
		v.logger.Debug().Msg("ignoring message without conversation")
		return 0, ErrNoConversation
	}
	userID := v.creds.UserID()
	if userID == "" {
		v.logger.Debug().Msg("ignoring message while signed out")
		return 0, ErrNoCredential
	}
	if _, err := v.creds.Token(); err != nil {
		v.logger.Debug().Err(err).Msg("ignoring message without credential")
		return 0, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	// A send before the first delivery could land behind a turn the view
	// is about to dispatch.
	if v.sub != nil {
		select {
		case <-v.ready:
		case <-v.sub.Done():
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	v.mu.Lock()
	busy := v.state == StateRequestInFlight
	v.mu.Unlock()
	if busy {
		v.logger.Debug().Msg("ignoring message while a reply is pending")
		return 0, ErrBusy
	}

	v.setErr("")
	id, err := v.ledger.Append(ctx, ledger.TurnInput{
		Role:           models.RoleUser,
		Content:        text,
		UserID:         userID,
		ConversationID: v.convID,
	})
	if err != nil {
		v.logger.Error().Err(err).Msg("store user message")
		v.setErr(SaveFailedMessage)
		return 0, err
	}
	v.mu.Lock()
	if id > v.sent {
		v.sent = id
	}
	v.mu.Unlock()
	return id, nil
}

// Busy reports whether the view still owes work: a call is in flight, or a
// user turn is waiting to be dispatched.
func (v *View) Busy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateRequestInFlight || v.sent > v.marker {
		return true
	}
	n := len(v.messages)
	return n > 0 && v.messages[n-1].Role == models.RoleUser && v.messages[n-1].ID != v.marker
}

// Snapshot returns the current view.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Wait blocks until no remote call is in flight.
func (v *View) Wait() {
	v.inflight.Wait()
}

// Close stops deliveries to the view. A call already in flight still stores
// its reply; Wait blocks until it does.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()
	if v.sub != nil {
		v.sub.Close()
	}
}

func (v *View) setErr(msg string) {
	v.emitMu.Lock()
	defer v.emitMu.Unlock()
	v.mu.Lock()
	if v.errMsg == msg {
		v.mu.Unlock()
		return
	}
	v.errMsg = msg
	snap := v.snapshotLocked()
	closed := v.closed
	v.mu.Unlock()
	if !closed {
		v.emit(snap)
	}
}

func (v *View) snapshotLocked() Snapshot {
	msgs := make([]models.Turn, len(v.messages))
	copy(msgs, v.messages)
	return Snapshot{
		State:    v.state,
		Messages: msgs,
		Err:      v.errMsg,
		Sources:  v.sources,
		Answered: v.answered,
		ReplyID:  v.replyID,
	}
}

func (v *View) emit(s Snapshot) {
	if v.onChange != nil {
		v.onChange(s)
	}
}

// buildRequest uses the last turn as the message and up to window earlier
// turns, oldest first, as history. Only user and assistant turns are sent.
func buildRequest(turns []models.Turn, window int, collection, userID string) completion.Request {
	trigger := turns[len(turns)-1]
	prior := turns[:len(turns)-1]
	if len(prior) > window {
		prior = prior[len(prior)-window:]
	}
	past := make([]completion.Message, 0, len(prior))
	for _, t := range prior {
		if t.Role != models.RoleUser && !t.Role.IsAssistant() {
			continue
		}
		past = append(past, completion.Message{Role: string(t.Role), Content: t.Content})
	}
	return completion.Request{
		UserMessage:    trigger.Content,
		CollectionName: collection,
		UserID:         userID,
		PastMessages:   past,
	}
}
