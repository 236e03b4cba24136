// Package ledger is the durable, append-only log of chat turns, keyed by
// user and conversation.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/palaver/internal/models"
	"gorm.io/gorm"
)

// ChangeNotifier is told about every committed mutation. An empty
// conversationID means every conversation of the user may have changed.
type ChangeNotifier interface {
	Notify(userID, conversationID string)
}

// TurnInput is the caller-supplied part of a turn. The ledger assigns the ID.
type TurnInput struct {
	Role           models.Role
	Content        string
	UserID         string
	ConversationID string
	RemoteID       string
	CreatedAt      time.Time // defaults to now
}

// Ledger owns turn storage.
type Ledger struct {
	db       *gorm.DB
	notifier ChangeNotifier
	now      func() time.Time
	logger   zerolog.Logger

	// mu serializes writes so notifications follow commit order.
	mu sync.Mutex
}

// Opts holds parameters for creating a Ledger.
type Opts struct {
	DB       *gorm.DB
	Notifier ChangeNotifier   // optional
	Now      func() time.Time // defaults to time.Now
	Logger   *zerolog.Logger  // defaults to a disabled logger
}

// New creates a Ledger over an open, migrated store.
func New(opts Opts) (*Ledger, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ledger: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "ledger").Logger()
	}
	return &Ledger{
		db:       opts.DB,
		notifier: opts.Notifier,
		now:      now,
		logger:   logger,
	}, nil
}

// Append persists a new turn and returns its ID. IDs are assigned by the
// store, strictly increasing and never reused.
func (l *Ledger) Append(ctx context.Context, in TurnInput) (uint, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return 0, fmt.Errorf("ledger: append: user id is required")
	}
	if !in.Role.Valid() {
		return 0, fmt.Errorf("ledger: append: unknown role %q", in.Role)
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.now()
	}

	turn := models.Turn{
		RemoteID:       in.RemoteID,
		Role:           in.Role,
		Content:        in.Content,
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		CreatedAt:      createdAt.UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.WithContext(ctx).Create(&turn).Error; err != nil {
		l.logger.Error().Err(err).Str("conversation_id", in.ConversationID).Msg("append failed")
		return 0, storageFault("append", err)
	}
	l.logger.Debug().
		Uint("turn_id", turn.ID).
		Str("role", string(turn.Role)).
		Str("conversation_id", turn.ConversationID).
		Msg("turn appended")

	l.notify(turn.UserID, turn.ConversationID)
	return turn.ID, nil
}

// ListByConversation returns a conversation's turns oldest first. Empty keys
// yield an empty result rather than an error.
func (l *Ledger) ListByConversation(ctx context.Context, userID, conversationID string) ([]models.Turn, error) {
	if userID == "" || conversationID == "" {
		return []models.Turn{}, nil
	}
	var turns []models.Turn
	result := l.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Order("created_at ASC, id ASC").Find(&turns)
	if result.Error != nil {
		return nil, storageFault("list conversation", result.Error)
	}
	return turns, nil
}

// ListAllForUser returns every turn of a user oldest first.
func (l *Ledger) ListAllForUser(ctx context.Context, userID string) ([]models.Turn, error) {
	if userID == "" {
		return []models.Turn{}, nil
	}
	var turns []models.Turn
	result := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").Find(&turns)
	if result.Error != nil {
		return nil, storageFault("list user", result.Error)
	}
	return turns, nil
}

// DeleteConversation removes every turn matching both keys. Deleting a
// conversation that does not exist succeeds.
func (l *Ledger) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	result := l.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Delete(&models.Turn{})
	if result.Error != nil {
		return storageFault("delete conversation", result.Error)
	}
	if result.RowsAffected > 0 {
		l.logger.Debug().Str("conversation_id", conversationID).Int64("turns", result.RowsAffected).Msg("conversation deleted")
		l.notify(userID, conversationID)
	}
	return nil
}

// ClearUser removes every turn belonging to a user.
func (l *Ledger) ClearUser(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	result := l.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Turn{})
	if result.Error != nil {
		return storageFault("clear user", result.Error)
	}
	if result.RowsAffected > 0 {
		l.logger.Info().Str("user_id", userID).Int64("turns", result.RowsAffected).Msg("history cleared")
		l.notify(userID, "")
	}
	return nil
}

func (l *Ledger) notify(userID, conversationID string) {
	if l.notifier != nil {
		l.notifier.Notify(userID, conversationID)
	}
}
