// Package index derives the conversation list from a user's turns. It is
// recomputed from scratch on every change and never written to.
package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/palaver/internal/models"
)

// PlaceholderTitle names a selected conversation that has no turns yet.
const PlaceholderTitle = "New Chat"

// Source lists every turn of a user.
type Source interface {
	ListAllForUser(ctx context.Context, userID string) ([]models.Turn, error)
}

// Index serves conversation lists for a Source.
type Index struct {
	src Source
}

// New creates an Index over src.
func New(src Source) *Index {
	return &Index{src: src}
}

// List returns the user's conversations, most recently active first.
func (x *Index) List(ctx context.Context, userID string) ([]models.Conversation, error) {
	turns, err := x.src.ListAllForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("index: list %s: %w", userID, err)
	}
	return Build(turns), nil
}

// Build groups turns by conversation. A conversation's title is the content
// of its earliest turn; it is ordered by its latest turn, newest first.
// Turns without a conversation ID are ignored. The result depends only on
// the input set, not its order.
func Build(turns []models.Turn) []models.Conversation {
	type group struct {
		first models.Turn
		last  models.Turn
	}
	groups := make(map[string]*group)
	for _, t := range turns {
		if t.ConversationID == "" {
			continue
		}
		g, ok := groups[t.ConversationID]
		if !ok {
			groups[t.ConversationID] = &group{first: t, last: t}
			continue
		}
		if earlier(t, g.first) {
			g.first = t
		}
		if earlier(g.last, t) {
			g.last = t
		}
	}

	convs := make([]models.Conversation, 0, len(groups))
	for id, g := range groups {
		convs = append(convs, models.Conversation{
			ID:             id,
			Title:          g.first.Content,
			StartedAt:      g.first.CreatedAt,
			LastActivityAt: g.last.CreatedAt,
		})
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastActivityAt.Equal(convs[j].LastActivityAt) {
			return convs[i].LastActivityAt.After(convs[j].LastActivityAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs
}

// WithPlaceholder prepends a "New Chat" entry for activeID when the list
// does not contain it yet. The placeholder exists only in the view.
func WithPlaceholder(convs []models.Conversation, activeID string, now time.Time) []models.Conversation {
	if activeID == "" {
		return convs
	}
	for _, c := range convs {
		if c.ID == activeID {
			return convs
		}
	}
	out := make([]models.Conversation, 0, len(convs)+1)
	out = append(out, models.Conversation{
		ID:             activeID,
		Title:          PlaceholderTitle,
		StartedAt:      now,
		LastActivityAt: now,
	})
	return append(out, convs...)
}

// earlier orders turns by timestamp, then by ledger ID.
func earlier(a, b models.Turn) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
