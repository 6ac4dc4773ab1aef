package notifier

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"reelforge/internal/faults"
	"reelforge/internal/storage"
)

const TokenCollection = "push_tokens"

type PushToken struct {
	Token     string    `json:"token"`
	Platform  string    `json:"platform,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Tokens is the registry of device tokens push notifications go to.
type Tokens struct {
	store storage.Store
	now   func() time.Time
}

func NewTokens(store storage.Store) *Tokens {
	return &Tokens{store: store, now: time.Now}
}

// Register stores token. Registering a known token again keeps its
// original creation time.
func (t *Tokens) Register(ctx context.Context, token, platform string) (PushToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return PushToken{}, faults.Invalid("push token is required")
	}
	pt := PushToken{Token: token, Platform: strings.TrimSpace(platform), CreatedAt: t.now().UTC()}
	err := storage.CreateJSON(ctx, t.store, TokenCollection, token, pt)
	if errors.Is(err, storage.ErrConflict) {
		return storage.MutateJSON(ctx, t.store, TokenCollection, token, func(cur *PushToken) error {
			if pt.Platform != "" {
				cur.Platform = pt.Platform
			}
			return nil
		})
	}
	return pt, err
}

func (t *Tokens) List(ctx context.Context) ([]PushToken, error) {
	return storage.QueryJSON[PushToken](ctx, t.store, TokenCollection)
}

// Remove deletes token; a token already gone is not an error.
func (t *Tokens) Remove(ctx context.Context, token string) error {
	err := t.store.Delete(ctx, TokenCollection, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
