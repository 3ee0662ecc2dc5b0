// Package registrar implements the user entity: it authenticates requests
// on behalf of its user, owns the user's registration bindings and routes
// calls addressed to the user to its devices.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"sip-registrar/internal/auth"
	"sip-registrar/internal/entity"
	"sip-registrar/internal/metrics"
	"sip-registrar/internal/protocol"
	"sip-registrar/internal/storage"
)

// ErrUnknownUser is wrapped by the factory error for usernames without an
// account. It matches entity.ErrNotFound.
var ErrUnknownUser = fmt.Errorf("registrar: unknown user: %w", entity.ErrNotFound)

// Store loads and saves user records.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*storage.User, error)
	SaveUser(ctx context.Context, user *storage.User) error
}

// Config configures the registrar.
type Config struct {
	Realm string
	// DefaultExpires applies when neither the contact nor the request
	// carries an expiry, in seconds.
	DefaultExpires int
	// UnknownUserCacheSize bounds the cache of usernames known to have no
	// account. Zero disables the cache.
	UnknownUserCacheSize int
	UnknownUserTTL       time.Duration
	// Nonce generates challenge nonces. It defaults to auth.NewNonce.
	Nonce auth.NonceFunc
}

// DefaultConfig returns the standard registrar settings.
func DefaultConfig() Config {
	return Config{
		Realm:                "go-sip-server",
		DefaultExpires:       3600,
		UnknownUserCacheSize: 1024,
		UnknownUserTTL:       30 * time.Second,
		Nonce:                auth.NewNonce,
	}
}

// Registrar creates user entities from the store.
type Registrar struct {
	cfg       Config
	store     Store
	responder *protocol.Responder
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	unknown   *expirable.LRU[string, struct{}]
}

// New creates a registrar.
func New(cfg Config, store Store, responder *protocol.Responder, m *metrics.Metrics, log logrus.FieldLogger) *Registrar {
	if cfg.Nonce == nil {
		cfg.Nonce = auth.NewNonce
	}
	if cfg.DefaultExpires <= 0 {
		cfg.DefaultExpires = DefaultConfig().DefaultExpires
	}
	r := &Registrar{
		cfg:       cfg,
		store:     store,
		responder: responder,
		metrics:   m,
		log:       log,
	}
	if cfg.UnknownUserCacheSize > 0 {
		r.unknown = expirable.NewLRU[string, struct{}](cfg.UnknownUserCacheSize, nil, cfg.UnknownUserTTL)
	}
	return r
}

// Forget drops username from the unknown-user cache. It is called when an
// account is created.
func (r *Registrar) Forget(username string) {
	if r.unknown != nil {
		r.unknown.Remove(username)
	}
}

// Factory returns the factory for protocol.KindUser. A user entity exists
// only for usernames with an account in the store.
func (r *Registrar) Factory() entity.Factory {
	return func(ctx context.Context, username string, _ any) (entity.Entity, error) {
		if r.unknown != nil && r.unknown.Contains(username) {
			return nil, ErrUnknownUser
		}
		rec, err := r.store.GetUserByUsername(ctx, username)
		if errors.Is(err, storage.ErrNotFound) {
			if r.unknown != nil {
				r.unknown.Add(username, struct{}{})
			}
			return nil, ErrUnknownUser
		}
		if err != nil {
			return nil, fmt.Errorf("load user %q: %w", username, err)
		}
		return newUser(r, rec), nil
	}
}
