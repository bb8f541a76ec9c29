package server

import (
	"context"
	"time"

	"github.com/aeolun/wirechat/pkg/database"
	"github.com/aeolun/wirechat/pkg/msgcache"
)

// UserStore defines the account operations used by the request handlers.
// *database.DB implements it.
type UserStore interface {
	RegisterUser(login, password string) (*database.User, error)
	Authenticate(login, password string) (*database.User, error)
}

// SessionStore defines the token operations used by the request handlers.
// *sessions.Manager implements it.
type SessionStore interface {
	Issue(ctx context.Context, userID, preferred string) (string, error)
	Resolve(ctx context.Context, token string) (string, error)
	Rotate(ctx context.Context, old string) (string, error)
	Revoke(ctx context.Context, token string) error
	RevokeOthers(ctx context.Context, token string) (string, error)
	TTL() time.Duration
}

// MessageLister reads the ephemeral message cache. *msgcache.Cache
// implements it.
type MessageLister interface {
	List(ctx context.Context) ([]msgcache.Entry, error)
}
