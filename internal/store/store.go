// Package store provides the durable client-side key-value state the sync
// core depends on: the persisted notification blob and the credential pair
// written by the external login flow. A Redis-backed implementation is used
// in deployments; an in-memory one serves tests and ephemeral runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Fixed keys for persisted client state.
const (
	// KeyNotifications holds the JSON-serialized notification list.
	KeyNotifications = "chatclient:notifications"

	// KeyToken and KeyUserID hold the credential pair. They are written by
	// the login flow and only read here.
	KeyToken  = "chatclient:token"
	KeyUserID = "chatclient:uid"

	// KeyUserName optionally holds the local user's display name, attached
	// to outbound typing signals when present.
	KeyUserName = "chatclient:name"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

// KV is a minimal durable key-value store.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Credentials is the token/user-id pair required to start a session.
type Credentials struct {
	Token  string
	UserID string
}

// LoadCredentials reads the credential pair. ok is false when either half is
// absent; err reports store failures only.
func LoadCredentials(ctx context.Context, kv KV) (creds Credentials, ok bool, err error) {
	token, err := kv.Get(ctx, KeyToken)
	if errors.Is(err, ErrNotFound) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, err
	}

	uid, err := kv.Get(ctx, KeyUserID)
	if errors.Is(err, ErrNotFound) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, err
	}

	if token == "" || uid == "" {
		return Credentials{}, false, nil
	}
	return Credentials{Token: token, UserID: uid}, true, nil
}

// TokenExpired reports whether the token is a JWT whose expiry is already in
// the past. The signature is not verified — validation is the backend's job —
// this only lets the client fail fast instead of burning a round trip on a
// token it knows is dead. Opaque non-JWT tokens report false.
func (c Credentials) TokenExpired(now time.Time) bool {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(c.Token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
