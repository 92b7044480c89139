// Package identity resolves the acting identity for a request: an
// authenticated user, or an anonymous session-scoped actor. It is the single
// place anonymous ids are minted and registered, so reactions and reports
// always see the same actor for the same client.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"codeancestry/api/internal/auth"
	"codeancestry/api/internal/rbac"
	"codeancestry/api/internal/util"
)

type Kind string

const (
	KindUser      Kind = "user"
	KindAnonymous Kind = "anonymous"
)

// Actor is the resolved identity an operation runs as.
type Actor struct {
	ID   string
	Kind Kind
	Name string
	Role rbac.Role
}

func (a Actor) IsZero() bool {
	return a.ID == ""
}

var (
	// ErrNoActor means neither a valid bearer token nor a usable anonymous
	// session id was presented.
	ErrNoActor = errors.New("no resolvable actor")
)

// AnonymousRegistry persists anonymous actor ids so they stay stable across
// requests from the same client.
type AnonymousRegistry interface {
	EnsureAnonymous(ctx context.Context, actorID string, ttl time.Duration) error
	KnownAnonymous(ctx context.Context, actorID string) (bool, error)
}

// RevocationChecker reports whether an access token's jti has been revoked.
type RevocationChecker interface {
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type Provider struct {
	secret   []byte
	registry AnonymousRegistry
	revoked  RevocationChecker
	anonTTL  time.Duration
}

func NewProvider(secret []byte, registry AnonymousRegistry, revoked RevocationChecker, anonTTL time.Duration) *Provider {
	return &Provider{
		secret:   secret,
		registry: registry,
		revoked:  revoked,
		anonTTL:  anonTTL,
	}
}

// NewAnonymousID mints a fresh anonymous actor id.
func NewAnonymousID() string {
	return util.NewID("anon")
}

// ValidAnonymousID accepts ids this service minted as well as well-formed
// client-generated ones (the original client minted its own before first
// contact with the server).
func ValidAnonymousID(id string) bool {
	if !strings.HasPrefix(id, "anon_") {
		return false
	}
	rest := id[len("anon_"):]
	return len(rest) >= 6 && len(rest) <= 64
}

// Resolve determines the actor for a request. A valid bearer token wins;
// otherwise the x-session-id anonymous fallback is used and registered on
// first sight.
func (p *Provider) Resolve(ctx context.Context, bearerToken, sessionID string) (Actor, error) {
	if bearerToken != "" {
		claims, err := auth.ParseToken(p.secret, bearerToken)
		if err != nil {
			return Actor{}, err
		}
		if p.revoked != nil {
			revoked, err := p.revoked.IsAccessTokenRevoked(ctx, claims.JTI)
			if err != nil {
				return Actor{}, err
			}
			if revoked {
				return Actor{}, auth.ErrInvalidToken
			}
		}
		return Actor{
			ID:   claims.Sub,
			Kind: KindUser,
			Name: claims.Name,
			Role: rbac.Normalize(claims.Role),
		}, nil
	}

	sessionID = strings.TrimSpace(sessionID)
	if !ValidAnonymousID(sessionID) {
		return Actor{}, ErrNoActor
	}
	if p.registry != nil {
		if err := p.registry.EnsureAnonymous(ctx, sessionID, p.anonTTL); err != nil {
			return Actor{}, err
		}
	}
	return Actor{
		ID:   sessionID,
		Kind: KindAnonymous,
		Role: rbac.RoleAnonymous,
	}, nil
}

// Issue registers and returns a brand-new anonymous actor.
func (p *Provider) Issue(ctx context.Context) (Actor, error) {
	id := NewAnonymousID()
	if p.registry != nil {
		if err := p.registry.EnsureAnonymous(ctx, id, p.anonTTL); err != nil {
			return Actor{}, err
		}
	}
	return Actor{ID: id, Kind: KindAnonymous, Role: rbac.RoleAnonymous}, nil
}
