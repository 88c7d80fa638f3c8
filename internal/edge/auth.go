package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vespid-ai/gateway/internal/common/config"
	"github.com/vespid-ai/gateway/internal/store"
	v1 "github.com/vespid-ai/gateway/pkg/api/v1"
)

// ErrUnauthorized is returned for any credential failure. Callers surface a
// generic 401; the specific reason stays in logs only.
var ErrUnauthorized = errors.New("edge: unauthorized")

// Identity is an authenticated end user scoped to one organization.
type Identity struct {
	UserID         string
	OrganizationID string
}

type accessClaims struct {
	jwt.RegisteredClaims
}

// ClientAuth validates end-user credentials for the client hub and the
// session injector endpoints. Two credential forms are accepted: a bearer
// access token (HS256, subject = user id) or the refresh cookie backing a
// browser login session. Every caller must also name an organization it is a
// member of.
type ClientAuth struct {
	store      store.Store
	secret     []byte
	cookieName string
}

func NewClientAuth(st store.Store, cfg config.AuthConfig) *ClientAuth {
	return &ClientAuth{
		store:      st,
		secret:     []byte(cfg.AccessTokenSecret),
		cookieName: cfg.SessionCookieName,
	}
}

// Authenticate resolves the caller from the request credentials and verifies
// membership in the organization named by the orgId query parameter.
func (a *ClientAuth) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		return nil, fmt.Errorf("%w: orgId is required", ErrUnauthorized)
	}

	userID, err := a.resolveUser(ctx, r)
	if err != nil {
		return nil, err
	}

	member, err := a.store.IsOrganizationMember(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("membership lookup: %w", err)
	}
	if !member {
		return nil, fmt.Errorf("%w: not a member of organization", ErrUnauthorized)
	}
	return &Identity{UserID: userID, OrganizationID: orgID}, nil
}

func (a *ClientAuth) resolveUser(ctx context.Context, r *http.Request) (string, error) {
	if token := bearerToken(r); token != "" {
		return a.verifyAccessToken(token)
	}
	if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" {
		return a.verifyRefreshCookie(ctx, cookie.Value)
	}
	return "", fmt.Errorf("%w: no credentials presented", ErrUnauthorized)
}

func (a *ClientAuth) verifyAccessToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: invalid access token", ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: invalid access token", ErrUnauthorized)
	}
	return claims.Subject, nil
}

func (a *ClientAuth) verifyRefreshCookie(ctx context.Context, value string) (string, error) {
	sess, err := a.store.GetClientSessionByTokenHash(ctx, store.HashToken(value))
	if err != nil {
		return "", fmt.Errorf("%w: unknown login session", ErrUnauthorized)
	}
	if !sess.Active(time.Now()) {
		return "", fmt.Errorf("%w: login session expired", ErrUnauthorized)
	}
	return sess.UserID, nil
}

// IssueAccessToken signs a bearer token for userID. Used by test fixtures and
// the dev seeding path; production tokens come from the identity service that
// shares AUTH_TOKEN_SECRET with the gateway.
func (a *ClientAuth) IssueAccessToken(userID string, ttl time.Duration) (string, error) {
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ExecutorIdentity is the resolved owner of an executor socket. Managed
// tokens fix the executor id up front; byon tokens scope the socket to an
// organization and the executor id arrives with the hello.
type ExecutorIdentity struct {
	ExecutorID     string
	OrganizationID string
	Pool           v1.ExecutorPool
	TokenID        string
}

// ExecutorAuth validates executor socket credentials against stored token
// hashes. Raw tokens never touch the database.
type ExecutorAuth struct {
	store store.Store
}

func NewExecutorAuth(st store.Store) *ExecutorAuth {
	return &ExecutorAuth{store: st}
}

// Authenticate matches the presented token against the executor token table.
func (a *ExecutorAuth) Authenticate(ctx context.Context, token string) (*ExecutorIdentity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no token presented", ErrUnauthorized)
	}
	row, err := a.store.GetExecutorTokenByHash(ctx, store.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown executor token", ErrUnauthorized)
	}
	if row.Revoked() {
		return nil, fmt.Errorf("%w: executor token revoked", ErrUnauthorized)
	}

	ident := &ExecutorIdentity{TokenID: row.ID}
	switch {
	case row.ExecutorID != nil && *row.ExecutorID != "":
		ident.ExecutorID = *row.ExecutorID
		ident.Pool = v1.PoolManaged
	case row.OrganizationID != nil && *row.OrganizationID != "":
		ident.OrganizationID = *row.OrganizationID
		ident.Pool = v1.PoolBYON
	default:
		return nil, fmt.Errorf("%w: token is bound to neither executor nor organization", ErrUnauthorized)
	}

	// Best effort; a failed touch must not refuse a valid socket.
	_ = a.store.TouchExecutorToken(ctx, row.ID)
	return ident, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
