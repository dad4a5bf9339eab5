package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/clipforge/internal/errors"
)

// User is the authenticated caller.
type User struct {
	ID       string
	Username string
}

type userKey struct{}

// WithUser stores u on ctx.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the caller set by Auth.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok && u.ID != ""
}

// AuthConfig configures token verification.
type AuthConfig struct {
	// Secret is the HMAC key tokens are signed with.
	Secret string

	// CookieName is checked when no bearer token is present.
	CookieName string

	// Issuer and Audience are enforced when set.
	Issuer   string
	Audience string
}

var errNoCredentials = errors.New("authentication required")

// Auth rejects requests without a valid HS256 JWT. The token comes from an
// Authorization bearer header, or from the session cookie. The subject
// claim becomes the user id.
func Auth(cfg AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(cfg.Secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				logger.Error("Authentication is not configured; rejecting request", zap.String("path", r.URL.Path))
				apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, "authentication is not configured", nil)
				return
			}

			user, err := authenticate(r, parser, key, cfg.CookieName)
			if err != nil {
				logger.Debug("Authentication failed",
					zap.String("path", r.URL.Path),
					zap.String("request_id", GetRequestID(r)),
					zap.Error(err),
				)
				msg := "invalid token"
				if errors.Is(err, errNoCredentials) {
					msg = err.Error()
				}
				apperrors.WriteError(w, r, http.StatusUnauthorized, apperrors.CodeUnauthorized, msg, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, key []byte, cookieName string) (User, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return User{}, errors.New("malformed authorization header")
		}
		raw = strings.TrimSpace(token)
	} else if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil {
			raw = c.Value
		}
	}
	if raw == "" {
		return User{}, errNoCredentials
	}

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return User{}, err
	}
	if !token.Valid {
		return User{}, errors.New("token is not valid")
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return User{}, errors.New("token has no subject")
	}
	user := User{ID: sub}
	for _, k := range []string{"username", "preferred_username", "name"} {
		if v, ok := claims[k].(string); ok && v != "" {
			user.Username = v
			break
		}
	}
	return user, nil
}
