// Package auth turns request credentials into a Capability. It accepts an
// HS256 bearer token or HTTP basic auth against bcrypt-hashed operator
// passwords. Requests without valid credentials get the anonymous
// capability; deciding what that may do is left to the caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/auditmos/adminpanel/logging"
	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Capability is what the dashboard needs to know about the caller.
type Capability struct {
	Actor string
	Admin bool
}

var Anonymous = Capability{}

type capabilityKey struct{}

func WithCapability(ctx context.Context, c Capability) context.Context {
	return context.WithValue(ctx, capabilityKey{}, c)
}

func FromContext(ctx context.Context) Capability {
	c, _ := ctx.Value(capabilityKey{}).(Capability)
	return c
}

type Claims struct {
	Username    string `json:"username"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
	jwt.StandardClaims
}

type Config struct {
	JWTSecret []byte
	// Operators maps a basic-auth username to its bcrypt hash.
	Operators map[string]string
	Log       logging.Logger
}

type Authenticator struct {
	secret    []byte
	operators map[string]string
	log       logging.Logger
	now       func() time.Time
}

func New(cfg Config) *Authenticator {
	log := cfg.Log
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Authenticator{
		secret:    cfg.JWTSecret,
		operators: cfg.Operators,
		log:       log,
		now:       time.Now,
	}
}

// IssueToken signs a token for user. Admin tokens carry is_staff.
func (a *Authenticator) IssueToken(user string, admin bool, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("issue token: no signing secret configured")
	}
	now := a.now()
	claims := Claims{
		Username: user,
		IsStaff:  admin,
		StandardClaims: jwt.StandardClaims{
			Subject:   user,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) ParseToken(tokenString string) (Capability, error) {
	if len(a.secret) == 0 {
		return Anonymous, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Anonymous, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	actor := claims.Username
	if actor == "" {
		actor = claims.Subject
	}
	return Capability{Actor: actor, Admin: claims.IsStaff || claims.IsSuperuser}, nil
}

func (a *Authenticator) CheckPassword(user, password string) (Capability, error) {
	hash, ok := a.operators[user]
	if !ok {
		return Anonymous, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return Anonymous, ErrInvalidCredentials
	}
	return Capability{Actor: user, Admin: true}, nil
}

// Authenticate inspects the Authorization header. No header is not an error.
func (a *Authenticator) Authenticate(r *http.Request) (Capability, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Anonymous, nil
	}
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return a.ParseToken(strings.TrimSpace(token))
	}
	if user, password, ok := r.BasicAuth(); ok {
		return a.CheckPassword(user, password)
	}
	return Anonymous, ErrInvalidCredentials
}

// Middleware stores the caller's capability in the request context.
// Invalid credentials are logged and downgraded to anonymous.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := a.Authenticate(r)
		if err != nil {
			a.log.WithError(err).WithFields(logging.Fields{
				"path": r.URL.Path,
			}).Warn("auth", "authenticate", "Rejected credentials")
		}
		next.ServeHTTP(w, r.WithContext(WithCapability(r.Context(), c)))
	})
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// ParseOperators reads "user:bcrypt-hash" entries.
func ParseOperators(entries []string) (map[string]string, error) {
	ops := make(map[string]string, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("invalid operator entry %q: want user:hash", entry)
		}
		ops[user] = hash
	}
	return ops, nil
}
