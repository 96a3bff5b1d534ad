package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/model"
)

// setClaimsScript writes the claims only when the user record exists, so a
// push for a subject deleted on the provider side cannot resurrect it. A
// versioned push older than the stored version is ignored.
var setClaimsScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	local cur = tonumber(redis.call('GET', KEYS[3]) or '0')
	local v = tonumber(ARGV[2])
	if v > 0 and v < cur then
		return 2
	end
	redis.call('SET', KEYS[2], ARGV[1])
	redis.call('SET', KEYS[3], ARGV[2])
	return 1
`)

// sessionClaims is the JWT payload of a session token.
type sessionClaims struct {
	Approved bool              `json:"approved"`
	Roles    []model.Role      `json:"roles"`
	Kind     model.AccountKind `json:"kind,omitempty"`
	Version  uint64            `json:"cv,omitempty"`
	SyncedAt int64             `json:"synced_at,omitempty"`
	// iat is whole seconds; revocation watermarks need finer ordering
	IssuedAtMs int64 `json:"iat_ms,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider is an in-house identity provider: HS256 session tokens signed
// with a shared secret, a user registry and custom claims kept in Redis.
type JWTProvider struct {
	rdb     redis.UniversalClient
	secret  []byte
	issuer  string
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

type Option func(*JWTProvider)

// WithClock overrides the time source used for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(p *JWTProvider) { p.now = now }
}

// WithTimeout bounds every Redis round trip made by the provider.
func WithTimeout(d time.Duration) Option {
	return func(p *JWTProvider) { p.timeout = d }
}

// WithKeyPrefix changes the Redis namespace (default "idp").
func WithKeyPrefix(prefix string) Option {
	return func(p *JWTProvider) { p.prefix = prefix }
}

func NewJWTProvider(rdb redis.UniversalClient, secret, issuer string, opts ...Option) *JWTProvider {
	p := &JWTProvider{
		rdb:     rdb,
		secret:  []byte(secret),
		issuer:  issuer,
		prefix:  "idp",
		timeout: 3 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *JWTProvider) userKey(sub string) string    { return p.prefix + ":user:" + sub }
func (p *JWTProvider) claimsKey(sub string) string  { return p.prefix + ":claims:" + sub }
func (p *JWTProvider) versionKey(sub string) string { return p.prefix + ":claims_version:" + sub }
func (p *JWTProvider) emailKey(email string) string { return p.prefix + ":email:" + email }

func (p *JWTProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// VerifyToken validates the signature first and the expiry second; both are
// local checks.
func (p *JWTProvider) VerifyToken(_ context.Context, raw string) (*Verified, error) {
	var sc sessionClaims
	_, err := jwt.ParseWithClaims(raw, &sc, func(*jwt.Token) (any, error) { return p.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperror.Auth(apperror.AuthExpired, err)
	default:
		return nil, apperror.Auth(apperror.AuthInvalidSignature, err)
	}
	if sc.Subject == "" || sc.ID == "" {
		return nil, apperror.Auth(apperror.AuthInvalidSignature, errors.New("token lacks sub or jti"))
	}

	v := &Verified{
		Subject: sc.Subject,
		TokenID: sc.ID,
		Claims: model.Claims{
			Approved: sc.Approved,
			Roles:    sc.Roles,
			Kind:     sc.Kind,
			Version:  sc.Version,
		},
		ExpiresAt: sc.ExpiresAt.Time.UTC(),
	}
	if v.Claims.Roles == nil {
		v.Claims.Roles = []model.Role{}
	}
	if sc.SyncedAt > 0 {
		v.Claims.SyncedAt = time.Unix(sc.SyncedAt, 0).UTC()
	}
	switch {
	case sc.IssuedAtMs > 0:
		v.IssuedAt = time.UnixMilli(sc.IssuedAtMs).UTC()
	case sc.IssuedAt != nil:
		v.IssuedAt = sc.IssuedAt.Time.UTC()
	}
	return v, nil
}

// IssueCustomToken signs a token embedding the claims last pushed for the
// subject. A subject with no pushed claims gets an unapproved token.
func (p *JWTProvider) IssueCustomToken(ctx context.Context, subject string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		return Token{}, apperror.Validation("token ttl must be positive")
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	pipe := p.rdb.Pipeline()
	exists := pipe.Exists(ctx, p.userKey(subject))
	stored := pipe.Get(ctx, p.claimsKey(subject))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Token{}, apperror.Upstream(true, fmt.Errorf("load claims: %w", err))
	}
	if exists.Val() == 0 {
		return Token{}, ErrUnknownSubject
	}

	var claims model.Claims
	if b, err := stored.Bytes(); err == nil {
		if err := json.Unmarshal(b, &claims); err != nil {
			return Token{}, fmt.Errorf("decode claims of %s: %w", subject, err)
		}
	}

	now := p.now().UTC().Truncate(time.Millisecond)
	exp := now.Truncate(time.Second).Add(ttl)
	sc := sessionClaims{
		Approved:   claims.Approved,
		Roles:      claims.Roles,
		Kind:       claims.Kind,
		Version:    claims.Version,
		IssuedAtMs: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	if !claims.SyncedAt.IsZero() {
		sc.SyncedAt = claims.SyncedAt.Unix()
	}
	if sc.Roles == nil {
		sc.Roles = []model.Role{}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, sc).SignedString(p.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Raw: signed, ID: sc.ID, Subject: subject, IssuedAt: now, ExpiresAt: exp}, nil
}

// SetClaims replaces the stored claims of subject atomically. Claims
// carrying a version older than the stored one are dropped silently, so a
// slow push cannot overwrite a newer one.
func (p *JWTProvider) SetClaims(ctx context.Context, subject string, claims model.Claims) error {
	payload, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	keys := []string{p.userKey(subject), p.claimsKey(subject), p.versionKey(subject)}
	ok, err := setClaimsScript.Run(ctx, p.rdb, keys, payload, claims.Version).Int()
	if err != nil {
		return apperror.Upstream(true, fmt.Errorf("set claims: %w", err))
	}
	if ok == 0 {
		return ErrUnknownSubject
	}
	return nil
}

// CreateUser registers email with the provider. The call is get-or-create:
// an email that is already registered returns the existing user, so a
// registration retried after a partial failure converges on one subject.
func (p *JWTProvider) CreateUser(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return User{}, apperror.Validation("email is required")
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	sub := uuid.NewString()
	created, err := p.rdb.SetNX(ctx, p.emailKey(email), sub, 0).Result()
	if err != nil {
		return User{}, apperror.Upstream(true, fmt.Errorf("reserve email: %w", err))
	}
	if !created {
		existing, err := p.rdb.Get(ctx, p.emailKey(email)).Result()
		if err != nil {
			return User{}, apperror.Upstream(true, fmt.Errorf("lookup email: %w", err))
		}
		return p.lookup(ctx, existing)
	}

	now := p.now()
	if err := p.rdb.HSet(ctx, p.userKey(sub),
		"email", email,
		"created_at", now.Format(time.RFC3339Nano),
	).Err(); err != nil {
		return User{}, apperror.Upstream(true, fmt.Errorf("create user: %w", err))
	}
	return User{Subject: sub, Email: email, CreatedAt: now}, nil
}

func (p *JWTProvider) LookupUser(ctx context.Context, subject string) (User, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.lookup(ctx, subject)
}

func (p *JWTProvider) lookup(ctx context.Context, subject string) (User, error) {
	vals, err := p.rdb.HGetAll(ctx, p.userKey(subject)).Result()
	if err != nil {
		return User{}, apperror.Upstream(true, fmt.Errorf("lookup user: %w", err))
	}
	if len(vals) == 0 {
		return User{}, ErrUnknownSubject
	}
	u := User{Subject: subject, Email: vals["email"]}
	if t, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		u.CreatedAt = t
	}
	return u, nil
}

var _ Provider = (*JWTProvider)(nil)
