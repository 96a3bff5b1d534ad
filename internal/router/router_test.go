package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
	"github.com/iliyamo/ewaste-tracker/internal/approval"
	"github.com/iliyamo/ewaste-tracker/internal/claimsync"
	"github.com/iliyamo/ewaste-tracker/internal/config"
	"github.com/iliyamo/ewaste-tracker/internal/handler"
	"github.com/iliyamo/ewaste-tracker/internal/identity"
	"github.com/iliyamo/ewaste-tracker/internal/middleware"
	"github.com/iliyamo/ewaste-tracker/internal/model"
	"github.com/iliyamo/ewaste-tracker/internal/ratelimit"
	"github.com/iliyamo/ewaste-tracker/internal/session"
	"github.com/iliyamo/ewaste-tracker/internal/tokenstore"
)

type accountsBySubject map[string]*model.Account

func (a accountsBySubject) GetByID(_ context.Context, id uint64) (*model.Account, error) {
	for _, acct := range a {
		if acct.ID == id {
			return acct, nil
		}
	}
	return nil, apperror.NotFound("account not found")
}

func (a accountsBySubject) GetBySubject(_ context.Context, sub string) (*model.Account, error) {
	if acct, ok := a[sub]; ok {
		return acct, nil
	}
	return nil, apperror.NotFound("account not found")
}

type deniedRegistrar struct{}

func (deniedRegistrar) Register(context.Context, approval.Registration) (*model.Account, *model.RoleRequest, error) {
	return nil, nil, apperror.Conflict("account already exists")
}

func (deniedRegistrar) Login(context.Context, string, string) (*model.Account, error) {
	return nil, apperror.ErrInvalidCredentials
}

func (deniedRegistrar) EnsureAccount(context.Context, string) (*model.Account, error) {
	return nil, apperror.NotFound("unknown subject")
}

type emptyQueue struct{}

func (emptyQueue) Submit(context.Context, uint64, []model.Role, string) (*model.RoleRequest, error) {
	return nil, apperror.Validation("not used")
}

func (emptyQueue) Approve(context.Context, uint64, model.Reviewer, []model.Role) (*model.RoleRequest, error) {
	return nil, apperror.NotFound("role request not found")
}

func (emptyQueue) Reject(context.Context, uint64, model.Reviewer, string) (*model.RoleRequest, error) {
	return nil, apperror.NotFound("role request not found")
}

func (emptyQueue) Pending(context.Context) ([]*model.RoleRequest, error) {
	return []*model.RoleRequest{}, nil
}

func (emptyQueue) ListForAccount(context.Context, uint64) ([]*model.RoleRequest, error) {
	return []*model.RoleRequest{}, nil
}

type noopReconciler struct{}

func (noopReconciler) Reconcile(context.Context, bool) (claimsync.Report, error) {
	return claimsync.Report{}, nil
}

type server struct {
	e        *echo.Echo
	mr       *miniredis.Miniredis
	provider *identity.JWTProvider
	sessions *session.Service
	accounts accountsBySubject
}

func newServer(t *testing.T, opts ...func(*Pipeline)) *server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	logger, _ := test.NewNullLogger()

	provider := identity.NewJWTProvider(rdb, "router-secret", "ewaste-test")
	sessions := session.NewService(provider, tokenstore.New(rdb, tokenstore.DefaultConfig()), 15*time.Minute, logger)
	limiter := ratelimit.New(rdb, config.RateLimitConfig{
		Enabled: true,
		Prefix:  "rl",
		Classes: map[config.RouteClass]config.Window{
			config.ClassAuth: {Limit: 5, Window: 15 * time.Minute},
			config.ClassAPI:  {Limit: 100, Window: 15 * time.Minute},
		},
	}, logger)
	accounts := accountsBySubject{}

	e := echo.New()
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	p := Pipeline{Verifier: sessions, Limiter: limiter, Accounts: accounts, Sanitizer: middleware.NewSanitizer()}
	for _, o := range opts {
		o(&p)
	}
	require.NoError(t, Configure(e, p))
	RegisterRoutes(e, nil)
	RegisterAuth(e, p, handler.NewAuthHandler(deniedRegistrar{}, sessions, accounts), handler.NewRoleRequestHandler(emptyQueue{}, accounts))
	RegisterAdmin(e, p, handler.NewAdminHandler(emptyQueue{}, accounts, noopReconciler{}, sessions))

	return &server{e: e, mr: mr, provider: provider, sessions: sessions, accounts: accounts}
}

// signIn creates a provider user with the given claims and an account
// record with the given state, and returns a session token.
func (s *server) signIn(t *testing.T, email string, claims model.Claims, acct model.Account) string {
	t.Helper()
	ctx := context.Background()
	u, err := s.provider.CreateUser(ctx, email)
	require.NoError(t, err)
	require.NoError(t, s.provider.SetClaims(ctx, u.Subject, claims))
	acct.SubjectID = u.Subject
	acct.ID = uint64(len(s.accounts) + 1)
	s.accounts[u.Subject] = &acct
	tok, err := s.sessions.Issue(ctx, &acct)
	require.NoError(t, err)
	return tok.Raw
}

func (s *server) do(method, path, token, body string) *httptest.ResponseRecorder {
	return s.doFrom("", "", method, path, token, body)
}

// doFrom sends a request from remoteAddr, optionally claiming to forward
// for xff.
func (s *server) doFrom(remoteAddr, xff, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if xff != "" {
		req.Header.Set(echo.HeaderXForwardedFor, xff)
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminPipelineOrder(t *testing.T) {
	s := newServer(t)
	const path = "/v1/admin/role-requests/pending"

	rec := s.do(http.MethodGet, path, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"missing"`)
	assert.Empty(t, s.mr.Keys(), "unauthenticated requests must not reach the limiter")

	pending := s.signIn(t, "bob@example.com", model.Claims{Roles: []model.Role{}, Version: 1},
		model.Account{Status: model.StatusPending})
	rec = s.do(http.MethodGet, path, pending, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))

	// Claims still say admin, but the record no longer does.
	demoted := s.signIn(t, "carol@example.com", model.Claims{Approved: true, Roles: []model.Role{model.RoleAdmin}, Version: 1},
		model.Account{Status: model.StatusApproved, Roles: []model.Role{}})
	rec = s.do(http.MethodGet, path, demoted, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := s.signIn(t, "root@example.com", model.Claims{Approved: true, Roles: []model.Role{model.RoleAdmin}, Version: 1},
		model.Account{Status: model.StatusApproved, Kind: model.KindSuperAdmin, Roles: []model.Role{model.RoleAdmin}})
	rec = s.do(http.MethodGet, path, admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestRevokedTokenIsRejectedImmediately(t *testing.T) {
	s := newServer(t)
	tok := s.signIn(t, "dana@example.com", model.Claims{Roles: []model.Role{}, Version: 1},
		model.Account{Status: model.StatusPending})

	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/me", tok, "").Code)
	require.Equal(t, http.StatusNoContent, s.do(http.MethodPost, "/v1/auth/logout", tok, "").Code)

	rec := s.do(http.MethodGet, "/v1/me", tok, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"revoked"`)

	// Logging out again with the revoked token is an auth failure, not a crash.
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/v1/auth/logout", tok, "").Code)
}

func TestLoginIsRateLimitedPerIP(t *testing.T) {
	s := newServer(t)
	body := `{"email":"ghost@example.com","password":"guess-123"}`
	for i := 0; i < 5; i++ {
		rec := s.do(http.MethodPost, "/v1/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}
	rec := s.do(http.MethodPost, "/v1/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestForwardedForFromClientIsIgnored(t *testing.T) {
	s := newServer(t)
	body := `{"email":"ghost@example.com","password":"guess-123"}`
	for i := 0; i < 5; i++ {
		xff := fmt.Sprintf("198.51.100.%d", i+1)
		rec := s.doFrom("203.0.113.7:40000", xff, http.MethodPost, "/v1/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
	}
	rec := s.doFrom("203.0.113.7:40000", "198.51.100.99", http.MethodPost, "/v1/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	for _, k := range s.mr.Keys() {
		assert.NotContains(t, k, "198.51.100.")
	}
}

func TestForwardedForFromTrustedProxy(t *testing.T) {
	s := newServer(t, func(p *Pipeline) { p.TrustedProxies = []string{"10.0.0.0/8"} })
	body := `{"email":"ghost@example.com","password":"guess-123"}`

	// Behind the proxy every client has its own bucket.
	for i := 0; i < 6; i++ {
		xff := fmt.Sprintf("198.51.100.%d", i+1)
		rec := s.doFrom("10.1.2.3:443", xff, http.MethodPost, "/v1/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "client %d", i+1)
	}

	// A client prepending its own entry still lands on the address the
	// proxy saw.
	for i := 0; i < 5; i++ {
		xff := fmt.Sprintf("192.0.2.%d, 198.51.100.1", i+1)
		rec := s.doFrom("10.1.2.3:443", xff, http.MethodPost, "/v1/auth/login", "", body)
		if i < 4 {
			require.Equal(t, http.StatusUnauthorized, rec.Code, "attempt %d", i+1)
			continue
		}
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	}
}

func TestConfigureRejectsBadProxy(t *testing.T) {
	err := Configure(echo.New(), Pipeline{TrustedProxies: []string{"not-an-ip"}})
	assert.Error(t, err)
	assert.NoError(t, Configure(echo.New(), Pipeline{TrustedProxies: []string{"10.0.0.1", "fd00::/8"}}))
}

func TestOversizedBodyIsRejectedFirst(t *testing.T) {
	s := newServer(t, func(p *Pipeline) { p.BodyLimit = "1K" })
	// Unterminated JSON: the sanitizer would answer 400 if it read it.
	huge := `{"email":"` + strings.Repeat("a", 4096)

	rec := s.do(http.MethodPost, "/v1/auth/register", "", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Ahead of authentication too: no token, still 413 rather than 401.
	rec = s.do(http.MethodPost, "/v1/admin/role-requests/1/reject", "", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Empty(t, s.mr.Keys(), "oversized requests must not reach the limiter")

	rec = s.do(http.MethodPost, "/v1/auth/register", "", `{"email":"x`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
