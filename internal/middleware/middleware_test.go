package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aseriousbiz/abbot-web-sub006/internal/model"
	"github.com/aseriousbiz/abbot-web-sub006/pkg/logger"
)

const secret = "test-secret"

func echoIdentity(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetOrganizationID(r.Context()) + "/" + GetMemberID(r.Context())))
}

func authRequest(t *testing.T, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	Auth(secret)(http.HandlerFunc(echoIdentity)).ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	token, err := IssueToken(secret, "org1", "member1", []string{"conversations:write"}, time.Minute)
	require.NoError(t, err)

	rec := authRequest(t, "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "org1/member1", rec.Body.String())
}

func TestAuthRejects(t *testing.T) {
	expired, err := IssueToken(secret, "org1", "member1", nil, -time.Minute)
	require.NoError(t, err)
	forged, err := IssueToken("other-secret", "org1", "member1", nil, time.Minute)
	require.NoError(t, err)
	noOrg, err := IssueToken(secret, "", "member1", nil, time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{OrganizationID: "org1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"garbage":      "Bearer abc",
		"expired":      "Bearer " + expired,
		"wrong secret": "Bearer " + forged,
		"no org":       "Bearer " + noOrg,
		"alg none":     "Bearer " + none,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, authRequest(t, header).Code)
		})
	}
}

func TestRequireScope(t *testing.T) {
	h := Auth(secret)(RequireScope("admin")(http.HandlerFunc(echoIdentity)))

	for scopes, want := range map[string]int{
		"admin":  http.StatusOK,
		"viewer": http.StatusForbidden,
	} {
		token, err := IssueToken(secret, "org1", "member1", []string{scopes}, time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, scopes)
	}
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Logging(logger.NewNop()))
	var seen string
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get(CorrelationIDHeader))
}

func TestRateLimitPerOrganization(t *testing.T) {
	h := Auth(secret)(RateLimit(1, time.Minute)(http.HandlerFunc(echoIdentity)))

	call := func(org string) int {
		token, err := IssueToken(secret, org, "member1", nil, time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("org1"))
	assert.Equal(t, http.StatusTooManyRequests, call("org1"))
	assert.Equal(t, http.StatusOK, call("org2"))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(echoIdentity)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestValidateConversationID(t *testing.T) {
	assert.NoError(t, ValidateConversationID("0190b1a2-0000-7000-8000-000000000000"))
	assert.Error(t, ValidateConversationID("123"))
	assert.Error(t, ValidateConversationID(""))
}

func TestValidateOrganizationID(t *testing.T) {
	assert.NoError(t, ValidateOrganizationID("org1"))
	assert.Error(t, ValidateOrganizationID(""))
	assert.Error(t, ValidateOrganizationID(strings.Repeat("a", 65)))
}

func TestValidateState(t *testing.T) {
	for _, s := range []model.ConversationState{model.StateNeedsResponse, model.StateWaiting, model.StateClosed, model.StateSnoozed, model.StateArchived} {
		assert.NoError(t, ValidateState(s), s)
	}
	for _, s := range []model.ConversationState{"", "Open", model.StateNew, model.StateUnknown} {
		assert.Error(t, ValidateState(s), s)
	}
}

func TestValidateTicketFields(t *testing.T) {
	assert.NoError(t, ValidateTicketFields(map[string]any{"subject": "Help", "body": "It broke", "priority": "high"}))
	assert.Error(t, ValidateTicketFields(map[string]any{"subject": strings.Repeat("s", 257)}))
	assert.Error(t, ValidateTicketFields(map[string]any{"body": strings.Repeat("b", 64*1024+1)}))
	assert.Error(t, ValidateTicketFields(map[string]any{"comment": "\xff\xfe"}))

	many := map[string]any{}
	for i := 0; i < 65; i++ {
		many[strings.Repeat("k", i+1)] = "v"
	}
	assert.Error(t, ValidateTicketFields(many))
}
