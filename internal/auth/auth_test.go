package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/nestbridge/internal/auth"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestIssueAndValidate(t *testing.T) {
	t.Parallel()

	v, err := auth.NewVerifier(secret)
	require.NoError(t, err)

	token, err := v.Issue("ops", auth.GetRoleViewer(), time.Hour)
	require.NoError(t, err)

	claims, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.HasPermission(auth.PermissionViewDevices))
	assert.False(t, claims.HasPermission(auth.PermissionControlDevices))

	other, err := auth.NewVerifier("another-secret-of-enough-length")
	require.NoError(t, err)

	_, err = other.Validate(token)
	require.Error(t, err)
}

func TestShortSecret(t *testing.T) {
	t.Parallel()

	_, err := auth.NewVerifier("short")
	require.ErrorIs(t, err, auth.ErrSecretTooShort)
}

func TestExpiredToken(t *testing.T) {
	t.Parallel()

	v, err := auth.NewVerifier(secret)
	require.NoError(t, err)

	token, err := v.Issue("ops", auth.GetRoleAdmin(), time.Nanosecond)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	_, err = v.Validate(token)
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	v, err := auth.NewVerifier(secret)
	require.NoError(t, err)

	viewer, err := v.Issue("viewer", auth.GetRoleViewer(), time.Hour)
	require.NoError(t, err)

	admin, err := v.Issue("admin", auth.GetRoleAdmin(), time.Hour)
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := auth.Middleware(v)(auth.RequirePermission(v, auth.PermissionControlDevices)(ok))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "basic", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "viewer", header: "Bearer " + viewer, want: http.StatusForbidden},
		{name: "admin", header: "Bearer " + admin, want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/x/mode", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := auth.Middleware(nil)(auth.RequirePermission(nil, auth.PermissionManageConfig)(ok))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWebsocketQueryToken(t *testing.T) {
	t.Parallel()

	v, err := auth.NewVerifier(secret)
	require.NoError(t, err)

	token, err := v.Issue("ws", auth.GetRoleViewer(), time.Hour)
	require.NoError(t, err)

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := auth.Middleware(v)(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
