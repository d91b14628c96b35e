package token_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/nestbridge/internal/clock"
	"github.com/bavix/nestbridge/internal/config"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/kv"
	"github.com/bavix/nestbridge/internal/token"
)

var errDenied = errors.New("invalid_grant")

type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	next    token.Token
	err     error
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ token.Token) (token.Token, error) {
	f.calls.Add(1)

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return token.Token{}, ctx.Err()
		}
	}

	return f.next, f.err
}

func (f *fakeRefresher) Exchange(context.Context, string) (token.Token, error) {
	return f.next, f.err
}

var start = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T, r token.Refresher) (*token.Store, *kv.MemoryStore, *clock.Fake) {
	t.Helper()

	clk := clock.NewFake(start)
	mem := kv.NewMemoryStore()

	return token.NewStore(mem, r, token.Options{Clock: clk, Logger: zerolog.Nop()}), mem, clk
}

func TestTokenExpiredAt(t *testing.T) {
	t.Parallel()

	tok := token.Token{AccessToken: "a", Expiry: start.Add(10 * time.Second)}

	assert.False(t, tok.ExpiredAt(start, time.Second))
	assert.False(t, tok.ExpiredAt(start.Add(8*time.Second), time.Second))
	assert.True(t, tok.ExpiredAt(start.Add(9*time.Second), time.Second))
	assert.False(t, token.Token{AccessToken: "a"}.ExpiredAt(start.Add(time.Hour), time.Second))
}

func TestMissingToken(t *testing.T) {
	t.Parallel()

	s, _, _ := newStore(t, &fakeRefresher{})

	_, err := s.Token(context.Background())
	require.ErrorIs(t, err, customerrors.ErrUnauthenticated)
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	s, mem, clk := newStore(t, &fakeRefresher{})
	ctx := context.Background()

	want := token.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: start.Add(time.Hour)}
	require.NoError(t, s.SetToken(ctx, want))

	reloaded := token.NewStore(mem, &fakeRefresher{}, token.Options{Clock: clk, Logger: zerolog.Nop()})

	got, err := reloaded.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.True(t, want.Expiry.Equal(got.Expiry))
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()

	r := &fakeRefresher{
		release: make(chan struct{}),
		next:    token.Token{AccessToken: "fresh", Expiry: start.Add(2 * time.Hour)},
	}
	s, mem, clk := newStore(t, r)
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, token.Token{AccessToken: "old", RefreshToken: "rt", Expiry: start.Add(time.Minute)}))
	clk.Advance(time.Minute)

	const callers = 8

	var wg sync.WaitGroup

	got := make([]string, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tok, err := s.Token(ctx)
			assert.NoError(t, err)

			got[i] = tok.AccessToken
		}()
	}

	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(r.release)
	wg.Wait()

	assert.Equal(t, int32(1), r.calls.Load())

	for _, v := range got {
		assert.Equal(t, "fresh", v)
	}

	raw, err := mem.Get(ctx, token.StorageKey)
	require.NoError(t, err)

	var persisted token.Token
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, "fresh", persisted.AccessToken)
	assert.Equal(t, "rt", persisted.RefreshToken, "refresh token is carried over when not rotated")
}

func TestRefreshFailureKeepsPreviousToken(t *testing.T) {
	t.Parallel()

	r := &fakeRefresher{err: errDenied}
	s, _, clk := newStore(t, r)
	ctx := context.Background()

	old := token.Token{AccessToken: "old", RefreshToken: "rt", Expiry: start.Add(time.Minute)}
	require.NoError(t, s.SetToken(ctx, old))
	clk.Advance(time.Minute)

	_, err := s.Token(ctx)
	require.ErrorIs(t, err, customerrors.ErrAuthRefreshFailed)
	require.ErrorIs(t, err, errDenied)

	held, ok := s.Peek(ctx)
	require.True(t, ok)
	assert.Equal(t, "old", held.AccessToken)

	r.err = nil
	r.next = token.Token{AccessToken: "new", Expiry: start.Add(time.Hour)}

	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", tok.AccessToken)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestSetTokenDiscardsInFlightRefresh(t *testing.T) {
	t.Parallel()

	r := &fakeRefresher{
		release: make(chan struct{}),
		next:    token.Token{AccessToken: "stale", Expiry: start.Add(time.Hour)},
	}
	s, _, clk := newStore(t, r)
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, token.Token{AccessToken: "old", RefreshToken: "rt", Expiry: start.Add(time.Second)}))
	clk.Advance(time.Second)

	type result struct {
		tok token.Token
		err error
	}

	done := make(chan result, 1)

	go func() {
		tok, err := s.Token(ctx)
		done <- result{tok: tok, err: err}
	}()

	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.SetToken(ctx, token.Token{AccessToken: "login", Expiry: start.Add(time.Hour)}))
	close(r.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "login", res.tok.AccessToken, "waiters get the replacing token, not the stale refresh")

	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "login", tok.AccessToken)
}

func TestResetDuringRefreshFailsWaiters(t *testing.T) {
	t.Parallel()

	r := &fakeRefresher{
		release: make(chan struct{}),
		next:    token.Token{AccessToken: "stale", Expiry: start.Add(time.Hour)},
	}
	s, _, clk := newStore(t, r)
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, token.Token{AccessToken: "old", RefreshToken: "rt", Expiry: start.Add(time.Second)}))
	clk.Advance(time.Second)

	done := make(chan error, 1)

	go func() {
		_, err := s.Token(ctx)
		done <- err
	}()

	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)

	s.Reset()
	close(r.release)

	require.ErrorIs(t, <-done, customerrors.ErrAuthRefreshFailed)
}

func TestExpiredWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	r := &fakeRefresher{}
	s, _, clk := newStore(t, r)
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, token.Token{AccessToken: "old", Expiry: start.Add(time.Second)}))
	clk.Advance(time.Second)

	_, err := s.Token(ctx)
	require.ErrorIs(t, err, customerrors.ErrUnauthenticated)
	assert.Zero(t, r.calls.Load())
}

func TestResetReloadsFromStorage(t *testing.T) {
	t.Parallel()

	s, mem, _ := newStore(t, &fakeRefresher{})
	ctx := context.Background()

	require.NoError(t, s.SetToken(ctx, token.Token{AccessToken: "one"}))
	require.NoError(t, mem.Set(ctx, token.StorageKey, `{"access_token":"two"}`))

	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", tok.AccessToken)

	s.Reset()

	tok, err = s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", tok.AccessToken)
}

func TestExchange(t *testing.T) {
	t.Parallel()

	r := &fakeRefresher{next: token.Token{AccessToken: "exchanged", RefreshToken: "rt"}}
	s, _, _ := newStore(t, r)

	tok, err := s.Exchange(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, "exchanged", tok.AccessToken)

	held, ok := s.Peek(context.Background())
	require.True(t, ok)
	assert.Equal(t, "rt", held.RefreshToken)
}

func TestOAuth2Refresher(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())

		w.Header().Set("Content-Type", "application/json")

		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
			_, _ = w.Write([]byte(`{"access_token":"refreshed","token_type":"Bearer","expires_in":3600}`))
		case "authorization_code":
			assert.Equal(t, "the-code", r.PostForm.Get("code"))
			_, _ = w.Write([]byte(`{"access_token":"first","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	cfg, err := config.Parse("c.yaml", []byte("project_id: proj\noauth:\n  client_id: id\n  client_secret: secret\n  token_url: "+srv.URL+"\n"))
	require.NoError(t, err)

	oc := token.NewOAuth2Config(cfg)
	assert.Equal(t, []string{token.Scope}, oc.Scopes)

	authURL := token.AuthCodeURL(oc, "state")
	assert.Contains(t, authURL, "https://nestservices.google.com/partnerconnections/proj/auth")
	assert.Contains(t, authURL, "access_type=offline")
	assert.Contains(t, authURL, "prompt=consent")

	r := token.NewOAuth2Refresher(oc, srv.Client())

	first, err := r.Exchange(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, "first", first.AccessToken)
	assert.Equal(t, "rt", first.RefreshToken)

	next, err := r.Refresh(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "refreshed", next.AccessToken)
	assert.False(t, next.Expiry.IsZero())
}
