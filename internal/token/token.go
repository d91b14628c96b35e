package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bavix/nestbridge/internal/clock"
	customerrors "github.com/bavix/nestbridge/internal/errors"
	"github.com/bavix/nestbridge/internal/kv"
	"github.com/bavix/nestbridge/internal/metrics"
)

const (
	// StorageKey is the kv key of the persisted token.
	StorageKey = "token"

	DefaultSkew    = time.Second
	refreshTimeout = 30 * time.Second
	flightKey      = "refresh"
)

// Token is the OAuth credential. A zero Expiry never expires.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// ExpiredAt reports whether the token must be treated as expired at now.
func (t Token) ExpiredAt(now time.Time, skew time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}

	return !now.Add(skew).Before(t.Expiry)
}

// Refresher performs the opaque OAuth operations.
type Refresher interface {
	Refresh(ctx context.Context, t Token) (Token, error)
	Exchange(ctx context.Context, code string) (Token, error)
}

// Options configures a Store.
type Options struct {
	Clock  clock.Clock
	Skew   time.Duration
	Logger zerolog.Logger
}

// Store owns the single live token. Concurrent callers that find it expired
// share one refresh call.
type Store struct {
	kv    kv.Store
	clock clock.Clock
	skew  time.Duration
	log   zerolog.Logger

	sf singleflight.Group

	// writeMu orders every in-memory replacement together with its persist.
	writeMu sync.Mutex

	mu        sync.Mutex
	refresher Refresher
	tok       *Token
	loaded    bool
	gen       uint64
}

// NewStore creates a Store backed by store.
func NewStore(store kv.Store, refresher Refresher, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.Skew <= 0 {
		opts.Skew = DefaultSkew
	}

	return &Store{
		kv:        store,
		clock:     opts.Clock,
		skew:      opts.Skew,
		log:       opts.Logger,
		refresher: refresher,
	}
}

// Token returns a token that is not expired, refreshing it when needed.
func (s *Store) Token(ctx context.Context) (Token, error) {
	s.mu.Lock()

	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()

		return Token{}, err
	}

	if s.tok == nil {
		s.mu.Unlock()
		s.log.Warn().Msg(customerrors.ErrUnauthenticated.Error())

		return Token{}, customerrors.ErrUnauthenticated
	}

	cur := *s.tok
	if !cur.ExpiredAt(s.clock.Now(), s.skew) {
		s.mu.Unlock()

		return cur, nil
	}

	gen, refresher := s.gen, s.refresher
	s.mu.Unlock()

	if cur.RefreshToken == "" || refresher == nil {
		s.log.Warn().Msg("token expired and cannot be refreshed, please log in")

		return Token{}, customerrors.ErrUnauthenticated
	}

	ch := s.sf.DoChan(flightKey, func() (any, error) {
		return s.refresh(ctx, refresher, cur, gen)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}

		t, _ := res.Val.(Token)

		return t, nil
	}
}

func (s *Store) refresh(ctx context.Context, refresher Refresher, cur Token, gen uint64) (Token, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	next, err := refresher.Refresh(rctx, cur)
	if err != nil {
		metrics.M.TokenRefreshError.Inc()
		s.log.Error().Err(err).Msg("token refresh failed")

		return Token{}, fmt.Errorf("%w: %w", customerrors.ErrAuthRefreshFailed, err)
	}

	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		replaced := s.tok
		s.mu.Unlock()
		metrics.M.TokenRefreshDiscarded.Inc()
		s.log.Debug().Msg("discarding refresh result, token was replaced")

		if replaced != nil && !s.Expired(*replaced) {
			return *replaced, nil
		}

		return Token{}, fmt.Errorf("%w: token replaced during refresh", customerrors.ErrAuthRefreshFailed)
	}

	s.tok = &next
	s.mu.Unlock()

	s.persist(rctx, next)
	metrics.M.TokenRefreshSuccess.Inc()
	s.log.Info().Time("expiry", next.Expiry).Msg("token refreshed")

	return next, nil
}

// SetToken replaces the token wholesale and discards any in-flight refresh.
func (s *Store) SetToken(ctx context.Context, t Token) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	if err := s.kv.Set(ctx, StorageKey, string(b)); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}

	s.mu.Lock()
	s.tok = &t
	s.loaded = true
	s.gen++
	s.mu.Unlock()

	s.sf.Forget(flightKey)

	return nil
}

// Exchange trades an authorization code for a token and stores it.
func (s *Store) Exchange(ctx context.Context, code string) (Token, error) {
	s.mu.Lock()
	refresher := s.refresher
	s.mu.Unlock()

	if refresher == nil {
		return Token{}, customerrors.ErrUnauthenticated
	}

	t, err := refresher.Exchange(ctx, code)
	if err != nil {
		return Token{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	if err := s.SetToken(ctx, t); err != nil {
		return Token{}, err
	}

	return t, nil
}

// Reset drops the in-memory token; the next call reloads it from storage.
func (s *Store) Reset() {
	s.mu.Lock()
	s.tok = nil
	s.loaded = false
	s.gen++
	s.mu.Unlock()

	s.sf.Forget(flightKey)
}

// SetRefresher swaps the OAuth client, e.g. after the client id changed.
func (s *Store) SetRefresher(r Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refresher = r
}

// Peek returns the held token without refreshing it.
func (s *Store) Peek(ctx context.Context) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil || s.tok == nil {
		return Token{}, false
	}

	return *s.tok, true
}

// Expired reports whether the held token would need a refresh now.
func (s *Store) Expired(t Token) bool {
	return t.ExpiredAt(s.clock.Now(), s.skew)
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	raw, err := s.kv.Get(ctx, StorageKey)
	if errors.Is(err, customerrors.ErrKeyNotFound) {
		s.loaded = true

		return nil
	}

	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}

	var t Token
	if err := json.Unmarshal([]byte(raw), &t); err != nil || t.AccessToken == "" {
		s.log.Warn().Err(err).Msg("stored token is unreadable, please log in")

		s.loaded = true

		return nil
	}

	s.tok = &t
	s.loaded = true

	return nil
}

func (s *Store) persist(ctx context.Context, t Token) {
	b, err := json.Marshal(t)
	if err == nil {
		err = s.kv.Set(ctx, StorageKey, string(b))
	}

	if err != nil {
		s.log.Error().Err(err).Msg("failed to persist refreshed token")
	}
}
