package token

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/bavix/nestbridge/internal/config"
)

// Scope grants access to the Smart Device Management API.
const Scope = "https://www.googleapis.com/auth/sdm.service"

// NewOAuth2Config builds the OAuth client of the project.
func NewOAuth2Config(cfg *config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       []string{Scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizationURL(),
			TokenURL:  cfg.OAuth.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL returns the consent page url. Offline access with forced
// consent makes the provider issue a refresh token every time.
func AuthCodeURL(c *oauth2.Config, state string) string {
	return c.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// OAuth2Refresher implements Refresher with golang.org/x/oauth2.
type OAuth2Refresher struct {
	cfg    *oauth2.Config
	client *http.Client
}

// NewOAuth2Refresher creates a refresher. A nil client uses http.DefaultClient.
func NewOAuth2Refresher(cfg *oauth2.Config, client *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{cfg: cfg, client: client}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, t Token) (Token, error) {
	src := r.cfg.TokenSource(r.ctx(ctx), &oauth2.Token{RefreshToken: t.RefreshToken})

	next, err := src.Token()
	if err != nil {
		return Token{}, err
	}

	return fromOAuth2(next), nil
}

func (r *OAuth2Refresher) Exchange(ctx context.Context, code string) (Token, error) {
	t, err := r.cfg.Exchange(r.ctx(ctx), code)
	if err != nil {
		return Token{}, err
	}

	return fromOAuth2(t), nil
}

func (r *OAuth2Refresher) ctx(ctx context.Context) context.Context {
	if r.client == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, r.client)
}

func fromOAuth2(t *oauth2.Token) Token {
	return Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry,
	}
}
